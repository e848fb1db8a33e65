package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var compareProject string

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare a project's plots with the reference data",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(compareProject)
		if err != nil {
			return fmt.Errorf("invalid project id: %w", err)
		}
		a, _, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Service.Compare(cmd.Context(), id)
		if err != nil {
			return err
		}
		s := res.Summary
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "run\t%s\n", res.RunID)
		fmt.Fprintf(w, "data source\t%s\n", s.DataSource)
		fmt.Fprintf(w, "detected / reference\t%d / %d\n", s.TotalDetected, s.TotalReference)
		fmt.Fprintf(w, "compliant\t%d\n", s.Compliant)
		fmt.Fprintf(w, "encroachment\t%d\n", s.Encroachment)
		fmt.Fprintf(w, "boundary mismatch\t%d\n", s.BoundaryMismatch)
		fmt.Fprintf(w, "vacant\t%d\n", s.Vacant)
		fmt.Fprintf(w, "unauthorized\t%d\n", s.Unauthorized)
		if err := w.Flush(); err != nil {
			return err
		}
		for _, d := range res.Deviations {
			fmt.Fprintf(cmd.OutOrStdout(), "%-25s %-8s %10.1f m²  %s\n", d.Type, d.Severity, d.AreaSQM, d.Description)
		}
		return nil
	},
}

func init() {
	compareCmd.Flags().StringVar(&compareProject, "project", "", "project id")
	_ = compareCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(compareCmd)
}
