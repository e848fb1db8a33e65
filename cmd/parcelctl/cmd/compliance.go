package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"parcel-audit/internal/domain/parcel"
)

var (
	complianceProject      string
	complianceGreen        bool
	complianceConstruction bool
)

var complianceCmd = &cobra.Command{
	Use:   "compliance",
	Short: "Check a project's plots for green cover and construction deadlines",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(complianceProject)
		if err != nil {
			return fmt.Errorf("invalid project id: %w", err)
		}
		a, _, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Service.RunCompliance(cmd.Context(), id, parcel.ComplianceRequest{
			GreenCover:   &complianceGreen,
			Construction: &complianceConstruction,
		})
		if err != nil {
			return err
		}
		s := report.Summary
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "run\t%s\n", report.RunID)
		fmt.Fprintf(w, "plots\t%d\n", s.TotalPlots)
		fmt.Fprintf(w, "green cover (>= %.0f%%)\t%d of %d checked compliant\n", s.GreenThreshold, s.GreenCover.Compliant, s.GreenCover.Checked)
		fmt.Fprintf(w, "construction (%d years)\t%d of %d checked compliant\n", s.DeadlineYears, s.Construction.Compliant, s.Construction.Checked)
		fmt.Fprintf(w, "fully compliant\t%d\n", s.FullyCompliant)
		fmt.Fprintf(w, "non compliant\t%d\n", s.NonCompliant)
		fmt.Fprintf(w, "unchecked\t%d\n", s.Unchecked)
		if err := w.Flush(); err != nil {
			return err
		}
		for _, r := range report.Results {
			for _, v := range r.Violations {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", r.Label, v)
			}
		}
		return nil
	},
}

func init() {
	complianceCmd.Flags().StringVar(&complianceProject, "project", "", "project id")
	complianceCmd.Flags().BoolVar(&complianceGreen, "green-cover", true, "check green cover")
	complianceCmd.Flags().BoolVar(&complianceConstruction, "construction", true, "check the construction deadline")
	_ = complianceCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(complianceCmd)
}
