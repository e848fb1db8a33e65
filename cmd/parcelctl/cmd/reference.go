package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"parcel-audit/internal/reference"
)

var (
	lookupArea     string
	lookupCategory string
	lookupRefresh  bool
)

var referenceCmd = &cobra.Command{
	Use:   "reference",
	Short: "Reference cadastral data",
}

var referenceLookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Resolve an area boundary and its reference plots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Reference.Lookup(cmd.Context(), reference.Criteria{
			AreaName: lookupArea,
			Category: lookupCategory,
			Refresh:  lookupRefresh,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !res.Found {
			fmt.Fprintf(out, "area %q not found\n", lookupArea)
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "name\t%s\n", res.Name)
		fmt.Fprintf(w, "strategy\t%s\n", res.Strategy)
		fmt.Fprintf(w, "data source\t%s\n", res.DataSource)
		fmt.Fprintf(w, "cached\t%t\n", res.Cached)
		fmt.Fprintf(w, "plots\t%d\n", len(res.Plots))
		fmt.Fprintf(w, "land bank parcels\t%d\n", len(res.LandBank))
		return w.Flush()
	},
}

func init() {
	referenceLookupCmd.Flags().StringVar(&lookupArea, "area", "", "area name")
	referenceLookupCmd.Flags().StringVar(&lookupCategory, "category", "", "area category (industrial, old_industrial, directorate)")
	referenceLookupCmd.Flags().BoolVar(&lookupRefresh, "refresh", false, "bypass and rebuild the boundary cache")
	_ = referenceLookupCmd.MarkFlagRequired("area")
	referenceCmd.AddCommand(referenceLookupCmd)
	rootCmd.AddCommand(referenceCmd)
}
