package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"parcel-audit/internal/geometry"
)

var (
	warmBBox []float64
	warmZoom int
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Imagery tile cache",
}

// tilesWarmCmd builds and persists the composite for a bbox so a later
// detection reads it from cache.
var tilesWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Fetch and cache the composite for a bbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		bbox, err := geometry.NewBBox(warmBBox)
		if err != nil {
			return err
		}
		if warmZoom < 1 || warmZoom > 22 {
			return fmt.Errorf("zoom must be in [1, 22]")
		}
		a, _, err := setup()
		if err != nil {
			return err
		}
		defer a.Close()

		comp, err := a.Tiles.Composite(cmd.Context(), bbox, warmZoom)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "composite %s: %dx%d px at zoom %d\n", comp.Key, comp.Width(), comp.Height(), comp.Zoom)
		return nil
	},
}

func init() {
	tilesWarmCmd.Flags().Float64SliceVar(&warmBBox, "bbox", nil, "min_lon,min_lat,max_lon,max_lat")
	tilesWarmCmd.Flags().IntVar(&warmZoom, "zoom", 18, "tile zoom level")
	_ = tilesWarmCmd.MarkFlagRequired("bbox")
	tilesCmd.AddCommand(tilesWarmCmd)
	rootCmd.AddCommand(tilesCmd)
}
