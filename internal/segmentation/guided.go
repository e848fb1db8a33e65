package segmentation

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

type GuidedOptions struct {
	CoverageThreshold    float64
	ContainmentThreshold float64
	Workers              int
	MaxEdgePoints        int
}

func DefaultGuidedOptions() GuidedOptions {
	return GuidedOptions{
		CoverageThreshold:    0.3,
		ContainmentThreshold: 0.6,
		Workers:              4,
		MaxEdgePoints:        4,
	}
}

func (o GuidedOptions) Validate() error {
	if o.CoverageThreshold <= 0 || o.CoverageThreshold > 1 {
		return fmt.Errorf("%w: guided coverage threshold must be in (0, 1]", model.ErrConfiguration)
	}
	if o.ContainmentThreshold <= 0 || o.ContainmentThreshold > 1 {
		return fmt.Errorf("%w: guided containment threshold must be in (0, 1]", model.ErrConfiguration)
	}
	if o.Workers <= 0 {
		return fmt.Errorf("%w: guided workers must be positive", model.ErrConfiguration)
	}
	return nil
}

// Target is a reference plot that automatic segmentation missed, with the
// prompt that asks the model for it.
type Target struct {
	ReferenceID string
	Coverage    float64
	Prompt      Prompt
}

// Grid is the pixel grid of the image being prompted.
type Grid struct {
	Transform geometry.Affine
	Width     int
	Height    int
}

func (f Grid) bbox() geometry.BBox {
	return f.Transform.Bounds(f.Width, f.Height)
}

// PlanGuided finds the reference plots covered by the automatic polygons
// less than the coverage threshold and builds one prompt per plot: the
// centroid and up to MaxEdgePoints edge midpoints as foreground points,
// and the plot bbox clipped to the image as a box. Targets keep the order
// of refs.
func PlanGuided(ctx context.Context, refs []parcel.ReferencePlot, auto orb.MultiPolygon, grid Grid, opts GuidedOptions) ([]Target, error) {
	slots := make([]*Target, len(refs))
	img := grid.bbox()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Workers))
	for i := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = planOne(refs[i], auto, img, grid, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var targets []Target
	for _, t := range slots {
		if t != nil {
			targets = append(targets, *t)
		}
	}
	return targets, nil
}

func planOne(ref parcel.ReferencePlot, auto orb.MultiPolygon, img geometry.BBox, grid Grid, opts GuidedOptions) *Target {
	poly, ok := geometry.Largest(ref.Geometry)
	if !ok {
		return nil
	}
	refArea := geometry.PlanarArea(poly)
	if refArea <= 0 {
		return nil
	}
	pb := geometry.BBoxOf(poly)
	box, ok := pb.Clip(img)
	if !ok {
		return nil
	}

	coverage := 0.0
	if len(auto) > 0 {
		inter, err := geometry.IntersectionArea(poly, auto)
		if err == nil {
			coverage = inter / refArea
		}
	}
	if coverage >= opts.CoverageThreshold {
		return nil
	}

	var prompt Prompt
	addPoint := func(p orb.Point) {
		if !img.Contains(p) {
			return
		}
		x, y := grid.Transform.ToPixel(p)
		prompt.Points = append(prompt.Points, PointPrompt{X: x, Y: y, Label: 1})
	}
	addPoint(geometry.Centroid(poly))
	for _, m := range edgeMidpoints(poly[0], opts.MaxEdgePoints) {
		addPoint(m)
	}

	x1, y1 := grid.Transform.ToPixel(orb.Point{box.MinLon, box.MaxLat})
	x2, y2 := grid.Transform.ToPixel(orb.Point{box.MaxLon, box.MinLat})
	if x2 > x1 && y2 > y1 {
		prompt.Boxes = append(prompt.Boxes, [4]float64{x1, y1, x2, y2})
	}
	if prompt.Empty() {
		return nil
	}
	return &Target{ReferenceID: ref.ID, Coverage: coverage, Prompt: prompt}
}

// edgeMidpoints spreads up to n edge midpoints evenly around the ring.
func edgeMidpoints(r orb.Ring, n int) []orb.Point {
	edges := len(r) - 1
	if edges < 1 || n <= 0 {
		return nil
	}
	k := min(edges, n)
	out := make([]orb.Point, 0, k)
	for i := 0; i < k; i++ {
		idx := i * edges / k
		a, b := r[idx], r[idx+1]
		out = append(out, orb.Point{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2})
	}
	return out
}

// Redundant reports whether poly lies mostly inside the automatic
// polygons, in which case a guided result only duplicates them.
func Redundant(poly orb.Polygon, auto orb.MultiPolygon, threshold float64) bool {
	if len(auto) == 0 {
		return false
	}
	area := geometry.PlanarArea(poly)
	if area <= 0 {
		return true
	}
	inter, err := geometry.IntersectionArea(poly, auto)
	if err != nil {
		return false
	}
	return inter/area >= threshold
}
