// Package refine cleans traced polygons: it removes pixel jaggies, rounds
// corners and drops redundant vertices while keeping the outline close to
// the original.
package refine

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

type Options struct {
	BufferM            float64
	SmoothIterations   int
	SimplifyToleranceM float64
	// MaxAreaChange bounds |refined - input| / input, and caps the
	// tolerance-derived simplification bound.
	MaxAreaChange float64
}

func DefaultOptions() Options {
	return Options{
		BufferM:            1.0,
		SmoothIterations:   2,
		SimplifyToleranceM: 3.0,
		MaxAreaChange:      0.35,
	}
}

func (o Options) Validate() error {
	switch {
	case o.BufferM < 0:
		return fmt.Errorf("%w: refine buffer must not be negative", model.ErrConfiguration)
	case o.SmoothIterations < 0 || o.SmoothIterations > 6:
		return fmt.Errorf("%w: smooth iterations must be within 0..6", model.ErrConfiguration)
	case o.SimplifyToleranceM < 0:
		return fmt.Errorf("%w: simplify tolerance must not be negative", model.ErrConfiguration)
	case o.MaxAreaChange <= 0 || o.MaxAreaChange >= 1:
		return fmt.Errorf("%w: max refine area change must be in (0, 1)", model.ErrConfiguration)
	}
	return nil
}

// Refine runs buffer-open, Chaikin smoothing and Douglas-Peucker in a local
// metric frame centred on the polygon. All three stages always run and
// each must leave a valid polygon. A polygon is dropped with ErrGeometry
// when a stage degenerates it, when simplification moves the area further
// than SimplifyDrift allows, or when the whole chain changes the input
// area by more than MaxAreaChange.
func Refine(poly orb.Polygon, opts Options) (orb.Polygon, error) {
	if len(poly) == 0 || len(poly[0]) < 4 {
		return nil, fmt.Errorf("%w: polygon has no exterior ring", model.ErrGeometry)
	}
	frame := geometry.NewFrame(geometry.Centroid(poly))
	input := frame.ProjectPolygon(poly)
	inputArea := geometry.PlanarArea(input)
	if inputArea <= 0 {
		return nil, fmt.Errorf("%w: polygon has zero area", model.ErrGeometry)
	}

	opened, err := bufferOpen(input, opts.BufferM)
	if err != nil {
		return nil, err
	}
	smoothed, err := ensureValid(chaikin(opened, opts.SmoothIterations), "smooth")
	if err != nil {
		return nil, err
	}
	simplified, err := simplifyPolygon(smoothed, opts.SimplifyToleranceM)
	if err != nil {
		return nil, err
	}

	before := geometry.PlanarArea(smoothed)
	drift := math.Abs(geometry.PlanarArea(simplified)-before) / before
	if limit := SimplifyDrift(smoothed, opts); drift > limit+1e-9 {
		return nil, fmt.Errorf("%w: simplification changed area by %.1f%%, limit %.1f%%", model.ErrGeometry, drift*100, limit*100)
	}
	if change := math.Abs(geometry.PlanarArea(simplified)-inputArea) / inputArea; change > opts.MaxAreaChange {
		return nil, fmt.Errorf("%w: refinement changed area by %.1f%%, limit %.0f%%", model.ErrGeometry, change*100, opts.MaxAreaChange*100)
	}
	return frame.UnprojectPolygon(simplified), nil
}

// SimplifyDrift is the largest relative area change simplification may
// cause on p, a polygon in metres. Douglas-Peucker moves the outline by at
// most the tolerance T, so the area moves by at most T times the
// perimeter; the ratio is capped at MaxAreaChange.
func SimplifyDrift(p orb.Polygon, opts Options) float64 {
	area := geometry.PlanarArea(p)
	if area <= 0 {
		return 0
	}
	var perimeter float64
	for _, r := range p {
		perimeter += planar.Length(r)
	}
	return math.Min(opts.MaxAreaChange, opts.SimplifyToleranceM*perimeter/area)
}

func bufferOpen(p orb.Polygon, eps float64) (orb.Polygon, error) {
	if eps <= 0 {
		return ensureValid(p, "buffer")
	}
	grown, err := geometry.Buffer(p, eps)
	if err != nil {
		return nil, err
	}
	shrunk, err := geometry.Buffer(grown, -eps)
	if err != nil {
		return nil, err
	}
	largest, ok := geometry.Largest(shrunk)
	if !ok {
		return nil, fmt.Errorf("%w: polygon is thinner than the %.1f m buffer", model.ErrGeometry, eps)
	}
	return ensureValid(largest, "buffer")
}

// chaikin cuts every corner at 1/4 and 3/4 of each edge.
func chaikin(p orb.Polygon, iterations int) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		for k := 0; k < iterations; k++ {
			r = chaikinRing(r)
		}
		out[i] = r
	}
	return out
}

func chaikinRing(r orb.Ring) orb.Ring {
	n := len(r) - 1
	if n < 3 {
		return r
	}
	out := make(orb.Ring, 0, 2*n+1)
	for i := 0; i < n; i++ {
		a, b := r[i], r[i+1]
		out = append(out,
			orb.Point{0.75*a[0] + 0.25*b[0], 0.75*a[1] + 0.25*b[1]},
			orb.Point{0.25*a[0] + 0.75*b[0], 0.25*a[1] + 0.75*b[1]},
		)
	}
	return append(out, out[0])
}

func simplifyPolygon(p orb.Polygon, tolerance float64) (orb.Polygon, error) {
	if tolerance <= 0 {
		return p, nil
	}
	dp, ok := simplify.DouglasPeucker(tolerance).Simplify(p.Clone()).(orb.Polygon)
	if !ok || len(dp) == 0 || geometry.DistinctVertices(dp[0]) < 3 {
		return nil, fmt.Errorf("%w: simplify collapsed the polygon", model.ErrGeometry)
	}
	if out, err := ensureValid(dp, "simplify"); err == nil {
		return out, nil
	}
	// self-intersecting result; retry with topology preserved
	mp, err := geometry.SimplifyPreserveTopology(p, tolerance)
	if err != nil {
		return nil, err
	}
	largest, ok := geometry.Largest(mp)
	if !ok {
		return nil, fmt.Errorf("%w: simplify collapsed the polygon", model.ErrGeometry)
	}
	return ensureValid(largest, "simplify")
}

// ensureValid repairs an invalid polygon with MakeValid, keeping its
// largest part, and rejects degenerate results.
func ensureValid(p orb.Polygon, stage string) (orb.Polygon, error) {
	if !geometry.IsValid(p) {
		fixed, err := geometry.MakeValid(p)
		if err != nil {
			return nil, err
		}
		largest, ok := geometry.Largest(fixed)
		if !ok {
			return nil, fmt.Errorf("%w: %s produced an empty polygon", model.ErrGeometry, stage)
		}
		p = largest
	}
	if len(p) == 0 || geometry.DistinctVertices(p[0]) < 3 || geometry.PlanarArea(p) <= 0 {
		return nil, fmt.Errorf("%w: %s produced a degenerate polygon", model.ErrGeometry, stage)
	}
	return p, nil
}
