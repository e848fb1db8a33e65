package refine

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

var origin = orb.Point{81.6, 21.2}

// metric builds a lon/lat polygon from a ring given in metres around origin.
func metric(pts ...[2]float64) orb.Polygon {
	r := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		r = append(r, orb.Point{p[0], p[1]})
	}
	r = append(r, r[0])
	return geometry.NewFrame(origin).UnprojectPolygon(orb.Polygon{r})
}

// staircase is the pixel outline of a 45 degree band, one step per metre.
func staircase(steps int) orb.Polygon {
	var pts [][2]float64
	for i := 0; i < steps; i++ {
		pts = append(pts, [2]float64{float64(i), float64(i)}, [2]float64{float64(i + 1), float64(i)})
	}
	pts = append(pts, [2]float64{float64(steps), float64(steps)}, [2]float64{float64(steps) - 20, float64(steps)})
	for i := steps - 1; i >= 0; i-- {
		pts = append(pts, [2]float64{float64(i) - 20, float64(i + 1)}, [2]float64{float64(i) - 20, float64(i)})
	}
	return metric(pts...)
}

func areaIn(p orb.Polygon) float64 {
	return geometry.PlanarArea(geometry.NewFrame(origin).ProjectPolygon(p))
}

func TestRefineBoundsAreaChange(t *testing.T) {
	tests := []struct {
		name string
		poly orb.Polygon
	}{
		{"rectangle", metric([2]float64{0, 0}, [2]float64{40, 0}, [2]float64{40, 30}, [2]float64{0, 30})},
		{"L shape", metric([2]float64{0, 0}, [2]float64{60, 0}, [2]float64{60, 20}, [2]float64{20, 20}, [2]float64{20, 50}, [2]float64{0, 50})},
		{"staircase", staircase(30)},
		{"thin strip", metric([2]float64{0, 0}, [2]float64{120, 0}, [2]float64{120, 6}, [2]float64{0, 6})},
	}
	opts := DefaultOptions()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Refine(tt.poly, opts)
			if err != nil {
				t.Fatalf("Refine() error = %v", err)
			}
			if !geometry.IsValid(got) {
				t.Error("Refine() returned an invalid polygon")
			}
			before, after := areaIn(tt.poly), areaIn(got)
			if change := math.Abs(after-before) / before; change > opts.MaxAreaChange {
				t.Errorf("area change = %.3f, want <= %.2f", change, opts.MaxAreaChange)
			}
			// smoothing always cuts corners, so the output is never the input
			if len(got[0]) == len(tt.poly[0]) && after == before {
				t.Error("Refine() returned the input unchanged")
			}
		})
	}
}

func TestRefineDropsWhatItCannotRefine(t *testing.T) {
	tight := DefaultOptions()
	tight.MaxAreaChange = 0.05

	tests := []struct {
		name string
		poly orb.Polygon
		opts Options
	}{
		// smoothing loses far more than 5% of a rectangle
		{"area drift beyond limit", metric([2]float64{0, 0}, [2]float64{40, 0}, [2]float64{40, 30}, [2]float64{0, 30}), tight},
		// every smoothed vertex lies within 3 m of a chord across the plot
		{"small plot collapses", metric([2]float64{0, 0}, [2]float64{4, 0}, [2]float64{4, 4}, [2]float64{0, 4}), DefaultOptions()},
		{"narrower than tolerance", metric([2]float64{0, 0}, [2]float64{50, 0}, [2]float64{50, 1.5}, [2]float64{0, 1.5}), DefaultOptions()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Refine(tt.poly, tt.opts)
			if !errors.Is(err, model.ErrGeometry) {
				t.Fatalf("Refine() = %v, %v; want ErrGeometry", got, err)
			}
		})
	}
}

func TestSimplifyDrift(t *testing.T) {
	// 40 x 40 m: perimeter 160, area 1600
	square := orb.Polygon{{{0, 0}, {40, 0}, {40, 40}, {0, 40}, {0, 0}}}
	tests := []struct {
		name      string
		tolerance float64
		want      float64
	}{
		{"no simplification", 0, 0},
		{"tolerance times perimeter over area", 3, 0.3},
		{"capped by max area change", 10, 0.35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.SimplifyToleranceM = tt.tolerance
			if got := SimplifyDrift(square, opts); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("SimplifyDrift() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRefineDropsStaircaseVertices(t *testing.T) {
	poly := staircase(30)
	got, err := Refine(poly, DefaultOptions())
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	before, after := len(poly[0]), len(got[0])
	if after >= before/2 {
		t.Errorf("vertices = %d, want well below %d", after, before)
	}
}

func TestRefineRejectsDegenerate(t *testing.T) {
	tests := []struct {
		name string
		poly orb.Polygon
	}{
		{"empty", orb.Polygon{}},
		{"collinear", metric([2]float64{0, 0}, [2]float64{10, 0}, [2]float64{20, 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Refine(tt.poly, DefaultOptions()); !errors.Is(err, model.ErrGeometry) {
				t.Errorf("Refine() error = %v, want ErrGeometry", err)
			}
		})
	}
}

func TestChaikinRing(t *testing.T) {
	square := orb.Ring{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}
	got := chaikinRing(square)
	if len(got) != 9 {
		t.Fatalf("chaikinRing() has %d points, want 9", len(got))
	}
	if got[0] != (orb.Point{1, 0}) || got[1] != (orb.Point{3, 0}) {
		t.Errorf("first cut = %v %v, want (1,0) (3,0)", got[0], got[1])
	}
	// one pass removes four corner triangles of area 0.5 each
	if a := geometry.RingArea(got); a != 14 {
		t.Errorf("area = %v, want 14", a)
	}
}

func TestOptionsValidate(t *testing.T) {
	bad := DefaultOptions()
	bad.MaxAreaChange = 0
	if err := bad.Validate(); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("Validate() error = %v, want ErrConfiguration", err)
	}
	if err := DefaultOptions().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
