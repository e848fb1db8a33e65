package measure

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func square(lon, lat, side float64) orb.Ring {
	return orb.Ring{{lon, lat}, {lon + side, lat}, {lon + side, lat + side}, {lon, lat + side}, {lon, lat}}
}

func reversed(r orb.Ring) orb.Ring {
	out := make(orb.Ring, len(r))
	for i := range r {
		out[i] = r[len(r)-1-i]
	}
	return out
}

func TestArea(t *testing.T) {
	tests := []struct {
		name string
		geom orb.Geometry
		want float64
	}{
		{
			name: "equator square",
			geom: orb.Polygon{square(0, 0, 0.001)},
			want: 12309.072,
		},
		{
			name: "mid latitude square",
			geom: orb.Polygon{square(81.6, 21.2, 0.001)},
			want: 11496.122,
		},
		{
			name: "clockwise winding",
			geom: orb.Polygon{reversed(square(81.6, 21.2, 0.001))},
			want: 11496.122,
		},
		{
			name: "hole subtracted",
			geom: orb.Polygon{square(0, 0, 0.001), reversed(square(0.00025, 0.00025, 0.0005))},
			want: 12309.072 * 0.75,
		},
		{
			name: "multipolygon sums parts",
			geom: orb.MultiPolygon{{square(0, 0, 0.001)}, {square(0.002, 0, 0.001)}},
			want: 2 * 12309.072,
		},
		{
			name: "point has no area",
			geom: orb.Point{1, 1},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Area(tt.geom)
			if math.Abs(got-tt.want) > 0.01+tt.want*1e-5 {
				t.Errorf("Area() = %.4f, want %.4f", got, tt.want)
			}
		})
	}
}

func TestMeasureSqft(t *testing.T) {
	m := Measure(orb.Polygon{square(81.6, 21.2, 0.001)})
	if math.Abs(m.AreaSQFT-m.AreaSQM*SqmToSqft) > 1e-9 {
		t.Errorf("AreaSQFT = %f, want %f", m.AreaSQFT, m.AreaSQM*SqmToSqft)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b orb.Point
		want float64
		tol  float64
	}{
		{name: "one degree along equator", a: orb.Point{0, 0}, b: orb.Point{1, 0}, want: 111319.491, tol: 0.01},
		{name: "same point", a: orb.Point{81.6, 21.2}, b: orb.Point{81.6, 21.2}, want: 0, tol: 0},
		{name: "one degree of meridian at equator", a: orb.Point{0, 0}, b: orb.Point{0, 1}, want: 110574.389, tol: 0.5},
		{name: "long oblique line", a: orb.Point{-112.4223, 33.4911}, b: orb.Point{-113.1123, 32.1189}, want: 165330.214571, tol: 1e-3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.tol {
				t.Errorf("Distance() = %.3f, want %.3f", got, tt.want)
			}
		})
	}
}

func TestPerimeterWindingIndependent(t *testing.T) {
	r := square(81.6, 21.2, 0.001)
	a := Perimeter(orb.Polygon{r})
	b := Perimeter(orb.Polygon{reversed(r)})
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("Perimeter() differs by winding: %f vs %f", a, b)
	}
	if a < 420 || a > 440 {
		t.Errorf("Perimeter() = %f, want about 429", a)
	}
}

func TestAreaGeodesicEdges(t *testing.T) {
	// the diagonal of a one degree square is a geodesic shared by both
	// triangles, so their areas add up to the square exactly
	a, b, c, d := orb.Point{81, 21}, orb.Point{82, 21}, orb.Point{82, 22}, orb.Point{81, 22}
	whole := Area(orb.Polygon{{a, b, c, d, a}})
	halves := Area(orb.Polygon{{a, b, c, a}}) + Area(orb.Polygon{{a, c, d, a}})

	tests := []struct {
		name string
		got  float64
		want float64
		tol  float64
	}{
		{name: "halves add up", got: halves, want: whole, tol: 1e-3},
		{name: "open ring closes itself", got: Area(orb.Polygon{{a, b, c, d}}), want: whole, tol: 1e-6},
		{name: "measure agrees with area", got: Measure(orb.Polygon{{a, b, c, d, a}}).AreaSQM, want: whole, tol: 0},
		{name: "one square degree at 21N", got: whole / 1e6, want: 11.5e3, tol: 0.1e3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(tt.got-tt.want) > tt.tol {
				t.Errorf("area = %.6f, want %.6f", tt.got, tt.want)
			}
		})
	}
}
