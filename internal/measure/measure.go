// Package measure computes ellipsoidal (WGS84) area and perimeter of
// lon/lat geometries on top of the GeographicLib geodesic routines.
package measure

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/tidwall/geodesic"

	"parcel-audit/internal/geometry"
)

const SqmToSqft = 10.7639

type Measurement struct {
	AreaSQM    float64 `json:"area_sqm"`
	AreaSQFT   float64 `json:"area_sqft"`
	PerimeterM float64 `json:"perimeter_m"`
}

func Measure(g orb.Geometry) Measurement {
	var m Measurement
	for _, p := range geometry.Polygons(g) {
		area, perimeter := polygonMetrics(p)
		m.AreaSQM += area
		m.PerimeterM += perimeter
	}
	m.AreaSQFT = m.AreaSQM * SqmToSqft
	return m
}

// Area returns the ellipsoidal area of g in square metres. Winding is
// ignored; holes are subtracted.
func Area(g orb.Geometry) float64 {
	var total float64
	for _, p := range geometry.Polygons(g) {
		a, _ := polygonMetrics(p)
		total += a
	}
	return total
}

// Perimeter returns the geodesic length of every ring of g in metres.
func Perimeter(g orb.Geometry) float64 {
	var total float64
	for _, p := range geometry.Polygons(g) {
		_, l := polygonMetrics(p)
		total += l
	}
	return total
}

func polygonMetrics(p orb.Polygon) (area, perimeter float64) {
	if len(p) == 0 {
		return 0, 0
	}
	outer, l := ringMetrics(p[0])
	area, perimeter = outer, l
	for _, h := range p[1:] {
		a, l := ringMetrics(h)
		area -= a
		perimeter += l
	}
	return math.Max(area, 0), perimeter
}

// ringMetrics returns the unsigned area and the closed length of r.
func ringMetrics(r orb.Ring) (area, perimeter float64) {
	n := len(r)
	if n > 1 && r.Closed() {
		n--
	}
	if n < 2 {
		return 0, 0
	}
	poly := geodesic.WGS84.PolygonInit(false)
	for _, pt := range r[:n] {
		poly.AddPoint(pt[1], pt[0])
	}
	poly.Compute(false, true, &area, &perimeter)
	return math.Abs(area), perimeter
}

// Distance is the geodesic distance between two lon/lat points in metres.
func Distance(a, b orb.Point) float64 {
	if a.Equal(b) {
		return 0
	}
	var s12 float64
	geodesic.WGS84.Inverse(a[1], a[0], b[1], b[0], &s12, nil, nil)
	return s12
}
