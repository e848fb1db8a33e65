package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-geos"

	"parcel-audit/internal/model"
)

const bufferQuadSegs = 8

// GEOS reports failures by panicking; every exported operation recovers
// and returns ErrGeometry so one bad polygon cannot take down a batch.
func guard(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: geos: %v", model.ErrGeometry, r)
	}
}

func toGEOS(g orb.Geometry) (*geos.Geom, error) {
	switch v := g.(type) {
	case orb.Point:
		return geos.NewPoint([]float64{v[0], v[1]}), nil
	case orb.LineString:
		coords := make([][]float64, len(v))
		for i, p := range v {
			coords[i] = []float64{p[0], p[1]}
		}
		return geos.NewLineString(coords), nil
	case orb.Polygon:
		if len(v) == 0 {
			return geos.NewEmptyPolygon(), nil
		}
		return geos.NewPolygon(polygonCoords(v)), nil
	case orb.MultiPolygon:
		parts := make([]*geos.Geom, 0, len(v))
		for _, p := range v {
			if len(p) == 0 {
				continue
			}
			parts = append(parts, geos.NewPolygon(polygonCoords(p)))
		}
		return geos.NewCollection(geos.TypeIDMultiPolygon, parts), nil
	}
	return nil, fmt.Errorf("%w: %w", model.ErrGeometry, ErrUnsupportedType)
}

func polygonCoords(p orb.Polygon) [][][]float64 {
	out := make([][][]float64, 0, len(p))
	for _, r := range p {
		r = closeRing(r)
		ring := make([][]float64, len(r))
		for i, pt := range r {
			ring[i] = []float64{pt[0], pt[1]}
		}
		out = append(out, ring)
	}
	return out
}

// polygonal keeps only the areal parts of a GEOS result.
func polygonal(g *geos.Geom) orb.MultiPolygon {
	if g == nil || g.IsEmpty() {
		return nil
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		return orb.MultiPolygon{polygonFromGEOS(g)}
	case geos.TypeIDMultiPolygon, geos.TypeIDGeometryCollection:
		var out orb.MultiPolygon
		for i := 0; i < g.NumGeometries(); i++ {
			out = append(out, polygonal(g.Geometry(i))...)
		}
		return out
	}
	return nil
}

func polygonFromGEOS(g *geos.Geom) orb.Polygon {
	p := orb.Polygon{ringFromCoords(g.ExteriorRing().CoordSeq().ToCoords())}
	for i := 0; i < g.NumInteriorRings(); i++ {
		p = append(p, ringFromCoords(g.InteriorRing(i).CoordSeq().ToCoords()))
	}
	return p
}

func ringFromCoords(coords [][]float64) orb.Ring {
	r := make(orb.Ring, len(coords))
	for i, c := range coords {
		r[i] = orb.Point{c[0], c[1]}
	}
	return r
}

func binary(a, b orb.Geometry, op func(x, y *geos.Geom) *geos.Geom) (out orb.MultiPolygon, err error) {
	defer guard(&err)
	ga, err := toGEOS(a)
	if err != nil {
		return nil, err
	}
	gb, err := toGEOS(b)
	if err != nil {
		return nil, err
	}
	return polygonal(op(ga, gb)), nil
}

func unary(a orb.Geometry, op func(x *geos.Geom) *geos.Geom) (out orb.MultiPolygon, err error) {
	defer guard(&err)
	ga, err := toGEOS(a)
	if err != nil {
		return nil, err
	}
	return polygonal(op(ga)), nil
}

func Buffer(g orb.Geometry, distance float64) (orb.MultiPolygon, error) {
	return unary(g, func(x *geos.Geom) *geos.Geom { return x.Buffer(distance, bufferQuadSegs) })
}

func Union(a, b orb.Geometry) (orb.MultiPolygon, error) {
	return binary(a, b, func(x, y *geos.Geom) *geos.Geom { return x.Union(y) })
}

// UnionAll dissolves every geometry in gs into one polygonal result.
func UnionAll(gs []orb.Geometry) (out orb.MultiPolygon, err error) {
	defer guard(&err)
	if len(gs) == 0 {
		return nil, nil
	}
	parts := make([]*geos.Geom, 0, len(gs))
	for _, g := range gs {
		gg, err := toGEOS(g)
		if err != nil {
			return nil, err
		}
		parts = append(parts, gg)
	}
	return polygonal(geos.NewCollection(geos.TypeIDGeometryCollection, parts).UnaryUnion()), nil
}

func Intersection(a, b orb.Geometry) (orb.MultiPolygon, error) {
	return binary(a, b, func(x, y *geos.Geom) *geos.Geom { return x.Intersection(y) })
}

func Difference(a, b orb.Geometry) (orb.MultiPolygon, error) {
	return binary(a, b, func(x, y *geos.Geom) *geos.Geom { return x.Difference(y) })
}

func SymDifference(a, b orb.Geometry) (orb.MultiPolygon, error) {
	return binary(a, b, func(x, y *geos.Geom) *geos.Geom { return x.SymDifference(y) })
}

func MakeValid(g orb.Geometry) (orb.MultiPolygon, error) {
	return unary(g, func(x *geos.Geom) *geos.Geom { return x.MakeValid() })
}

func SimplifyPreserveTopology(g orb.Geometry, tolerance float64) (orb.MultiPolygon, error) {
	return unary(g, func(x *geos.Geom) *geos.Geom { return x.TopologyPreserveSimplify(tolerance) })
}

func ConvexHull(g orb.Geometry) (orb.Polygon, error) {
	mp, err := unary(g, func(x *geos.Geom) *geos.Geom { return x.ConvexHull() })
	if err != nil {
		return nil, err
	}
	hull, ok := Largest(mp)
	if !ok {
		return nil, fmt.Errorf("%w: degenerate convex hull", model.ErrGeometry)
	}
	return hull, nil
}

// IsValid reports whether g is a valid OGC geometry. GEOS failures count
// as invalid.
func IsValid(g orb.Geometry) (ok bool) {
	var err error
	defer func() {
		guard(&err)
		if err != nil {
			ok = false
		}
	}()
	gg, err := toGEOS(g)
	if err != nil {
		return false
	}
	return gg.IsValid()
}

func predicate(a, b orb.Geometry, fn func(x, y *geos.Geom) bool) (ok bool, err error) {
	defer guard(&err)
	ga, err := toGEOS(a)
	if err != nil {
		return false, err
	}
	gb, err := toGEOS(b)
	if err != nil {
		return false, err
	}
	return fn(ga, gb), nil
}

func Intersects(a, b orb.Geometry) (bool, error) {
	return predicate(a, b, func(x, y *geos.Geom) bool { return x.Intersects(y) })
}

// Within reports whether a lies inside b.
func Within(a, b orb.Geometry) (bool, error) {
	return predicate(a, b, func(x, y *geos.Geom) bool { return x.Within(y) })
}

func metric(a, b orb.Geometry, fn func(x, y *geos.Geom) float64) (v float64, err error) {
	defer guard(&err)
	ga, err := toGEOS(a)
	if err != nil {
		return 0, err
	}
	gb, err := toGEOS(b)
	if err != nil {
		return 0, err
	}
	return fn(ga, gb), nil
}

func Distance(a, b orb.Geometry) (float64, error) {
	return metric(a, b, func(x, y *geos.Geom) float64 { return x.Distance(y) })
}

func Hausdorff(a, b orb.Geometry) (float64, error) {
	return metric(a, b, func(x, y *geos.Geom) float64 { return x.HausdorffDistance(y) })
}

// IntersectionArea is the planar area shared by a and b.
func IntersectionArea(a, b orb.Geometry) (float64, error) {
	inter, err := Intersection(a, b)
	if err != nil {
		return 0, err
	}
	return PlanarArea(inter), nil
}

// IoU is the planar intersection-over-union of a and b.
func IoU(a, b orb.Geometry) (float64, error) {
	inter, err := IntersectionArea(a, b)
	if err != nil {
		return 0, err
	}
	if inter == 0 {
		return 0, nil
	}
	union := PlanarArea(a) + PlanarArea(b) - inter
	if union <= 0 {
		return 0, nil
	}
	return inter / union, nil
}
