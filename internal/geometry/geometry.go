// Package geometry holds the geometry types shared by the detection and
// comparison pipeline. Geometries are orb values restricted to Point,
// LineString, Polygon and MultiPolygon; anything else is rejected at the
// ingress boundary by Parse and Validate.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"parcel-audit/internal/model"
)

var ErrUnsupportedType = errors.New("unsupported geometry type")

// Parse decodes a GeoJSON geometry object and validates it.
func Parse(data []byte) (orb.Geometry, error) {
	gj, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode geojson: %v", model.ErrInvalidInput, err)
	}
	g := gj.Geometry()
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseLenient is Parse for third-party payloads: open rings are closed
// before validation.
func ParseLenient(data []byte) (orb.Geometry, error) {
	gj, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode geojson: %v", model.ErrInvalidInput, err)
	}
	g := CloseRings(gj.Geometry())
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Marshal encodes g as a GeoJSON geometry object.
func Marshal(g orb.Geometry) ([]byte, error) {
	return geojson.NewGeometry(g).MarshalJSON()
}

func Validate(g orb.Geometry) error {
	switch v := g.(type) {
	case orb.Point:
		return validatePoint(v)
	case orb.LineString:
		if len(v) < 2 {
			return fmt.Errorf("%w: linestring needs at least 2 points", model.ErrInvalidInput)
		}
		for _, p := range v {
			if err := validatePoint(p); err != nil {
				return err
			}
		}
		return nil
	case orb.Polygon:
		return validatePolygon(v)
	case orb.MultiPolygon:
		if len(v) == 0 {
			return fmt.Errorf("%w: empty multipolygon", model.ErrInvalidInput)
		}
		for _, p := range v {
			if err := validatePolygon(p); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("%w: missing geometry", model.ErrInvalidInput)
	default:
		return fmt.Errorf("%w: %w: %s", model.ErrInvalidInput, ErrUnsupportedType, g.GeoJSONType())
	}
}

func validatePoint(p orb.Point) error {
	lon, lat := p[0], p[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return fmt.Errorf("%w: non-finite coordinate", model.ErrInvalidInput)
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: coordinate out of range (%f, %f)", model.ErrInvalidInput, lon, lat)
	}
	return nil
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon without rings", model.ErrInvalidInput)
	}
	for i, r := range p {
		if len(r) < 4 {
			return fmt.Errorf("%w: ring %d needs at least 4 positions", model.ErrInvalidInput, i)
		}
		if !r.Closed() {
			return fmt.Errorf("%w: ring %d is not closed", model.ErrInvalidInput, i)
		}
		for _, pt := range r {
			if err := validatePoint(pt); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseRings returns g with every polygon ring closed.
func CloseRings(g orb.Geometry) orb.Geometry {
	switch v := g.(type) {
	case orb.Polygon:
		out := make(orb.Polygon, 0, len(v))
		for _, r := range v {
			out = append(out, closeRing(r))
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(v))
		for _, p := range v {
			out = append(out, CloseRings(p).(orb.Polygon))
		}
		return out
	}
	return g
}

func closeRing(r orb.Ring) orb.Ring {
	if len(r) == 0 || r.Closed() {
		return r
	}
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	return append(out, r[0])
}

// Polygons flattens g into its polygon parts.
func Polygons(g orb.Geometry) []orb.Polygon {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{v}
	case orb.MultiPolygon:
		return []orb.Polygon(v)
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range v {
			out = append(out, Polygons(c)...)
		}
		return out
	}
	return nil
}

// RingArea is the signed area of r; counter-clockwise is positive.
func RingArea(r orb.Ring) float64 {
	if len(r) < 3 {
		return 0
	}
	_, a := planar.CentroidArea(r)
	return a
}

// PlanarArea is the unsigned area of g's polygonal parts in its own
// coordinate units, holes subtracted.
func PlanarArea(g orb.Geometry) float64 {
	var total float64
	for _, p := range Polygons(g) {
		if len(p) == 0 {
			continue
		}
		total += planar.Area(p)
	}
	return total
}

// Largest returns the polygon part of g with the largest planar area.
func Largest(g orb.Geometry) (orb.Polygon, bool) {
	var (
		best     orb.Polygon
		bestArea = -1.0
	)
	for _, p := range Polygons(g) {
		if a := PlanarArea(p); a > bestArea {
			best, bestArea = p, a
		}
	}
	return best, bestArea > 0
}

// DistinctVertices counts ring vertices ignoring the closing point and
// consecutive duplicates.
func DistinctVertices(r orb.Ring) int {
	n := 0
	for i, p := range r {
		if i > 0 && p.Equal(r[i-1]) {
			continue
		}
		n++
	}
	if n > 1 && r.Closed() {
		n--
	}
	return n
}

// Centroid returns the area-weighted centroid of the polygon. A
// degenerate polygon falls back to the centre of its exterior bound.
func Centroid(p orb.Polygon) orb.Point {
	if len(p) == 0 || len(p[0]) == 0 {
		return orb.Point{}
	}
	c, a := planar.CentroidArea(p)
	if a == 0 {
		return p[0].Bound().Center()
	}
	return c
}

// Transform applies fn to every coordinate of g and returns a new geometry.
func Transform(g orb.Geometry, fn func(orb.Point) orb.Point) orb.Geometry {
	switch v := g.(type) {
	case orb.Point:
		return fn(v)
	case orb.LineString:
		out := make(orb.LineString, len(v))
		for i, p := range v {
			out[i] = fn(p)
		}
		return out
	case orb.Ring:
		return transformRing(v, fn)
	case orb.Polygon:
		return transformPolygon(v, fn)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(v))
		for i, p := range v {
			out[i] = transformPolygon(p, fn)
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, len(v))
		for i, c := range v {
			out[i] = Transform(c, fn)
		}
		return out
	}
	return g
}

func transformRing(r orb.Ring, fn func(orb.Point) orb.Point) orb.Ring {
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[i] = fn(p)
	}
	return out
}

func transformPolygon(p orb.Polygon, fn func(orb.Point) orb.Point) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		out[i] = transformRing(r, fn)
	}
	return out
}
