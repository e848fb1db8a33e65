package geometry

import (
	"fmt"

	"github.com/paulmach/orb"

	"parcel-audit/internal/model"
)

// BBox is an axis-aligned box [minLon, minLat, maxLon, maxLat].
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

func NewBBox(v []float64) (BBox, error) {
	if len(v) != 4 {
		return BBox{}, fmt.Errorf("%w: bbox needs 4 values, got %d", model.ErrInvalidInput, len(v))
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	return b, b.Validate()
}

func (b BBox) Validate() error {
	for _, p := range []orb.Point{{b.MinLon, b.MinLat}, {b.MaxLon, b.MaxLat}} {
		if err := validatePoint(p); err != nil {
			return err
		}
	}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("%w: bbox min must be below max", model.ErrInvalidInput)
	}
	return nil
}

func (b BBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

func (b BBox) Center() orb.Point {
	return orb.Point{(b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2}
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

func (b BBox) Polygon() orb.Polygon {
	return orb.Polygon{orb.Ring{
		{b.MinLon, b.MinLat},
		{b.MaxLon, b.MinLat},
		{b.MaxLon, b.MaxLat},
		{b.MinLon, b.MaxLat},
		{b.MinLon, b.MinLat},
	}}
}

func (b BBox) Contains(p orb.Point) bool {
	return p[0] >= b.MinLon && p[0] <= b.MaxLon && p[1] >= b.MinLat && p[1] <= b.MaxLat
}

func (b BBox) Intersects(o BBox) bool {
	return !(o.MaxLon < b.MinLon || o.MinLon > b.MaxLon || o.MaxLat < b.MinLat || o.MinLat > b.MaxLat)
}

// Clip returns the overlap of b and o; ok is false when it has no area.
func (b BBox) Clip(o BBox) (BBox, bool) {
	c := BBox{
		MinLon: max(b.MinLon, o.MinLon),
		MinLat: max(b.MinLat, o.MinLat),
		MaxLon: min(b.MaxLon, o.MaxLon),
		MaxLat: min(b.MaxLat, o.MaxLat),
	}
	return c, c.MaxLon > c.MinLon && c.MaxLat > c.MinLat
}

// Union returns the smallest box covering b and o.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinLon: min(b.MinLon, o.MinLon),
		MinLat: min(b.MinLat, o.MinLat),
		MaxLon: max(b.MaxLon, o.MaxLon),
		MaxLat: max(b.MaxLat, o.MaxLat),
	}
}

// BBoxOf returns the bounding box of g.
func BBoxOf(g orb.Geometry) BBox {
	bd := g.Bound()
	return BBox{MinLon: bd.Min[0], MinLat: bd.Min[1], MaxLon: bd.Max[0], MaxLat: bd.Max[1]}
}
