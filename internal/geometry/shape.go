package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// Rect is a minimum-area enclosing rectangle: Axis is the unit direction
// of its long side, Min and Max the extents along Axis, and Width the
// extent across it.
type Rect struct {
	Axis     orb.Point
	Min, Max float64
	Width    float64
	// Offset is the smallest coordinate across Axis.
	Offset float64
}

func (r Rect) Length() float64 { return r.Max - r.Min }

func (r Rect) Aspect() float64 {
	switch {
	case r.Width > 0:
		return r.Length() / r.Width
	case r.Length() > 0:
		return math.Inf(1)
	}
	return 1
}

// MinRect finds the minimum-area rectangle enclosing a convex ring by
// rotating calipers over the ring's edges.
func MinRect(hull orb.Ring) (Rect, bool) {
	bestArea := math.Inf(1)
	var best Rect
	found := false
	for i := 0; i+1 < len(hull); i++ {
		dx, dy := hull[i+1][0]-hull[i][0], hull[i+1][1]-hull[i][1]
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		ux, uy := dx/l, dy/l
		minU, maxU := math.Inf(1), math.Inf(-1)
		minV, maxV := math.Inf(1), math.Inf(-1)
		for _, p := range hull {
			u := p[0]*ux + p[1]*uy
			v := -p[0]*uy + p[1]*ux
			minU, maxU = math.Min(minU, u), math.Max(maxU, u)
			minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		}
		w, h := maxU-minU, maxV-minV
		if w*h >= bestArea {
			continue
		}
		bestArea, found = w*h, true
		if w >= h {
			best = Rect{Axis: orb.Point{ux, uy}, Min: minU, Max: maxU, Width: h, Offset: minV}
		} else {
			// long side runs across the edge; rotate the frame a quarter turn
			best = Rect{Axis: orb.Point{-uy, ux}, Min: minV, Max: maxV, Width: w, Offset: -maxU}
		}
	}
	return best, found
}

// MinRectAspect is long side over short side of the minimum-area
// rectangle enclosing a convex ring.
func MinRectAspect(hull orb.Ring) float64 {
	r, ok := MinRect(hull)
	if !ok {
		return 1
	}
	return r.Aspect()
}

// Slab is the part of the plane between Min+from and Min+to along r.Axis,
// clipped to r's width, as a polygon.
func (r Rect) Slab(from, to float64) orb.Polygon {
	ax, ay := r.Axis[0], r.Axis[1]
	at := func(u, v float64) orb.Point {
		return orb.Point{u*ax - v*ay, u*ay + v*ax}
	}
	u0, u1 := r.Min+from, r.Min+to
	v0, v1 := r.Offset, r.Offset+r.Width
	return orb.Polygon{{at(u0, v0), at(u1, v0), at(u1, v1), at(u0, v1), at(u0, v0)}}
}

// Compactness is the isoperimetric quotient 4πA/P²: 1 for a circle,
// about 0.785 for a square, near 0 for slivers.
func Compactness(area, perimeter float64) float64 {
	if perimeter <= 0 {
		return 0
	}
	return 4 * math.Pi * area / (perimeter * perimeter)
}
