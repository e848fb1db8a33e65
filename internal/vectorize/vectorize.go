// Package vectorize turns segmentation label masks into polygons.
package vectorize

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
	"parcel-audit/internal/segmentation"
)

type Options struct {
	MinComponentPixels int
}

func DefaultOptions() Options {
	return Options{MinComponentPixels: 16}
}

func (o Options) Validate() error {
	if o.MinComponentPixels < 1 {
		return fmt.Errorf("%w: min component pixels must be at least 1", model.ErrConfiguration)
	}
	return nil
}

// Raw is one traced polygon before refinement.
type Raw struct {
	Label   uint16
	Pixels  int
	Polygon orb.Polygon
}

// Vectorize traces every 4-connected component of every label. Each
// exterior contour becomes its own polygon carrying the holes it encloses.
// Output order follows the raster position of each component's first
// pixel.
func Vectorize(mask *segmentation.Mask, tr geometry.Affine, opts Options) ([]Raw, error) {
	if mask == nil || mask.Width <= 0 || mask.Height <= 0 || len(mask.Labels) != mask.Width*mask.Height {
		return nil, fmt.Errorf("%w: malformed mask", model.ErrInvalidInput)
	}
	if tr.PixelWidth <= 0 || tr.PixelHeight <= 0 {
		return nil, fmt.Errorf("%w: transform has non-positive pixel size", model.ErrInvalidInput)
	}

	var out []Raw
	for _, c := range components(mask) {
		if len(c.pixels) < opts.MinComponentPixels {
			continue
		}
		for _, poly := range traceComponent(mask.Width, c) {
			out = append(out, Raw{
				Label:   c.label,
				Pixels:  len(c.pixels),
				Polygon: toGeographic(poly, tr),
			})
		}
	}
	return out, nil
}

type component struct {
	label  uint16
	pixels []int
	member map[int]bool
}

// components labels 4-connected regions of equal non-zero value.
func components(m *segmentation.Mask) []component {
	w, h := m.Width, m.Height
	seen := make([]bool, len(m.Labels))
	var out []component
	var stack []int
	for start, label := range m.Labels {
		if label == 0 || seen[start] {
			continue
		}
		c := component{label: label, member: map[int]bool{}}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.pixels = append(c.pixels, i)
			c.member[i] = true
			x, y := i%w, i/w
			for _, n := range [4][2]int{{x + 1, y}, {x - 1, y}, {x, y + 1}, {x, y - 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= w || n[1] >= h {
					continue
				}
				j := n[1]*w + n[0]
				if !seen[j] && m.Labels[j] == label {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		sort.Ints(c.pixels)
		out = append(out, c)
	}
	return out
}

type vertex struct{ x, y int }

type edge struct {
	from, to vertex
	dx, dy   int
}

// traceComponent walks the pixel edges of c with the component on the
// right-hand side (image coordinates, y down). At a vertex shared by two
// diagonal pixels the walk turns right, which keeps diagonal neighbours
// apart as 4-connectivity requires. Loops with positive area are
// exteriors, negative ones holes.
func traceComponent(width int, c component) []orb.Polygon {
	in := func(x, y int) bool {
		if x < 0 || y < 0 || x >= width {
			return false
		}
		return c.member[y*width+x]
	}

	var edges []edge
	for _, i := range c.pixels {
		x, y := i%width, i/width
		if !in(x, y-1) {
			edges = append(edges, edge{vertex{x, y}, vertex{x + 1, y}, 1, 0})
		}
		if !in(x+1, y) {
			edges = append(edges, edge{vertex{x + 1, y}, vertex{x + 1, y + 1}, 0, 1})
		}
		if !in(x, y+1) {
			edges = append(edges, edge{vertex{x + 1, y + 1}, vertex{x, y + 1}, -1, 0})
		}
		if !in(x-1, y) {
			edges = append(edges, edge{vertex{x, y + 1}, vertex{x, y}, 0, -1})
		}
	}

	outgoing := make(map[vertex][]int, len(edges))
	for i, e := range edges {
		outgoing[e.from] = append(outgoing[e.from], i)
	}
	used := make([]bool, len(edges))

	var exteriors, holes []orb.Ring
	for start := range edges {
		if used[start] {
			continue
		}
		var loop []vertex
		cur := start
		for {
			used[cur] = true
			e := edges[cur]
			loop = append(loop, e.from)
			next := pickNext(edges, outgoing[e.to], e)
			if next < 0 || next == start || used[next] {
				break
			}
			cur = next
		}
		ring := simplifyLoop(loop)
		if len(ring) < 4 {
			continue
		}
		if geometry.RingArea(ring) > 0 {
			exteriors = append(exteriors, ring)
		} else {
			holes = append(holes, ring)
		}
	}

	polys := make([]orb.Polygon, len(exteriors))
	for i, ext := range exteriors {
		polys[i] = orb.Polygon{ext}
	}
	for _, h := range holes {
		witness := holeWitness(h)
		for i, ext := range exteriors {
			if planar.RingContains(ext, witness) {
				polys[i] = append(polys[i], h)
				break
			}
		}
	}
	return polys
}

// pickNext prefers a right turn, then straight on, then a left turn.
func pickNext(edges []edge, candidates []int, in edge) int {
	rdx, rdy := -in.dy, in.dx
	best, bestRank := -1, 4
	for _, i := range candidates {
		e := edges[i]
		rank := 3
		switch {
		case e.dx == rdx && e.dy == rdy:
			rank = 0
		case e.dx == in.dx && e.dy == in.dy:
			rank = 1
		case e.dx == -rdx && e.dy == -rdy:
			rank = 2
		}
		if rank < bestRank {
			best, bestRank = i, rank
		}
	}
	return best
}

// simplifyLoop drops vertices between collinear edges and closes the ring.
func simplifyLoop(loop []vertex) orb.Ring {
	n := len(loop)
	if n < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, n+1)
	for i := 0; i < n; i++ {
		prev, cur, next := loop[(i+n-1)%n], loop[i], loop[(i+1)%n]
		ax, ay := cur.x-prev.x, cur.y-prev.y
		bx, by := next.x-cur.x, next.y-cur.y
		if ax*by-ay*bx == 0 {
			continue
		}
		ring = append(ring, orb.Point{float64(cur.x), float64(cur.y)})
	}
	if len(ring) < 3 {
		return nil
	}
	return append(ring, ring[0])
}

// holeWitness returns the centre of the background pixel left of the hole's
// first edge, a point strictly inside the hole.
func holeWitness(h orb.Ring) orb.Point {
	a, b := h[0], h[1]
	dx, dy := sign(b[0]-a[0]), sign(b[1]-a[1])
	return orb.Point{a[0] + dx*0.5 + dy*0.5, a[1] + dy*0.5 - dx*0.5}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// toGeographic maps pixel-lattice rings to lon/lat with the exterior
// counter-clockwise and holes clockwise.
func toGeographic(p orb.Polygon, tr geometry.Affine) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		g := make(orb.Ring, len(r))
		for j, pt := range r {
			g[j] = tr.ToLonLat(pt[0], pt[1])
		}
		ccw := geometry.RingArea(g) > 0
		if (i == 0) != ccw {
			g.Reverse()
		}
		out[i] = g
	}
	return out
}
