// Package postprocess cleans up the polygon set of a detection run:
// duplicates are merged, slivers absorbed or dropped, and the survivors
// clipped and numbered.
package postprocess

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/measure"
	"parcel-audit/internal/metrics"
	"parcel-audit/internal/model"
)

const (
	StageMerged    = "merged"
	StageAbsorbed  = "absorbed"
	StageNoise     = "noise"
	StageContained = "contained"
	StageOutside   = "outside_boundary"
	StageInvalid   = "invalid"

	maxRounds = 8
	// clipping ignores slivers outside the boundary smaller than this
	clipSlackSQM = 0.01
)

type Options struct {
	MinPolygonAreaSQM   float64
	MergeIoUThreshold   float64
	AbsorbMaxAreaSQM    float64
	AbsorbDistanceM     float64
	ContainmentRatio    float64
	NoiseMinCompactness float64
	NoiseMaxAspect      float64
}

func DefaultOptions() Options {
	return Options{
		MinPolygonAreaSQM:   10,
		MergeIoUThreshold:   0.30,
		AbsorbMaxAreaSQM:    150,
		AbsorbDistanceM:     2.0,
		ContainmentRatio:    0.85,
		NoiseMinCompactness: 0.08,
		NoiseMaxAspect:      12,
	}
}

func (o Options) Validate() error {
	switch {
	case o.MinPolygonAreaSQM < 0:
		return fmt.Errorf("%w: min polygon area must not be negative", model.ErrConfiguration)
	case o.MergeIoUThreshold <= 0 || o.MergeIoUThreshold > 1:
		return fmt.Errorf("%w: merge iou threshold must be in (0, 1]", model.ErrConfiguration)
	case o.AbsorbMaxAreaSQM < 0 || o.AbsorbDistanceM < 0:
		return fmt.Errorf("%w: absorb thresholds must not be negative", model.ErrConfiguration)
	case o.ContainmentRatio <= 0 || o.ContainmentRatio > 1:
		return fmt.Errorf("%w: containment ratio must be in (0, 1]", model.ErrConfiguration)
	case o.NoiseMinCompactness < 0 || o.NoiseMinCompactness >= 1:
		return fmt.Errorf("%w: noise compactness must be in [0, 1)", model.ErrConfiguration)
	case o.NoiseMaxAspect < 1:
		return fmt.Errorf("%w: noise max aspect must be at least 1", model.ErrConfiguration)
	}
	return nil
}

// Item is a classified polygon. Seq is its insertion position and breaks
// ties deterministically.
type Item struct {
	Seq        int
	Polygon    orb.Polygon
	Category   parcel.Category
	Confidence float64
	Source     parcel.PlotSource
	Label      string
}

type Result struct {
	Items   []Item
	Dropped map[string]int
}

func (r Result) TotalDropped() int {
	n := 0
	for _, v := range r.Dropped {
		n += v
	}
	return n
}

// entry carries an item with its polygon in the shared metric frame.
type entry struct {
	Item
	local   orb.Polygon
	area    float64
	touched bool
}

type processor struct {
	opts     Options
	frame    geometry.Frame
	boundary orb.Geometry
	dropped  map[string]int
}

// Process runs merge, absorb, noise, containment and clip passes until a
// round changes nothing, then numbers the survivors. Running it on its own
// output returns that output unchanged.
func Process(items []Item, boundary orb.Geometry, opts Options) Result {
	res := Result{Dropped: map[string]int{}}
	if len(items) == 0 {
		return res
	}

	bound := items[0].Polygon.Bound()
	for _, it := range items[1:] {
		bound = bound.Union(it.Polygon.Bound())
	}
	p := &processor{
		opts:    opts,
		frame:   geometry.NewFrame(bound.Center()),
		dropped: res.Dropped,
	}
	if boundary != nil {
		p.boundary = p.frame.Project(boundary)
	}

	entries := make([]*entry, 0, len(items))
	for _, it := range items {
		e := &entry{Item: it, local: p.frame.ProjectPolygon(it.Polygon)}
		e.area = geometry.PlanarArea(e.local)
		if e.area <= 0 || !geometry.IsValid(e.local) {
			p.drop(StageInvalid)
			continue
		}
		entries = append(entries, e)
	}

	for round := 0; round < maxRounds; round++ {
		changed := false
		var c bool
		entries, c = p.merge(entries)
		changed = changed || c
		entries, c = p.absorb(entries)
		changed = changed || c
		entries, c = p.filterNoise(entries)
		changed = changed || c
		entries, c = p.removeContained(entries)
		changed = changed || c
		entries, c = p.clip(entries)
		changed = changed || c
		if !changed {
			break
		}
	}

	res.Items = renumber(entries, p.frame)
	return res
}

func (p *processor) drop(stage string) {
	p.dropped[stage]++
	metrics.PolygonsDropped.WithLabelValues(stage).Inc()
}

// update replaces the local polygon of e with the largest part of g.
func (p *processor) update(e *entry, g orb.MultiPolygon) bool {
	largest, ok := geometry.Largest(g)
	if !ok {
		return false
	}
	e.local = largest
	e.area = geometry.PlanarArea(largest)
	e.touched = true
	return true
}

func (p *processor) geodeticArea(e *entry) float64 {
	if e.touched {
		return measure.Area(p.frame.UnprojectPolygon(e.local))
	}
	return measure.Area(e.Polygon)
}

// merge unions pairs whose IoU exceeds the threshold. The merged item keeps
// the larger member's category and identity and the higher confidence.
func (p *processor) merge(entries []*entry) ([]*entry, bool) {
	changed := false
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			iou, err := geometry.IoU(a.local, b.local)
			if err != nil || iou <= p.opts.MergeIoUThreshold {
				continue
			}
			u, err := geometry.Union(a.local, b.local)
			if err != nil {
				continue
			}
			keep := a
			if b.area > a.area {
				keep = b
			}
			if !p.update(keep, u) {
				continue
			}
			keep.Confidence = math.Max(a.Confidence, b.Confidence)
			keep.Seq = min(a.Seq, b.Seq)
			entries[i] = keep
			entries = append(entries[:j], entries[j+1:]...)
			p.drop(StageMerged)
			changed = true
			// the grown polygon may now overlap earlier neighbours
			j = i
		}
	}
	return entries, changed
}

// absorb folds small items into the nearest larger neighbour within the
// absorb distance, closing the gap between them.
func (p *processor) absorb(entries []*entry) ([]*entry, bool) {
	if p.opts.AbsorbMaxAreaSQM <= 0 {
		return entries, false
	}
	changed := false
	order := sortedByArea(entries)
	gone := map[*entry]bool{}
	for _, small := range order {
		if gone[small] || small.area >= p.opts.AbsorbMaxAreaSQM {
			continue
		}
		var (
			target *entry
			best   = math.Inf(1)
		)
		for _, other := range entries {
			if other == small || gone[other] || other.area <= small.area {
				continue
			}
			d, err := geometry.Distance(small.local, other.local)
			if err != nil || d > p.opts.AbsorbDistanceM {
				continue
			}
			if d < best || (d == best && other.Seq < target.Seq) {
				target, best = other, d
			}
		}
		if target == nil {
			continue
		}
		merged, err := closeGap(target.local, small.local, p.opts.AbsorbDistanceM)
		if err != nil || !p.update(target, merged) {
			continue
		}
		target.Confidence = math.Max(target.Confidence, small.Confidence)
		gone[small] = true
		p.drop(StageAbsorbed)
		changed = true
	}
	return without(entries, gone), changed
}

func closeGap(a, b orb.Polygon, d float64) (orb.MultiPolygon, error) {
	h := d/2 + 0.01
	ga, err := geometry.Buffer(a, h)
	if err != nil {
		return nil, err
	}
	gb, err := geometry.Buffer(b, h)
	if err != nil {
		return nil, err
	}
	u, err := geometry.Union(ga, gb)
	if err != nil {
		return nil, err
	}
	return geometry.Buffer(u, -h)
}

// filterNoise drops items below the minimum geodetic area, and plots that
// are too ragged or too elongated to be a parcel.
func (p *processor) filterNoise(entries []*entry) ([]*entry, bool) {
	gone := map[*entry]bool{}
	for _, e := range entries {
		if p.geodeticArea(e) < p.opts.MinPolygonAreaSQM {
			gone[e] = true
			continue
		}
		if e.Category != parcel.CategoryPlot {
			continue
		}
		perimeter := 0.0
		for _, r := range e.local {
			perimeter += planarLength(r)
		}
		if geometry.Compactness(e.area, perimeter) < p.opts.NoiseMinCompactness {
			gone[e] = true
			continue
		}
		if hull, err := geometry.ConvexHull(e.local); err == nil && len(hull) > 0 && geometry.MinRectAspect(hull[0]) > p.opts.NoiseMaxAspect {
			gone[e] = true
		}
	}
	for range gone {
		p.drop(StageNoise)
	}
	return without(entries, gone), len(gone) > 0
}

func planarLength(r orb.Ring) float64 {
	var l float64
	for i := 0; i+1 < len(r); i++ {
		l += math.Hypot(r[i+1][0]-r[i][0], r[i+1][1]-r[i][1])
	}
	return l
}

// removeContained drops an item when most of it lies inside a larger one.
func (p *processor) removeContained(entries []*entry) ([]*entry, bool) {
	gone := map[*entry]bool{}
	order := sortedByArea(entries)
	for i, small := range order {
		for _, big := range order[i+1:] {
			if gone[big] || big.area <= small.area {
				continue
			}
			inter, err := geometry.IntersectionArea(small.local, big.local)
			if err != nil {
				continue
			}
			if inter/small.area >= p.opts.ContainmentRatio {
				gone[small] = true
				big.Confidence = math.Max(big.Confidence, small.Confidence)
				break
			}
		}
	}
	for range gone {
		p.drop(StageContained)
	}
	return without(entries, gone), len(gone) > 0
}

// clip trims items to the boundary. Items already inside are untouched.
func (p *processor) clip(entries []*entry) ([]*entry, bool) {
	if p.boundary == nil {
		return entries, false
	}
	changed := false
	gone := map[*entry]bool{}
	for _, e := range entries {
		if within, err := geometry.Within(e.local, p.boundary); err == nil && within {
			continue
		}
		outside, err := geometry.Difference(e.local, p.boundary)
		if err != nil {
			continue
		}
		if geometry.PlanarArea(outside) <= clipSlackSQM {
			continue
		}
		inside, err := geometry.Intersection(e.local, p.boundary)
		if err != nil || !p.update(e, inside) {
			gone[e] = true
			changed = true
			continue
		}
		changed = true
	}
	for range gone {
		p.drop(StageOutside)
	}
	return without(entries, gone), changed
}

func sortedByArea(entries []*entry) []*entry {
	order := append([]*entry(nil), entries...)
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].area != order[j].area {
			return order[i].area < order[j].area
		}
		return order[i].Seq < order[j].Seq
	})
	return order
}

func without(entries []*entry, gone map[*entry]bool) []*entry {
	if len(gone) == 0 {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if !gone[e] {
			out = append(out, e)
		}
	}
	return out
}

// renumber orders items by category, then centroid north to south and
// west to east, then insertion order, and labels them per category.
func renumber(entries []*entry, frame geometry.Frame) []Item {
	items := make([]Item, len(entries))
	centroids := make([]orb.Point, len(entries))
	for i, e := range entries {
		it := e.Item
		if e.touched {
			it.Polygon = frame.UnprojectPolygon(e.local)
		}
		items[i] = it
		centroids[i] = geometry.Centroid(it.Polygon)
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := items[idx[a]], items[idx[b]]
		if ra, rb := ia.Category.Rank(), ib.Category.Rank(); ra != rb {
			return ra < rb
		}
		ca, cb := centroids[idx[a]], centroids[idx[b]]
		if ca[1] != cb[1] {
			return ca[1] > cb[1]
		}
		if ca[0] != cb[0] {
			return ca[0] < cb[0]
		}
		return ia.Seq < ib.Seq
	})

	out := make([]Item, len(items))
	counters := map[parcel.Category]int{}
	for pos, i := range idx {
		it := items[i]
		counters[it.Category]++
		it.Label = fmt.Sprintf("%s %d", it.Category.LabelPrefix(), counters[it.Category])
		it.Seq = pos
		out[pos] = it
	}
	return out
}
