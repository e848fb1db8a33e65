// Package compare matches detected plots against reference plots and
// classifies every pair and leftover into deviations.
package compare

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/measure"
	"parcel-audit/internal/model"
)

// Policy decides what happens to detected plots no reference plot matched.
type Policy string

const (
	PolicyFlagUncovered Policy = "flag_uncovered"
	PolicyFlagAll       Policy = "flag_all"
	PolicyIgnore        Policy = "ignore"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFlagUncovered, PolicyFlagAll, PolicyIgnore:
		return p, nil
	case "":
		return PolicyFlagUncovered, nil
	}
	return "", fmt.Errorf("%w: unknown unmatched detected policy %q", model.ErrConfiguration, s)
}

type Options struct {
	MinIoU         float64
	ToleranceSQM   float64
	ToleranceRatio float64
	Policy         Policy
	// CoverageRatio is the share of a detected plot that must lie inside
	// reference or land-bank geometry for it to count as covered.
	CoverageRatio float64
}

func DefaultOptions() Options {
	return Options{
		MinIoU:         0.10,
		ToleranceSQM:   5,
		ToleranceRatio: 0.02,
		Policy:         PolicyFlagUncovered,
		CoverageRatio:  0.5,
	}
}

func (o Options) Validate() error {
	if o.MinIoU <= 0 || o.MinIoU > 1 {
		return fmt.Errorf("%w: compare min iou must be in (0, 1]", model.ErrConfiguration)
	}
	if o.ToleranceSQM < 0 || o.ToleranceRatio < 0 {
		return fmt.Errorf("%w: compliance tolerance must not be negative", model.ErrConfiguration)
	}
	if o.CoverageRatio <= 0 || o.CoverageRatio > 1 {
		return fmt.Errorf("%w: coverage ratio must be in (0, 1]", model.ErrConfiguration)
	}
	if _, err := ParsePolicy(string(o.Policy)); err != nil {
		return err
	}
	return nil
}

// Candidate is one side of a comparison: a detected plot or a reference plot.
type Candidate struct {
	ID       string
	Name     string
	Geometry orb.Geometry
}

// Finding is one classified case. DetectedID and ReferenceID are empty
// when that side is absent.
type Finding struct {
	Type        parcel.DeviationType
	Severity    parcel.Severity
	DetectedID  string
	ReferenceID string
	Geometry    orb.Geometry
	AreaSQM     float64
	Description string
	Details     parcel.DeviationDetails
}

type Result struct {
	Findings []Finding
	Summary  parcel.ComparisonSummary
	// Skipped counts candidates whose geometry could not be processed.
	Skipped int
}

type side struct {
	Candidate
	local orb.Geometry
	area  float64 // geodetic, sqm
	bound orb.Bound
}

type pair struct {
	d, r int
	iou  float64
}

type engine struct {
	opts  Options
	frame geometry.Frame
	// classify judges a matched pair; classifyPair unless replaced in tests.
	classify func(d, r side, iou float64) (Finding, error)
}

func newEngine(opts Options, detected, reference []Candidate) *engine {
	e := &engine{opts: opts, frame: geometry.NewFrame(center(detected, reference))}
	e.classify = e.classifyPair
	return e
}

// Compare runs greedy maximum-overlap matching and classifies the result.
// Output order is matched pairs in match order, then vacant reference
// plots by id, then unauthorized detected plots by id. Identical inputs
// give identical output. A pair whose overlay fails is counted in Skipped
// and neither side is reported again as vacant or unauthorized.
func Compare(detected, reference []Candidate, coverage []orb.Geometry, opts Options) Result {
	return newEngine(opts, detected, reference).run(detected, reference, coverage)
}

func (e *engine) run(detected, reference []Candidate, coverage []orb.Geometry) Result {
	var res Result
	res.Summary.TotalDetected = len(detected)
	res.Summary.TotalReference = len(reference)

	dets, skippedD := e.prepare(detected)
	refs, skippedR := e.prepare(reference)
	res.Skipped = skippedD + skippedR

	pairs := e.candidatePairs(dets, refs)
	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.iou != b.iou {
			return a.iou > b.iou
		}
		if dets[a.d].ID != dets[b.d].ID {
			return dets[a.d].ID < dets[b.d].ID
		}
		return refs[a.r].ID < refs[b.r].ID
	})

	usedD := make([]bool, len(dets))
	usedR := make([]bool, len(refs))
	for _, p := range pairs {
		if usedD[p.d] || usedR[p.r] {
			continue
		}
		f, err := e.classify(dets[p.d], refs[p.r], p.iou)
		usedD[p.d], usedR[p.r] = true, true
		if err != nil {
			res.Skipped += 2
			continue
		}
		res.Findings = append(res.Findings, f)
		res.Summary.Count(f.Type)
	}

	var detectedLocal []orb.Geometry
	for _, d := range dets {
		detectedLocal = append(detectedLocal, d.local)
	}
	for _, i := range byID(refs) {
		if usedR[i] {
			continue
		}
		res.Summary.UnmatchedReference++
		f := e.vacant(refs[i], detectedLocal)
		res.Findings = append(res.Findings, f)
		res.Summary.Count(f.Type)
	}

	var covering []orb.Geometry
	for _, r := range refs {
		covering = append(covering, r.local)
	}
	for _, g := range coverage {
		covering = append(covering, e.frame.Project(g))
	}
	for _, i := range byID(dets) {
		if usedD[i] {
			continue
		}
		res.Summary.UnmatchedDetected++
		if f, ok := e.unauthorized(dets[i], covering); ok {
			res.Findings = append(res.Findings, f)
			res.Summary.Count(f.Type)
		}
	}
	return res
}

func center(sets ...[]Candidate) orb.Point {
	var b orb.Bound
	first := true
	for _, set := range sets {
		for _, c := range set {
			if c.Geometry == nil {
				continue
			}
			if first {
				b, first = c.Geometry.Bound(), false
				continue
			}
			b = b.Union(c.Geometry.Bound())
		}
	}
	return b.Center()
}

func (e *engine) prepare(cs []Candidate) ([]side, int) {
	out := make([]side, 0, len(cs))
	skipped := 0
	for _, c := range cs {
		if c.Geometry == nil || len(geometry.Polygons(c.Geometry)) == 0 {
			skipped++
			continue
		}
		local := e.frame.Project(c.Geometry)
		if !geometry.IsValid(local) {
			fixed, err := geometry.MakeValid(local)
			if err != nil || len(fixed) == 0 {
				skipped++
				continue
			}
			local = fixed
			c.Geometry = e.frame.Unproject(fixed)
		}
		out = append(out, side{Candidate: c, local: local, area: measure.Area(c.Geometry), bound: local.Bound()})
	}
	return out, skipped
}

func (e *engine) candidatePairs(dets, refs []side) []pair {
	var pairs []pair
	for i, d := range dets {
		for j, r := range refs {
			if !d.bound.Intersects(r.bound) {
				continue
			}
			iou, err := geometry.IoU(d.local, r.local)
			if err != nil || iou < e.opts.MinIoU {
				continue
			}
			pairs = append(pairs, pair{d: i, r: j, iou: iou})
		}
	}
	return pairs
}

func (e *engine) tolerance(refArea float64) float64 {
	return math.Max(e.opts.ToleranceSQM, e.opts.ToleranceRatio*refArea)
}

func (e *engine) classifyPair(d, r side, iou float64) (Finding, error) {
	sym, err := geometry.SymDifference(d.local, r.local)
	if err != nil {
		return Finding{}, err
	}
	excess, err := geometry.Difference(d.local, r.local)
	if err != nil {
		return Finding{}, err
	}
	uncovered, err := geometry.Difference(r.local, d.local)
	if err != nil {
		return Finding{}, err
	}
	inter, err := geometry.Intersection(d.local, r.local)
	if err != nil {
		return Finding{}, err
	}
	hausdorff, err := geometry.Hausdorff(d.local, r.local)
	if err != nil {
		return Finding{}, err
	}

	symGeo := e.frame.Unproject(sym)
	excessGeo := e.frame.Unproject(excess)
	details := parcel.DeviationDetails{
		PlotLabel:           d.Name,
		ReferenceName:       r.Name,
		DetectedAreaSQM:     d.area,
		ReferenceAreaSQM:    r.area,
		IntersectionAreaSQM: measure.Area(e.frame.Unproject(inter)),
		ExcessAreaSQM:       measure.Area(excessGeo),
		UncoveredAreaSQM:    measure.Area(e.frame.Unproject(uncovered)),
		SymDiffAreaSQM:      measure.Area(symGeo),
		IoU:                 iou,
		HausdorffM:          hausdorff,
		MatchPercent:        iou * 100,
	}
	f := Finding{DetectedID: d.ID, ReferenceID: r.ID, Details: details}
	tol := e.tolerance(r.area)

	switch {
	case details.SymDiffAreaSQM <= tol:
		f.Type = parcel.DeviationCompliant
		f.Severity = parcel.SeverityLow
		f.AreaSQM = details.SymDiffAreaSQM
		f.Description = fmt.Sprintf("%s matches reference plot %s within tolerance (%.1f sqm difference)",
			d.Name, r.Name, details.SymDiffAreaSQM)
	case details.ExcessAreaSQM > tol:
		frac := fraction(details.ExcessAreaSQM, r.area)
		f.Type = parcel.DeviationEncroachment
		f.Severity = parcel.SeverityForFraction(frac)
		f.Geometry = excessGeo
		f.AreaSQM = details.ExcessAreaSQM
		f.Description = fmt.Sprintf("%s extends %.1f sqm (%.1f%%) beyond reference plot %s",
			d.Name, details.ExcessAreaSQM, frac*100, r.Name)
	default:
		frac := fraction(details.SymDiffAreaSQM, r.area)
		f.Type = parcel.DeviationBoundaryMismatch
		f.Severity = parcel.SeverityForFraction(frac)
		f.Geometry = symGeo
		f.AreaSQM = details.SymDiffAreaSQM
		f.Description = fmt.Sprintf("%s boundary differs from reference plot %s by %.1f sqm (%.1f%%)",
			d.Name, r.Name, details.SymDiffAreaSQM, frac*100)
	}
	return f, nil
}

func fraction(part, whole float64) float64 {
	if whole <= 0 {
		return math.Inf(1)
	}
	return part / whole
}

// vacant reports a reference plot without a match. Its geometry is the part
// of the reference plot no detected polygon overlaps.
func (e *engine) vacant(r side, detected []orb.Geometry) Finding {
	f := Finding{
		Type:        parcel.DeviationVacant,
		Severity:    parcel.SeverityMedium,
		ReferenceID: r.ID,
		Geometry:    r.Geometry,
		AreaSQM:     r.area,
		Description: fmt.Sprintf("Reference plot %s has no matching development", r.Name),
		Details: parcel.DeviationDetails{
			ReferenceName:    r.Name,
			ReferenceAreaSQM: r.area,
			UncoveredAreaSQM: r.area,
		},
	}
	overlapping := overlaps(r, detected)
	if len(overlapping) == 0 {
		return f
	}
	occupied, err := geometry.UnionAll(overlapping)
	if err != nil {
		return f
	}
	rest, err := geometry.Difference(r.local, occupied)
	if err != nil {
		return f
	}
	if len(rest) == 0 {
		f.Geometry = nil
		f.AreaSQM = 0
	} else {
		f.Geometry = e.frame.Unproject(rest)
		f.AreaSQM = measure.Area(f.Geometry)
	}
	f.Details.UncoveredAreaSQM = f.AreaSQM
	f.Details.IntersectionAreaSQM = math.Max(0, r.area-f.AreaSQM)
	return f
}

// unauthorized applies the unmatched-detected policy.
func (e *engine) unauthorized(d side, covering []orb.Geometry) (Finding, bool) {
	f := Finding{
		Type:       parcel.DeviationUnauthorized,
		DetectedID: d.ID,
		Geometry:   d.Geometry,
		AreaSQM:    d.area,
		Details: parcel.DeviationDetails{
			PlotLabel:        d.Name,
			DetectedAreaSQM:  d.area,
			UncoveredAreaSQM: d.area,
		},
	}
	switch e.opts.Policy {
	case PolicyIgnore:
		return Finding{}, false
	case PolicyFlagUncovered:
		if overlapping := overlaps(d, covering); len(overlapping) > 0 {
			cover, err := geometry.UnionAll(overlapping)
			if err == nil {
				outside, err := geometry.Difference(d.local, cover)
				if err == nil {
					outsideGeo := e.frame.Unproject(outside)
					outsideArea := measure.Area(outsideGeo)
					if d.area > 0 && 1-outsideArea/d.area >= e.opts.CoverageRatio {
						return Finding{}, false
					}
					if len(outside) > 0 {
						f.Geometry = outsideGeo
						f.AreaSQM = outsideArea
					}
					f.Details.UncoveredAreaSQM = outsideArea
				}
			}
		}
	}
	f.Severity = severityForArea(f.AreaSQM)
	f.Description = fmt.Sprintf("%s (%.1f sqm) is not covered by any allotted or land-bank boundary", d.Name, f.AreaSQM)
	return f, true
}

// severityForArea bands unauthorized development, which has no reference
// area to take a fraction of.
func severityForArea(sqm float64) parcel.Severity {
	switch {
	case sqm < 100:
		return parcel.SeverityLow
	case sqm < 500:
		return parcel.SeverityMedium
	case sqm < 2000:
		return parcel.SeverityHigh
	}
	return parcel.SeverityCritical
}

func overlaps(s side, gs []orb.Geometry) []orb.Geometry {
	var out []orb.Geometry
	for _, g := range gs {
		if g == nil || !g.Bound().Intersects(s.bound) {
			continue
		}
		if ok, err := geometry.Intersects(s.local, g); err == nil && ok {
			out = append(out, g)
		}
	}
	return out
}

func byID(sides []side) []int {
	idx := make([]int, len(sides))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return sides[idx[a]].ID < sides[idx[b]].ID })
	return idx
}
