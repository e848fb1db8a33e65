// Package compliance checks detected plots against the obligations of
// their allotment: a minimum share of green cover and construction
// starting within a fixed period after allotment.
package compliance

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
	"parcel-audit/internal/tiles"
	"parcel-audit/internal/utils"
)

const (
	MatchComparison = "comparison"
	MatchName       = "name"
)

type Options struct {
	GreenCoverThresholdPct float64 `mapstructure:"green_cover_threshold_pct"`
	// ExcessGreenThreshold is the ExG above which a pixel counts as
	// vegetation.
	ExcessGreenThreshold float64 `mapstructure:"excess_green_threshold"`
	MinPixels            int     `mapstructure:"min_pixels"`
	DeadlineYears        int     `mapstructure:"deadline_years"`
}

func DefaultOptions() Options {
	return Options{
		GreenCoverThresholdPct: 20,
		ExcessGreenThreshold:   0.08,
		MinPixels:              25,
		DeadlineYears:          2,
	}
}

func (o Options) Validate() error {
	switch {
	case o.GreenCoverThresholdPct < 0 || o.GreenCoverThresholdPct > 100:
		return fmt.Errorf("%w: green cover threshold must be within 0..100", model.ErrConfiguration)
	case o.ExcessGreenThreshold <= -1 || o.ExcessGreenThreshold >= 2:
		return fmt.Errorf("%w: excess green threshold must be within (-1, 2)", model.ErrConfiguration)
	case o.MinPixels < 1:
		return fmt.Errorf("%w: green cover needs at least one pixel", model.ErrConfiguration)
	case o.DeadlineYears < 1:
		return fmt.Errorf("%w: construction deadline must be at least one year", model.ErrConfiguration)
	}
	return nil
}

// GreenCover is the percentage of the pixels inside poly whose excess
// green index exceeds the threshold, rounded to two decimals. ok is false
// when fewer than MinPixels pixels fall inside poly.
func GreenCover(poly orb.Polygon, comp *tiles.Composite, opts Options) (float64, bool) {
	if comp == nil || comp.Image == nil {
		return 0, false
	}
	green := 0
	n := tiles.SamplePolygon(comp.Image, comp.Transform, poly, 0, func(p tiles.Pixel) {
		if p.ExcessGreen() > opts.ExcessGreenThreshold {
			green++
		}
	})
	if n < opts.MinPixels {
		return 0, false
	}
	return math.Round(float64(green)/float64(n)*10000) / 100, true
}

var (
	notStartedKeywords = []string{"no construction", "not started", "vacant", "show cause", "cancelled", "canceled"}
	startedKeywords    = []string{"operational", "constructed", "construction in progress", "running", "production", "under development"}
)

// ConstructionStarted reads the construction state from a free-text
// allotment status. Not-started keywords win over started ones; nil means
// the status says neither.
func ConstructionStarted(status string) *bool {
	s := strings.ToLower(status)
	for _, kw := range notStartedKeywords {
		if strings.Contains(s, kw) {
			return ptr(false)
		}
	}
	for _, kw := range startedKeywords {
		if strings.Contains(s, kw) {
			return ptr(true)
		}
	}
	return nil
}

// Input is everything one compliance run looks at.
type Input struct {
	Plots     []parcel.Plot
	Reference []parcel.ReferencePlot
	// Matches pairs plot ids with reference plot ids from the latest
	// comparison; they take precedence over name matching.
	Matches           map[uuid.UUID]string
	Imagery           *tiles.Composite
	CheckGreenCover   bool
	CheckConstruction bool
	Now               time.Time
}

// Evaluate runs the enabled checks on every plot. A plot is compliant when
// every check that could be evaluated passed, and unchecked when none
// could.
func Evaluate(in Input, opts Options) ([]parcel.PlotCompliance, parcel.ComplianceSummary) {
	byID := make(map[string]parcel.ReferencePlot, len(in.Reference))
	for _, r := range in.Reference {
		byID[r.ID] = r
	}

	results := make([]parcel.PlotCompliance, 0, len(in.Plots))
	for _, p := range in.Plots {
		pc := parcel.PlotCompliance{
			PlotID:     p.ID,
			Label:      p.Label,
			Violations: []string{},
			DataSource: parcel.DataSourceUnavailable,
		}

		if in.CheckGreenCover {
			if pct, ok := GreenCover(p.Geometry, in.Imagery, opts); ok {
				pc.GreenCoverPct = &pct
				pc.GreenCompliant = ptr(pct >= opts.GreenCoverThresholdPct)
				if !*pc.GreenCompliant {
					pc.Violations = append(pc.Violations,
						fmt.Sprintf("green cover %.1f%% is below the required %.0f%%", pct, opts.GreenCoverThresholdPct))
				}
			}
		}

		if ref, method, ok := match(p, in.Matches, byID, in.Reference); ok {
			id := ref.ID
			pc.ReferencePlotID = &id
			pc.MatchedPlotName = ref.Name
			pc.MatchMethod = method
			pc.DataSource = ref.DataSource
			if in.CheckConstruction {
				checkConstruction(&pc, ref, in.Now, opts)
			}
		}

		var evaluated []bool
		for _, c := range []*bool{pc.GreenCompliant, pc.ConstructionCompliant} {
			if c != nil {
				evaluated = append(evaluated, *c)
			}
		}
		if len(evaluated) > 0 {
			all := true
			for _, c := range evaluated {
				all = all && c
			}
			pc.Compliant = &all
		}
		results = append(results, pc)
	}
	return results, Summarize(results, opts)
}

func checkConstruction(pc *parcel.PlotCompliance, ref parcel.ReferencePlot, now time.Time, opts Options) {
	pc.ConstructionStarted = ConstructionStarted(ref.StatusText)
	if ref.AllotmentDate == nil {
		return
	}
	allotted := *ref.AllotmentDate
	deadline := allotted.AddDate(opts.DeadlineYears, 0, 0)
	pc.AllotmentDate = &allotted
	pc.ConstructionDeadline = &deadline

	started := pc.ConstructionStarted != nil && *pc.ConstructionStarted
	switch {
	case started:
		pc.ConstructionCompliant = ptr(true)
	case now.After(deadline):
		pc.ConstructionCompliant = ptr(false)
		days := int(now.Sub(deadline).Hours() / 24)
		pc.Violations = append(pc.Violations, fmt.Sprintf(
			"construction not started %d days after the %d-year deadline (allotted %s)",
			days, opts.DeadlineYears, allotted.Format("02 Jan 2006")))
	default:
		pc.ConstructionCompliant = ptr(true)
	}
}

// match finds the allotment record of a plot: the reference plot paired
// with it by the latest comparison, else the first whose name equals the
// label, shares its trailing number, or contains it.
func match(p parcel.Plot, matches map[uuid.UUID]string, byID map[string]parcel.ReferencePlot, refs []parcel.ReferencePlot) (parcel.ReferencePlot, string, bool) {
	if id, ok := matches[p.ID]; ok {
		if ref, ok := byID[id]; ok {
			return ref, MatchComparison, true
		}
	}
	label := utils.CompactName(p.Label)
	if label == "" {
		return parcel.ReferencePlot{}, "", false
	}
	for _, r := range refs {
		if utils.CompactName(r.Name) == label {
			return r, MatchName, true
		}
	}
	if tail := lastToken(p.Label); tail != "" {
		for _, r := range refs {
			if lastToken(r.Name) == tail {
				return r, MatchName, true
			}
		}
	}
	for _, r := range refs {
		if utils.FuzzyNameMatch(r.Name, p.Label) {
			return r, MatchName, true
		}
	}
	return parcel.ReferencePlot{}, "", false
}

func lastToken(name string) string {
	fields := strings.Fields(utils.NormalizeName(strings.NewReplacer("(", " ", ")", " ").Replace(name)))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Summarize counts the outcomes of a run.
func Summarize(results []parcel.PlotCompliance, opts Options) parcel.ComplianceSummary {
	s := parcel.ComplianceSummary{
		TotalPlots:     len(results),
		GreenThreshold: opts.GreenCoverThresholdPct,
		DeadlineYears:  opts.DeadlineYears,
		DataSources:    map[string]int{},
	}
	for _, r := range results {
		tally(&s.GreenCover, r.GreenCompliant)
		tally(&s.Construction, r.ConstructionCompliant)
		switch {
		case r.Compliant == nil:
			s.Unchecked++
		case *r.Compliant:
			s.FullyCompliant++
		default:
			s.NonCompliant++
		}
		s.DataSources[r.DataSource]++
	}
	return s
}

func tally(c *parcel.CheckSummary, v *bool) {
	if v == nil {
		return
	}
	c.Checked++
	if *v {
		c.Compliant++
	} else {
		c.NonCompliant++
	}
}

func ptr[T any](v T) *T { return &v }
