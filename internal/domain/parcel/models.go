package parcel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/measure"
)

type Category string

const (
	CategoryPlot           Category = "plot"
	CategoryRoad           Category = "road"
	CategoryInfrastructure Category = "infrastructure"
	CategoryOther          Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPlot, CategoryRoad, CategoryInfrastructure, CategoryOther:
		return true
	}
	return false
}

// Rank orders categories for labelling.
func (c Category) Rank() int {
	switch c {
	case CategoryPlot:
		return 0
	case CategoryRoad:
		return 1
	case CategoryInfrastructure:
		return 2
	}
	return 3
}

func (c Category) LabelPrefix() string {
	switch c {
	case CategoryPlot:
		return "Plot"
	case CategoryRoad:
		return "Road"
	case CategoryInfrastructure:
		return "Infrastructure"
	}
	return "Other"
}

func (c Category) Color() string {
	switch c {
	case CategoryPlot:
		return "#ef4444"
	case CategoryRoad:
		return "#64748b"
	case CategoryInfrastructure:
		return "#f97316"
	}
	return "#a3a3a3"
}

type PlotSource string

const (
	PlotSourceAuto   PlotSource = "auto"
	PlotSourceGuided PlotSource = "guided"
	PlotSourceManual PlotSource = "manual"
)

type Project struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	BBox         geometry.BBox `json:"bbox"`
	Center       orb.Point     `json:"center"`
	Zoom         int           `json:"zoom"`
	AreaName     string        `json:"area_name,omitempty"`
	AreaCategory string        `json:"area_category,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Plot struct {
	ID         uuid.UUID   `json:"id"`
	ProjectID  uuid.UUID   `json:"project_id"`
	Label      string      `json:"label"`
	Category   Category    `json:"category"`
	Geometry   orb.Polygon `json:"-"`
	AreaSQM    float64     `json:"area_sqm"`
	AreaSQFT   float64     `json:"area_sqft"`
	PerimeterM float64     `json:"perimeter_m"`
	Color      string      `json:"color"`
	Confidence *float64    `json:"confidence,omitempty"`
	Active     bool        `json:"active"`
	Source     PlotSource  `json:"source"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// SetGeometry replaces the plot polygon and recomputes its measurements.
func (p *Plot) SetGeometry(g orb.Polygon) {
	p.Geometry = g
	m := measure.Measure(g)
	p.AreaSQM = m.AreaSQM
	p.AreaSQFT = m.AreaSQFT
	p.PerimeterM = m.PerimeterM
}

const (
	DataSourceReference   = "reference"
	DataSourceRegister    = "register"
	DataSourceUnavailable = "unavailable"
)

type ReferencePlot struct {
	ID            string         `json:"id"`
	AreaName      string         `json:"area_name"`
	Name          string         `json:"name"`
	Geometry      orb.Geometry   `json:"-"`
	Allottee      string         `json:"allottee,omitempty"`
	Status        string         `json:"status,omitempty"`
	StatusText    string         `json:"status_text,omitempty"`
	AllotmentDate *time.Time     `json:"allotment_date,omitempty"`
	Centroid      orb.Point      `json:"centroid"`
	DataSource    string         `json:"data_source"`
	Properties    map[string]any `json:"properties,omitempty"`
}

type DeviationType string

const (
	DeviationCompliant        DeviationType = "COMPLIANT"
	DeviationEncroachment     DeviationType = "ENCROACHMENT"
	DeviationBoundaryMismatch DeviationType = "BOUNDARY_MISMATCH"
	DeviationVacant           DeviationType = "VACANT"
	DeviationUnauthorized     DeviationType = "UNAUTHORIZED_DEVELOPMENT"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForFraction bands an excess or mismatch area expressed as a
// fraction of the reference area.
func SeverityForFraction(f float64) Severity {
	switch {
	case f < 0.10:
		return SeverityLow
	case f < 0.25:
		return SeverityMedium
	case f <= 0.50:
		return SeverityHigh
	}
	return SeverityCritical
}

type DeviationDetails struct {
	PlotLabel           string  `json:"plot_label,omitempty"`
	ReferenceName       string  `json:"reference_name,omitempty"`
	DetectedAreaSQM     float64 `json:"detected_area_sqm"`
	ReferenceAreaSQM    float64 `json:"reference_area_sqm"`
	IntersectionAreaSQM float64 `json:"intersection_area_sqm"`
	ExcessAreaSQM       float64 `json:"excess_area_sqm"`
	UncoveredAreaSQM    float64 `json:"uncovered_area_sqm"`
	SymDiffAreaSQM      float64 `json:"symdiff_area_sqm"`
	IoU                 float64 `json:"iou"`
	HausdorffM          float64 `json:"hausdorff_m"`
	MatchPercent        float64 `json:"match_percent"`
}

type Deviation struct {
	ID              uuid.UUID        `json:"id"`
	ProjectID       uuid.UUID        `json:"project_id"`
	RunID           uuid.UUID        `json:"run_id"`
	PlotID          *uuid.UUID       `json:"plot_id,omitempty"`
	ReferencePlotID *string          `json:"reference_plot_id,omitempty"`
	Type            DeviationType    `json:"deviation_type"`
	Severity        Severity         `json:"severity"`
	Geometry        orb.Geometry     `json:"-"`
	AreaSQM         float64          `json:"deviation_area_sqm"`
	Description     string           `json:"description"`
	Details         DeviationDetails `json:"details"`
	CreatedAt       time.Time        `json:"created_at"`
}

type ComparisonSummary struct {
	TotalDetected      int    `json:"total_detected"`
	TotalReference     int    `json:"total_reference"`
	Compliant          int    `json:"compliant"`
	Encroachment       int    `json:"encroachment"`
	BoundaryMismatch   int    `json:"boundary_mismatch"`
	Vacant             int    `json:"vacant"`
	Unauthorized       int    `json:"unauthorized"`
	UnmatchedDetected  int    `json:"unmatched_detected"`
	UnmatchedReference int    `json:"unmatched_reference"`
	DataSource         string `json:"data_source"`
}

func (s *ComparisonSummary) Count(t DeviationType) {
	switch t {
	case DeviationCompliant:
		s.Compliant++
	case DeviationEncroachment:
		s.Encroachment++
	case DeviationBoundaryMismatch:
		s.BoundaryMismatch++
	case DeviationVacant:
		s.Vacant++
	case DeviationUnauthorized:
		s.Unauthorized++
	}
}

type PromptPoint struct {
	Lon   float64 `json:"lon"`
	Lat   float64 `json:"lat"`
	Label int     `json:"label"`
}

type DetectRequest struct {
	BBox         []float64     `json:"bbox"`
	Zoom         int           `json:"zoom"`
	ProjectID    *uuid.UUID    `json:"project_id,omitempty"`
	ProjectName  string        `json:"project_name"`
	AreaName     string        `json:"area_name"`
	AreaCategory string        `json:"area_category"`
	MinAreaSQM   *float64      `json:"min_area_sqm,omitempty"`
	Guided       *bool         `json:"guided,omitempty"`
	Points       []PromptPoint `json:"points,omitempty"`
	Boxes        [][]float64   `json:"boxes,omitempty"`
}

type DetectResult struct {
	Project        Project       `json:"project"`
	Plots          []Plot        `json:"plots"`
	TotalDetected  int           `json:"total_detected"`
	DroppedNoise   int           `json:"dropped_noise"`
	DroppedInvalid int           `json:"dropped_invalid"`
	GuidedAdded    int           `json:"guided_added"`
	ReferenceFound bool          `json:"reference_found"`
	Strategy       string        `json:"reference_strategy,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

type PlotUpdate struct {
	Label    *string         `json:"label,omitempty"`
	Category *Category       `json:"category,omitempty"`
	Color    *string         `json:"color,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

type CompareResult struct {
	RunID      uuid.UUID         `json:"run_id"`
	Deviations []Deviation       `json:"deviations"`
	Summary    ComparisonSummary `json:"summary"`
}
