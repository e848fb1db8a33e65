package parcel

import (
	"time"

	"github.com/google/uuid"
)

// PlotCompliance is the outcome of the compliance checks for one plot.
// A nil check field means the check could not be evaluated.
type PlotCompliance struct {
	PlotID                uuid.UUID  `json:"plot_id"`
	Label                 string     `json:"label"`
	ReferencePlotID       *string    `json:"reference_plot_id,omitempty"`
	MatchedPlotName       string     `json:"matched_plot_name,omitempty"`
	MatchMethod           string     `json:"match_method,omitempty"`
	GreenCoverPct         *float64   `json:"green_cover_pct"`
	GreenCompliant        *bool      `json:"is_green_compliant"`
	AllotmentDate         *time.Time `json:"allotment_date"`
	ConstructionDeadline  *time.Time `json:"construction_deadline"`
	ConstructionStarted   *bool      `json:"construction_started"`
	ConstructionCompliant *bool      `json:"is_construction_compliant"`
	Compliant             *bool      `json:"is_compliant"`
	Violations            []string   `json:"violations"`
	DataSource            string     `json:"data_source"`
}

type CheckSummary struct {
	Checked      int `json:"checked"`
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"non_compliant"`
}

type ComplianceSummary struct {
	TotalPlots     int            `json:"total_plots"`
	GreenCover     CheckSummary   `json:"green_cover"`
	GreenThreshold float64        `json:"green_cover_threshold_pct"`
	Construction   CheckSummary   `json:"construction_timeline"`
	DeadlineYears  int            `json:"deadline_years"`
	FullyCompliant int            `json:"fully_compliant"`
	NonCompliant   int            `json:"non_compliant"`
	Unchecked      int            `json:"unchecked"`
	DataSources    map[string]int `json:"data_sources"`
}

type ComplianceReport struct {
	RunID     uuid.UUID         `json:"run_id"`
	ProjectID uuid.UUID         `json:"project_id"`
	AreaName  string            `json:"area_name,omitempty"`
	Results   []PlotCompliance  `json:"results"`
	Summary   ComplianceSummary `json:"summary"`
	CreatedAt time.Time         `json:"created_at"`
}

// ComplianceRequest selects the checks of a compliance run. Both default
// to enabled.
type ComplianceRequest struct {
	GreenCover   *bool `json:"include_green_cover,omitempty"`
	Construction *bool `json:"include_construction_timeline,omitempty"`
}

// ProjectListing is a project with the size of its active plot set.
type ProjectListing struct {
	Project
	PlotCount int `json:"plot_count"`
}
