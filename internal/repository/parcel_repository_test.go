package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
)

func TestPlotRowRoundTrip(t *testing.T) {
	conf := 0.8
	p := parcel.Plot{
		ID:         uuid.New(),
		ProjectID:  uuid.New(),
		Label:      "Plot 3",
		Category:   parcel.CategoryPlot,
		Color:      parcel.CategoryPlot.Color(),
		Confidence: &conf,
		Active:     true,
		Source:     parcel.PlotSourceGuided,
		CreatedAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	p.SetGeometry(orb.Polygon{{{81.6, 21.2}, {81.601, 21.2}, {81.601, 21.201}, {81.6, 21.201}, {81.6, 21.2}}})

	row, err := plotRow(p)
	if err != nil {
		t.Fatalf("plotRow() error = %v", err)
	}
	got, err := row.domain()
	if err != nil {
		t.Fatalf("domain() error = %v", err)
	}
	if !got.Geometry.Equal(p.Geometry) {
		t.Errorf("geometry = %v, want %v", got.Geometry, p.Geometry)
	}
	if got.Label != p.Label || got.Source != p.Source || got.AreaSQM != p.AreaSQM || *got.Confidence != conf {
		t.Errorf("domain() = %+v, want %+v", got, p)
	}
}

func TestPlotRowRejectsNonPolygon(t *testing.T) {
	row := Plot{ID: uuid.New(), Geometry: []byte(`{"type":"Point","coordinates":[81.6,21.2]}`)}
	if _, err := row.domain(); err == nil {
		t.Error("domain() error = nil, want an error for a point geometry")
	}
}

func TestDeviationRow(t *testing.T) {
	ref := "urla:12"
	tests := []struct {
		name string
		geom orb.Geometry
	}{
		{"with geometry", orb.MultiPolygon{{{{81.6, 21.2}, {81.601, 21.2}, {81.601, 21.201}, {81.6, 21.2}}}}},
		{"compliant without geometry", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := parcel.Deviation{
				ID:              uuid.New(),
				ReferencePlotID: &ref,
				Type:            parcel.DeviationEncroachment,
				Severity:        parcel.SeverityHigh,
				Geometry:        tt.geom,
				Details:         parcel.DeviationDetails{ExcessAreaSQM: 120, IoU: 0.77},
			}
			row, err := deviationRow(d, 4)
			if err != nil {
				t.Fatalf("deviationRow() error = %v", err)
			}
			if row.Position != 4 {
				t.Errorf("Position = %d, want 4", row.Position)
			}
			got, err := row.domain()
			if err != nil {
				t.Fatalf("domain() error = %v", err)
			}
			if got.Details != d.Details || *got.ReferencePlotID != ref {
				t.Errorf("domain() = %+v, want %+v", got, d)
			}
			if (got.Geometry == nil) != (tt.geom == nil) {
				t.Errorf("geometry = %v, want %v", got.Geometry, tt.geom)
			}
		})
	}
}

func TestProjectRow(t *testing.T) {
	p := parcel.Project{
		ID:       uuid.New(),
		Name:     "Urla audit",
		BBox:     geometry.BBox{MinLon: 81.59, MinLat: 21.19, MaxLon: 81.61, MaxLat: 21.21},
		Center:   orb.Point{81.6, 21.2},
		Zoom:     18,
		AreaName: "Urla",
	}
	got := projectRow(&p).domain()
	if got.BBox != p.BBox || got.Center != p.Center || got.AreaName != "Urla" || got.AreaCategory != "" {
		t.Errorf("domain() = %+v, want %+v", got, p)
	}
}

func TestComplianceRows(t *testing.T) {
	yes, no := true, false
	report := &parcel.ComplianceReport{
		RunID:     uuid.New(),
		ProjectID: uuid.New(),
		Results: []parcel.PlotCompliance{
			{PlotID: uuid.New(), Label: "Plot 1", Compliant: &yes},
			{PlotID: uuid.New(), Label: "Plot 2", Compliant: &no, Violations: []string{"green cover 5.0% is below the required 20%"}},
			{PlotID: uuid.New(), Label: "Plot 3"},
		},
	}
	rows := complianceRows(report)
	if len(rows) != 3 {
		t.Fatalf("complianceRows() = %d rows, want 3", len(rows))
	}
	for i, row := range rows {
		want := report.Results[i]
		if row.Position != i || row.RunID != report.RunID || *row.PlotID != want.PlotID {
			t.Errorf("row %d = %+v, want position %d of run %s", i, row, i, report.RunID)
		}
		if (row.IsCompliant == nil) != (want.Compliant == nil) {
			t.Errorf("row %d IsCompliant = %v, want %v", i, row.IsCompliant, want.Compliant)
		}
		if got := row.Result.Data(); got.Label != want.Label || len(got.Violations) != len(want.Violations) {
			t.Errorf("row %d result = %+v, want %+v", i, got, want)
		}
	}
}
