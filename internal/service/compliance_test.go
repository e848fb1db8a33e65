package service

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parcel-audit/internal/compliance"
	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/tiles"
)

func paint(comp *tiles.Composite, r pixRect, c color.RGBA) {
	img := comp.Image
	for y := r.y0; y < r.y1; y++ {
		for x := r.x0; x < r.x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func TestRunCompliance(t *testing.T) {
	comp := testComposite()
	paint(comp, northRect, color.RGBA{R: 60, G: 140, B: 50, A: 255})
	repo := newFakeRepo()
	project, plots := seedProject(repo, comp, northRect, southRect)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	allotted := now.AddDate(-5, 0, 0)
	r1 := refPlot("R1", lonLatRect(comp, northRect))
	r1.Name = "Sector A"
	r1.StatusText = "No construction activity"
	r1.AllotmentDate = &allotted
	ref := fakeReference{result: reference.Result{Found: true, Plots: []parcel.ReferencePlot{r1}}}
	r1ID := "R1"
	repo.deviations[project.ID] = []parcel.Deviation{{PlotID: &plots[0].ID, ReferencePlotID: &r1ID}}

	svc := newTestService(repo, comp, ref, &fakeMasks{})
	svc.now = func() time.Time { return now }

	report, err := svc.RunCompliance(context.Background(), project.ID, parcel.ComplianceRequest{})
	if err != nil {
		t.Fatalf("RunCompliance() error = %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(report.Results))
	}

	north, south := report.Results[0], report.Results[1]
	if north.GreenCompliant == nil || !*north.GreenCompliant {
		t.Errorf("north GreenCompliant = %v, want true", north.GreenCompliant)
	}
	if north.MatchMethod != compliance.MatchComparison || north.ConstructionCompliant == nil || *north.ConstructionCompliant {
		t.Errorf("north = %s match, construction %v; want a comparison match failing the deadline", north.MatchMethod, north.ConstructionCompliant)
	}
	if south.GreenCompliant == nil || *south.GreenCompliant {
		t.Errorf("south GreenCompliant = %v, want false", south.GreenCompliant)
	}
	if south.ConstructionCompliant != nil {
		t.Errorf("south ConstructionCompliant = %v, want unevaluated", *south.ConstructionCompliant)
	}

	s := report.Summary
	if s.TotalPlots != 2 || s.NonCompliant != 2 || s.Construction.Checked != 1 || s.GreenCover.Checked != 2 {
		t.Errorf("summary = %+v, want 2 non-compliant plots, 2 green checks and 1 construction check", s)
	}
	if !report.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", report.CreatedAt, now)
	}

	stored, err := svc.Compliance(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Compliance() error = %v", err)
	}
	if stored.RunID != report.RunID {
		t.Errorf("stored RunID = %v, want %v", stored.RunID, report.RunID)
	}
	summary, err := svc.ComplianceSummary(context.Background(), project.ID)
	if err != nil || summary == nil || summary.NonCompliant != 2 {
		t.Errorf("ComplianceSummary() = %+v, %v; want 2 non-compliant", summary, err)
	}
}

func TestRunComplianceDegrades(t *testing.T) {
	tests := []struct {
		name      string
		imagery   fakeImagery
		reference fakeReference
		req       parcel.ComplianceRequest
		wantGreen int
	}{
		{
			name:      "imagery unavailable",
			imagery:   fakeImagery{err: model.ErrFetch},
			reference: fakeReference{},
			wantGreen: 0,
		},
		{
			name:      "reference lookup fails",
			reference: fakeReference{err: model.ErrFetch},
			wantGreen: 2,
		},
		{
			name:      "green cover disabled",
			reference: fakeReference{},
			req:       parcel.ComplianceRequest{GreenCover: new(bool)},
			wantGreen: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := testComposite()
			repo := newFakeRepo()
			project, _ := seedProject(repo, comp, northRect, southRect)
			imagery := tt.imagery
			if imagery.err == nil {
				imagery.comp = comp
			}
			svc := NewParcelService(repo, imagery, tt.reference, &fakeMasks{}, DefaultOptions(), zerolog.Nop())

			report, err := svc.RunCompliance(context.Background(), project.ID, tt.req)
			if err != nil {
				t.Fatalf("RunCompliance() error = %v", err)
			}
			if got := report.Summary.GreenCover.Checked; got != tt.wantGreen {
				t.Errorf("GreenCover.Checked = %d, want %d", got, tt.wantGreen)
			}
			if got := report.Summary.Construction.Checked; got != 0 {
				t.Errorf("Construction.Checked = %d, want 0", got)
			}
			if _, ok := repo.compliance[project.ID]; !ok {
				t.Errorf("RunCompliance() did not persist the run")
			}
		})
	}
}

func TestRunComplianceWithoutPlots(t *testing.T) {
	repo := newFakeRepo()
	project := parcel.Project{ID: uuid.New(), Name: "Empty", BBox: testBBox, Zoom: 18}
	repo.projects[project.ID] = project
	svc := newTestService(repo, testComposite(), fakeReference{}, &fakeMasks{})

	report, err := svc.RunCompliance(context.Background(), project.ID, parcel.ComplianceRequest{})
	if err != nil {
		t.Fatalf("RunCompliance() error = %v", err)
	}
	if len(report.Results) != 0 || report.Summary.TotalPlots != 0 {
		t.Errorf("report = %+v, want no results", report)
	}
	if _, ok := repo.compliance[project.ID]; ok {
		t.Errorf("an empty run was persisted")
	}
	if _, err := svc.Compliance(context.Background(), project.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Compliance() error = %v, want ErrNotFound", err)
	}
	summary, err := svc.ComplianceSummary(context.Background(), project.ID)
	if err != nil || summary != nil {
		t.Errorf("ComplianceSummary() = %v, %v; want nil, nil", summary, err)
	}
}

func TestProjectsAndAreas(t *testing.T) {
	comp := testComposite()
	repo := newFakeRepo()
	project, _ := seedProject(repo, comp, northRect, southRect)
	ref := fakeReference{
		result: reference.Result{Found: true, Name: "Urla", Plots: []parcel.ReferencePlot{refPlot("R1", lonLatRect(comp, northRect))}},
		areas:  []reference.Area{{Name: "Siltara", Category: "industrial"}, {Name: "Urla", Category: "industrial"}},
	}
	svc := newTestService(repo, comp, ref, &fakeMasks{})
	ctx := context.Background()

	projects, err := svc.ListProjects(ctx)
	if err != nil || len(projects) != 1 || projects[0].PlotCount != 2 {
		t.Fatalf("ListProjects() = %+v, %v; want one project with 2 plots", projects, err)
	}

	areas, err := svc.ListAreas(ctx, "industrial", false)
	if err != nil || len(areas) != 2 {
		t.Errorf("ListAreas() = %v, %v; want 2 areas", areas, err)
	}
	if _, err := svc.ListAreas(ctx, "nowhere", false); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("ListAreas(nowhere) error = %v, want ErrInvalidInput", err)
	}

	res, err := svc.AreaPlots(ctx, "Urla", "", false)
	if err != nil || len(res.Plots) != 1 {
		t.Errorf("AreaPlots() = %d plots, %v; want 1", len(res.Plots), err)
	}
	if _, err := svc.AreaPlots(ctx, " ", "", false); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("AreaPlots(blank) error = %v, want ErrInvalidInput", err)
	}
	missing := newTestService(repo, comp, fakeReference{}, &fakeMasks{})
	if _, err := missing.AreaPlots(ctx, "Nowhere", "", false); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("AreaPlots(unknown) error = %v, want ErrNotFound", err)
	}

	if err := svc.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if _, err := svc.GetProject(ctx, project.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetProject() after delete error = %v, want ErrNotFound", err)
	}
	if err := svc.DeleteProject(ctx, project.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second DeleteProject() error = %v, want ErrNotFound", err)
	}
}
