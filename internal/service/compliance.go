package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parcel-audit/internal/compliance"
	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
	"parcel-audit/internal/reference"
)

// RunCompliance checks the project's active plots for green cover and the
// construction deadline and replaces the project's compliance results.
// Missing imagery or reference data leaves the affected checks
// unevaluated instead of failing the run.
func (s *ParcelService) RunCompliance(ctx context.Context, projectID uuid.UUID, req parcel.ComplianceRequest) (*parcel.ComplianceReport, error) {
	start := time.Now()
	defer observe("compliance", start)

	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.ListPlots(ctx, projectID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list plots: %w", err)
	}
	var plots []parcel.Plot
	for _, p := range all {
		if p.Category == parcel.CategoryPlot {
			plots = append(plots, p)
		}
	}

	in := compliance.Input{
		Plots:             plots,
		CheckGreenCover:   req.GreenCover == nil || *req.GreenCover,
		CheckConstruction: req.Construction == nil || *req.Construction,
		Now:               s.now(),
	}
	opts := s.opts.Compliance
	report := &parcel.ComplianceReport{
		RunID:     uuid.New(),
		ProjectID: projectID,
		AreaName:  project.AreaName,
		Results:   []parcel.PlotCompliance{},
	}
	if len(plots) == 0 {
		report.Summary = compliance.Summarize(nil, opts)
		return report, nil
	}

	log := s.log.With().Str("project_id", projectID.String()).Logger()
	if project.AreaName != "" {
		bbox := project.BBox
		ref, err := s.reference.Lookup(ctx, reference.Criteria{
			AreaName: project.AreaName,
			Category: project.AreaCategory,
			BBox:     &bbox,
		})
		if err != nil {
			log.Warn().Err(err).Msg("reference lookup failed, construction check skipped")
		} else if ref.Found {
			in.Reference = ref.Plots
		}
	}

	if in.CheckGreenCover {
		in.Imagery, err = s.imagery.Composite(ctx, project.BBox, project.Zoom)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Msg("imagery unavailable, green cover skipped")
			in.Imagery = nil
		}
	}

	devs, err := s.repo.ListDeviations(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deviations: %w", err)
	}
	in.Matches = comparisonMatches(devs)

	report.Results, report.Summary = compliance.Evaluate(in, opts)
	report.CreatedAt = in.Now.UTC()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceCompliance(ctx, report); err != nil {
		log.Error().Err(err).Msg("failed to save compliance results")
		return nil, fmt.Errorf("failed to save compliance results: %w", err)
	}

	log.Info().
		Str("run_id", report.RunID.String()).
		Int("plots", report.Summary.TotalPlots).
		Int("fully_compliant", report.Summary.FullyCompliant).
		Int("non_compliant", report.Summary.NonCompliant).
		Int("unchecked", report.Summary.Unchecked).
		Msg("compliance run finished")
	return report, nil
}

// comparisonMatches pairs plots with the reference plots the latest
// comparison matched them to.
func comparisonMatches(devs []parcel.Deviation) map[uuid.UUID]string {
	out := make(map[uuid.UUID]string)
	for _, d := range devs {
		if d.PlotID == nil || d.ReferencePlotID == nil {
			continue
		}
		out[*d.PlotID] = *d.ReferencePlotID
	}
	return out
}

// Compliance returns the project's latest compliance results.
func (s *ParcelService) Compliance(ctx context.Context, projectID uuid.UUID) (*parcel.ComplianceReport, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	report, err := s.repo.LatestCompliance(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load compliance results: %w", err)
	}
	if report == nil {
		return nil, fmt.Errorf("%w: no compliance run for project %s", model.ErrNotFound, projectID)
	}
	return report, nil
}

// ComplianceSummary returns the summary of the latest run, or nil when
// the project was never checked.
func (s *ParcelService) ComplianceSummary(ctx context.Context, projectID uuid.UUID) (*parcel.ComplianceSummary, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	report, err := s.repo.LatestCompliance(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load compliance results: %w", err)
	}
	if report == nil {
		return nil, nil
	}
	return &report.Summary, nil
}
