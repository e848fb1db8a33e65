package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parcel-audit/internal/compare"
	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/reference"
)

// Compare reconciles the project's active plots with the reference plots
// of its area and replaces the project's deviation set. Without reference
// data the run is recorded with data source "unavailable" and no
// deviations.
func (s *ParcelService) Compare(ctx context.Context, projectID uuid.UUID) (*parcel.CompareResult, error) {
	start := time.Now()
	defer observe("compare", start)

	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	plots, err := s.repo.ListPlots(ctx, projectID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list plots: %w", err)
	}
	bbox := project.BBox
	ref, err := s.reference.Lookup(ctx, reference.Criteria{
		AreaName: project.AreaName,
		Category: project.AreaCategory,
		BBox:     &bbox,
	})
	if err != nil {
		return nil, err
	}

	var detected []compare.Candidate
	for _, p := range plots {
		if p.Category != parcel.CategoryPlot {
			continue
		}
		detected = append(detected, compare.Candidate{ID: p.ID.String(), Name: p.Label, Geometry: p.Geometry})
	}

	runID := uuid.New()
	result := &parcel.CompareResult{RunID: runID}
	if !ref.Found {
		result.Summary = parcel.ComparisonSummary{
			TotalDetected:     len(detected),
			UnmatchedDetected: len(detected),
			DataSource:        parcel.DataSourceUnavailable,
		}
		s.log.Warn().
			Str("project_id", projectID.String()).
			Str("area", project.AreaName).
			Msg("no reference data, comparison recorded as unavailable")
	} else {
		var refs []compare.Candidate
		for _, rp := range ref.Plots {
			// only plots the project's imagery covers can be judged
			if !bbox.Contains(rp.Centroid) {
				continue
			}
			name := rp.Name
			if name == "" {
				name = rp.ID
			}
			refs = append(refs, compare.Candidate{ID: rp.ID, Name: name, Geometry: rp.Geometry})
		}

		res := compare.Compare(detected, refs, ref.LandBank, s.opts.Compare)
		if res.Skipped > 0 {
			s.log.Warn().Int("skipped", res.Skipped).Msg("candidates with unusable geometry skipped")
		}
		now := time.Now().UTC()
		for _, f := range res.Findings {
			result.Deviations = append(result.Deviations, toDeviation(f, projectID, runID, now))
		}
		result.Summary = res.Summary
		result.Summary.DataSource = ref.DataSource
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceDeviations(ctx, projectID, runID, result.Deviations, result.Summary); err != nil {
		s.log.Error().Err(err).Str("project_id", projectID.String()).Msg("failed to save deviations")
		return nil, fmt.Errorf("failed to save deviations: %w", err)
	}

	s.log.Info().
		Str("project_id", projectID.String()).
		Str("run_id", runID.String()).
		Int("deviations", len(result.Deviations)).
		Int("unmatched_detected", result.Summary.UnmatchedDetected).
		Int("unmatched_reference", result.Summary.UnmatchedReference).
		Str("data_source", result.Summary.DataSource).
		Msg("comparison finished")

	return result, nil
}

func toDeviation(f compare.Finding, projectID, runID uuid.UUID, now time.Time) parcel.Deviation {
	d := parcel.Deviation{
		ID:          uuid.New(),
		ProjectID:   projectID,
		RunID:       runID,
		Type:        f.Type,
		Severity:    f.Severity,
		Geometry:    f.Geometry,
		AreaSQM:     f.AreaSQM,
		Description: f.Description,
		Details:     f.Details,
		CreatedAt:   now,
	}
	if id, err := uuid.Parse(f.DetectedID); err == nil {
		d.PlotID = &id
	}
	if f.ReferenceID != "" {
		ref := f.ReferenceID
		d.ReferencePlotID = &ref
	}
	return d
}

// Deviations returns the project's current deviation set and the summary
// of the run that produced it.
func (s *ParcelService) Deviations(ctx context.Context, projectID uuid.UUID) (*parcel.CompareResult, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	devs, err := s.repo.ListDeviations(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deviations: %w", err)
	}
	summary, runID, err := s.repo.LatestSummary(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load comparison summary: %w", err)
	}
	out := &parcel.CompareResult{RunID: runID, Deviations: devs}
	if summary != nil {
		out.Summary = *summary
	}
	return out, nil
}
