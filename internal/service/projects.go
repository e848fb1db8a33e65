package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
	"parcel-audit/internal/reference"
)

func (s *ParcelService) ListProjects(ctx context.Context) ([]parcel.ProjectListing, error) {
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes a project with its plots, deviations and
// compliance results.
func (s *ParcelService) DeleteProject(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("project_id", id.String()).Msg("project deleted")
	return nil
}

// ListAreas returns the named areas of a reference category.
func (s *ParcelService) ListAreas(ctx context.Context, category string, refresh bool) ([]reference.Area, error) {
	return s.reference.Areas(ctx, strings.TrimSpace(category), refresh)
}

// AreaPlots returns the reference plots of a named area.
func (s *ParcelService) AreaPlots(ctx context.Context, name, category string, refresh bool) (reference.Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return reference.Result{}, fmt.Errorf("%w: area name is required", model.ErrInvalidInput)
	}
	res, err := s.reference.Lookup(ctx, reference.Criteria{
		AreaName: name,
		Category: strings.TrimSpace(category),
		Refresh:  refresh,
	})
	if err != nil {
		return reference.Result{}, err
	}
	if !res.Found {
		return reference.Result{}, fmt.Errorf("%w: reference area %q", model.ErrNotFound, name)
	}
	return res, nil
}
