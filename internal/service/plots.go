package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func (s *ParcelService) GetProject(ctx context.Context, id uuid.UUID) (*parcel.Project, error) {
	return s.repo.GetProject(ctx, id)
}

func (s *ParcelService) ListPlots(ctx context.Context, projectID uuid.UUID, includeInactive bool) ([]parcel.Plot, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListPlots(ctx, projectID, includeInactive)
}

// UpdatePlot applies a partial edit. A new geometry is validated and
// remeasured and marks the plot as manually drawn. A category change
// resets the color unless the edit sets one.
func (s *ParcelService) UpdatePlot(ctx context.Context, id uuid.UUID, upd parcel.PlotUpdate) (*parcel.Plot, error) {
	p, err := s.repo.GetPlot(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: plot %s is deleted", model.ErrNotFound, id)
	}

	if upd.Label != nil {
		label := strings.TrimSpace(*upd.Label)
		if label == "" {
			return nil, fmt.Errorf("%w: label cannot be empty", model.ErrInvalidInput)
		}
		p.Label = label
	}
	if upd.Category != nil {
		if !upd.Category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", model.ErrInvalidInput, *upd.Category)
		}
		if *upd.Category != p.Category {
			p.Category = *upd.Category
			p.Color = p.Category.Color()
		}
	}
	if upd.Color != nil {
		if !hexColor.MatchString(*upd.Color) {
			return nil, fmt.Errorf("%w: color must be #rrggbb", model.ErrInvalidInput)
		}
		p.Color = strings.ToLower(*upd.Color)
	}
	if len(upd.Geometry) > 0 {
		poly, err := parsePlotGeometry(upd.Geometry)
		if err != nil {
			return nil, err
		}
		p.SetGeometry(poly)
		p.Source = parcel.PlotSourceManual
	}

	if err := s.repo.UpdatePlot(ctx, p); err != nil {
		s.log.Error().Err(err).Str("plot_id", id.String()).Msg("failed to update plot")
		return nil, err
	}
	s.log.Info().Str("plot_id", id.String()).Str("label", p.Label).Msg("plot updated")
	return p, nil
}

func parsePlotGeometry(raw []byte) (orb.Polygon, error) {
	g, err := geometry.ParseLenient(raw)
	if err != nil {
		return nil, err
	}
	poly, ok := g.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("%w: plot geometry must be a Polygon, got %s", model.ErrInvalidInput, g.GeoJSONType())
	}
	if !geometry.IsValid(poly) {
		return nil, fmt.Errorf("%w: plot geometry is not a valid polygon", model.ErrInvalidInput)
	}
	return poly, nil
}

// DeletePlot deactivates a plot. It stays in the database and drops out of
// listings and comparisons.
func (s *ParcelService) DeletePlot(ctx context.Context, id uuid.UUID) error {
	p, err := s.repo.GetPlot(ctx, id)
	if err != nil {
		return err
	}
	if !p.Active {
		return nil
	}
	p.Active = false
	if err := s.repo.UpdatePlot(ctx, p); err != nil {
		return err
	}
	s.log.Info().Str("plot_id", id.String()).Msg("plot deactivated")
	return nil
}
