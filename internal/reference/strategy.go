package reference

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/utils"
)

// LayerSet names the layers that describe one category of administrative
// area.
type LayerSet struct {
	Category      string   `mapstructure:"category"`
	BoundaryLayer string   `mapstructure:"boundary_layer"`
	PlotsLayer    string   `mapstructure:"plots_layer"`
	NameKeys      []string `mapstructure:"name_keys"`
	PlotAreaKeys  []string `mapstructure:"plot_area_keys"`
}

// DefaultCatalog mirrors the layer names published by the state GIS.
func DefaultCatalog() []LayerSet {
	return []LayerSet{
		{
			Category:      "industrial",
			BoundaryLayer: "csidc_industrial_area_outer_boundary",
			PlotsLayer:    "csidc_industrial_area_with_plots",
			NameKeys:      []string{"industri_1", "name", "ia_name"},
			PlotAreaKeys:  []string{"ia_name", "industri_1", "name"},
		},
		{
			Category:      "old_industrial",
			BoundaryLayer: "csidc_old_IA_outer_b",
			PlotsLayer:    "csidc_old_IA",
			NameKeys:      []string{"industrial", "name"},
			PlotAreaKeys:  []string{"industrial", "ia_name", "name"},
		},
		{
			Category:      "directorate",
			BoundaryLayer: "directoindustrialareaouterboundary",
			PlotsLayer:    "directoindustrialarea",
			NameKeys:      []string{"name", "directorate"},
			PlotAreaKeys:  []string{"name", "directorate", "ia_name"},
		},
	}
}

type Criteria struct {
	AreaName string
	Category string
	BBox     *geometry.BBox
	Refresh  bool
}

// Boundary is an area outline found by a strategy.
type Boundary struct {
	Name     string
	Geometry orb.Geometry
	Layers   LayerSet
}

// Strategy is one step of the lookup chain. ok is false when the strategy
// found nothing; err is reserved for transport failures.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, c Criteria) (Boundary, bool, error)
}

func boundaryFrom(features []Feature, name string, layers LayerSet) (Boundary, bool, error) {
	if len(features) == 0 {
		return Boundary{}, false, nil
	}
	parts := make([]orb.Geometry, 0, len(features))
	for _, f := range features {
		for _, p := range geometry.Polygons(f.Geometry) {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Boundary{}, false, nil
	}
	var g orb.Geometry = parts[0]
	if len(parts) > 1 {
		union, err := geometry.UnionAll(parts)
		if err != nil {
			return Boundary{}, false, err
		}
		g = union
	}
	if name == "" {
		name = features[0].String(layers.NameKeys...)
	}
	return Boundary{Name: name, Geometry: g, Layers: layers}, true, nil
}

// ExactName asks the service for features whose name column equals the
// requested name.
type ExactName struct {
	Source  FeatureSource
	Catalog map[string]LayerSet
}

func (s ExactName) Name() string { return "exact_name" }

func (s ExactName) Attempt(ctx context.Context, c Criteria) (Boundary, bool, error) {
	layers, ok := s.Catalog[c.Category]
	if !ok || strings.TrimSpace(c.AreaName) == "" {
		return Boundary{}, false, nil
	}
	var lastErr error
	for _, key := range layers.NameKeys {
		features, err := s.Source.Features(ctx, layers.BoundaryLayer, eqFilter(key, strings.TrimSpace(c.AreaName)))
		if err != nil {
			lastErr = err
			continue
		}
		if len(features) > 0 {
			return boundaryFrom(features, strings.TrimSpace(c.AreaName), layers)
		}
	}
	return Boundary{}, false, lastErr
}

// FuzzyName scans the whole boundary layer and compares names ignoring
// case, punctuation and spacing.
type FuzzyName struct {
	Source  FeatureSource
	Catalog map[string]LayerSet
}

func (s FuzzyName) Name() string { return "fuzzy_name" }

func (s FuzzyName) Attempt(ctx context.Context, c Criteria) (Boundary, bool, error) {
	layers, ok := s.Catalog[c.Category]
	if !ok || strings.TrimSpace(c.AreaName) == "" {
		return Boundary{}, false, nil
	}
	return fuzzyOnLayer(ctx, s.Source, layers, c.AreaName)
}

func fuzzyOnLayer(ctx context.Context, src FeatureSource, layers LayerSet, area string) (Boundary, bool, error) {
	features, err := src.Features(ctx, layers.BoundaryLayer, "")
	if err != nil {
		return Boundary{}, false, err
	}
	want := utils.CompactName(area)
	var exact, partial []Feature
	for _, f := range features {
		name := f.String(layers.NameKeys...)
		switch {
		case utils.CompactName(name) == want:
			exact = append(exact, f)
		case utils.FuzzyNameMatch(name, area):
			partial = append(partial, f)
		}
	}
	if len(exact) > 0 {
		return boundaryFrom(exact, "", layers)
	}
	if len(partial) == 1 {
		return boundaryFrom(partial, "", layers)
	}
	// several partial matches are ambiguous; let later strategies decide
	return Boundary{}, false, nil
}

// SpatialBBox picks the boundary feature that overlaps the project bbox
// the most.
type SpatialBBox struct {
	Source  FeatureSource
	Catalog map[string]LayerSet
}

func (s SpatialBBox) Name() string { return "spatial_bbox" }

func (s SpatialBBox) Attempt(ctx context.Context, c Criteria) (Boundary, bool, error) {
	layers, ok := s.Catalog[c.Category]
	if !ok || c.BBox == nil {
		return Boundary{}, false, nil
	}
	features, err := s.Source.Features(ctx, layers.BoundaryLayer, "")
	if err != nil {
		return Boundary{}, false, err
	}
	target := latLngRect(*c.BBox)
	var (
		best     *Feature
		bestArea float64
	)
	for i := range features {
		r := latLngRect(geometry.BBoxOf(features[i].Geometry))
		if !r.Intersects(target) {
			continue
		}
		if a := r.Intersection(target).Area(); a > bestArea {
			best, bestArea = &features[i], a
		}
	}
	if best == nil {
		return Boundary{}, false, nil
	}
	return boundaryFrom([]Feature{*best}, "", layers)
}

func latLngRect(b geometry.BBox) s2.Rect {
	r := s2.RectFromLatLng(s2.LatLngFromDegrees(b.MinLat, b.MinLon))
	return r.AddPoint(s2.LatLngFromDegrees(b.MaxLat, b.MaxLon))
}

// LegacyLayer searches the boundary layers of the other categories, for
// areas that were catalogued under an older scheme.
type LegacyLayer struct {
	Source  FeatureSource
	Catalog []LayerSet
}

func (s LegacyLayer) Name() string { return "legacy_layer" }

func (s LegacyLayer) Attempt(ctx context.Context, c Criteria) (Boundary, bool, error) {
	if strings.TrimSpace(c.AreaName) == "" {
		return Boundary{}, false, nil
	}
	var errs []string
	for _, layers := range s.Catalog {
		if layers.Category == c.Category {
			continue
		}
		b, ok, err := fuzzyOnLayer(ctx, s.Source, layers, c.AreaName)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if ok {
			return b, true, nil
		}
	}
	if len(errs) > 0 {
		return Boundary{}, false, fmt.Errorf("legacy layers: %s", strings.Join(errs, "; "))
	}
	return Boundary{}, false, nil
}

// DefaultStrategies builds the lookup chain in priority order.
func DefaultStrategies(src FeatureSource, catalog []LayerSet) []Strategy {
	byCategory := make(map[string]LayerSet, len(catalog))
	for _, ls := range catalog {
		byCategory[ls.Category] = ls
	}
	return []Strategy{
		ExactName{Source: src, Catalog: byCategory},
		FuzzyName{Source: src, Catalog: byCategory},
		SpatialBBox{Source: src, Catalog: byCategory},
		LegacyLayer{Source: src, Catalog: catalog},
	}
}
