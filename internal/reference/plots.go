package reference

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/utils"
)

var (
	plotNameKeys   = []string{"plot_no", "plot_name", "kh_no", "plot_num", "name"}
	allotteeKeys   = []string{"allottee", "ALLOTTEE", "allottee_name", "allottee_n", "firm_name", "FIRM_NAME", "allotmentr"}
	statusKeys     = []string{"status_inf", "status_from_csidc", "status", "allot_status"}
	allotDateKeys  = []string{"allotment_date", "allot_date", "date_of_allotment", "allotment_dt"}
	allotDateForms = []string{"2006-01-02", "02-01-2006", "02/01/2006", "2006/01/02", "02.01.2006"}
)

// fetchPlots loads the plots of an area. The server-side filter is tried
// first for each area key; when it yields nothing the whole layer is
// fetched and filtered by name, then by centroid inside the boundary.
func fetchPlots(ctx context.Context, src FeatureSource, b Boundary) ([]Feature, string, error) {
	layers := b.Layers
	if layers.PlotsLayer == "" {
		return nil, "", nil
	}
	for _, key := range layers.PlotAreaKeys {
		features, err := src.Features(ctx, layers.PlotsLayer, eqFilter(key, b.Name))
		if err == nil && len(features) > 0 {
			return features, "server_filter", nil
		}
	}

	all, err := src.Features(ctx, layers.PlotsLayer, "")
	if err != nil {
		return nil, "", err
	}
	var byName []Feature
	for _, f := range all {
		if utils.FuzzyNameMatch(f.String(layers.PlotAreaKeys...), b.Name) {
			byName = append(byName, f)
		}
	}
	if len(byName) > 0 {
		return byName, "name_match", nil
	}

	polys := geometry.Polygons(b.Geometry)
	var inside []Feature
	for _, f := range all {
		c, ok := featureCentroid(f.Geometry)
		if !ok {
			continue
		}
		for _, p := range polys {
			if planar.PolygonContains(p, c) {
				inside = append(inside, f)
				break
			}
		}
	}
	return inside, "centroid_within", nil
}

func featureCentroid(g orb.Geometry) (orb.Point, bool) {
	p, ok := geometry.Largest(g)
	if !ok {
		return orb.Point{}, false
	}
	return geometry.Centroid(p), true
}

// toReferencePlots converts plot features into reference plots ordered by
// id. Plots without a usable name are numbered.
func toReferencePlots(features []Feature, areaName string) []parcel.ReferencePlot {
	plots := make([]parcel.ReferencePlot, 0, len(features))
	seen := map[string]int{}
	for i, f := range features {
		poly, ok := geometry.Largest(f.Geometry)
		if !ok {
			continue
		}
		name := f.String(plotNameKeys...)
		if name == "" {
			name = fmt.Sprintf("Plot-%d", i+1)
		}
		id := f.ID
		if id == "" {
			id = utils.CompactName(areaName) + ":" + name
		}
		if n := seen[id]; n > 0 {
			id = fmt.Sprintf("%s#%d", id, n+1)
		}
		seen[id]++

		rp := parcel.ReferencePlot{
			ID:         id,
			AreaName:   areaName,
			Name:       name,
			Geometry:   f.Geometry,
			Allottee:   f.String(allotteeKeys...),
			Status:     NormalizeStatus(f.String(statusKeys...)),
			StatusText: f.String(statusKeys...),
			Centroid:   geometry.Centroid(poly),
			DataSource: parcel.DataSourceReference,
			Properties: f.Properties,
		}
		if d, ok := parseDate(f.String(allotDateKeys...)); ok {
			rp.AllotmentDate = &d
		}
		plots = append(plots, rp)
	}
	sort.SliceStable(plots, func(i, j int) bool { return plots[i].ID < plots[j].ID })
	return plots
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// drop a trailing time component
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	for _, layout := range allotDateForms {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
