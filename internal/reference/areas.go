package reference

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/metrics"
	"parcel-audit/internal/model"
	"parcel-audit/internal/utils"
)

// Area is one named outline of a boundary layer.
type Area struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	BBox     geometry.BBox `json:"bbox"`
}

// Areas lists the areas of category, or of every catalogued category when
// category is empty, sorted by category then name. Features sharing a
// name are merged. Listings are kept in memory; refresh refetches them.
func (c *Client) Areas(ctx context.Context, category string, refresh bool) ([]Area, error) {
	category = strings.TrimSpace(category)
	var sets []LayerSet
	for _, ls := range c.opts.Catalog {
		if category == "" || ls.Category == category {
			sets = append(sets, ls)
		}
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: unknown area category %q", model.ErrInvalidInput, category)
	}

	var out []Area
	for _, ls := range sets {
		areas, err := c.layerAreas(ctx, ls, refresh)
		if err != nil {
			return nil, err
		}
		out = append(out, areas...)
	}
	return out, nil
}

func (c *Client) layerAreas(ctx context.Context, ls LayerSet, refresh bool) ([]Area, error) {
	key := "areas|" + ls.Category
	if !refresh {
		if areas, err := c.areas.Get(ctx, key); err == nil {
			metrics.CacheLookups.WithLabelValues("areas", "memory_hit").Inc()
			return areas, nil
		}
		metrics.CacheLookups.WithLabelValues("areas", "miss").Inc()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		features, err := c.source.Features(ctx, ls.BoundaryLayer, "")
		if err != nil {
			return nil, err
		}
		byName := map[string]int{}
		var areas []Area
		for _, f := range features {
			name := f.String(ls.NameKeys...)
			if name == "" {
				continue
			}
			bbox := geometry.BBoxOf(f.Geometry)
			k := utils.CompactName(name)
			if i, ok := byName[k]; ok {
				areas[i].BBox = areas[i].BBox.Union(bbox)
				continue
			}
			byName[k] = len(areas)
			areas = append(areas, Area{Name: name, Category: ls.Category, BBox: bbox})
		}
		sort.Slice(areas, func(i, j int) bool { return areas[i].Name < areas[j].Name })
		_ = c.areas.Set(ctx, key, areas)
		c.log.Debug().Str("category", ls.Category).Int("areas", len(areas)).Msg("area listing fetched")
		return areas, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Area), nil
}
