// Package reference resolves the official boundary and plot layout of an
// industrial area from the state GIS service.
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/store/go_cache/v4"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/metrics"
	"parcel-audit/internal/model"
	"parcel-audit/internal/utils"
)

// StrategyNotFound labels lookups that exhausted every strategy.
const StrategyNotFound = "not_found"

// BoundaryEntry is the persisted form of a successful lookup.
type BoundaryEntry struct {
	AreaName  string
	Category  string
	Strategy  string
	Payload   []byte
	FetchedAt time.Time
}

// BoundaryStore persists lookups keyed by area and category. Put
// overwrites an existing entry.
type BoundaryStore interface {
	GetBoundaryEntry(ctx context.Context, areaName, category string) (*BoundaryEntry, bool, error)
	PutBoundaryEntry(ctx context.Context, e BoundaryEntry) error
}

type Result struct {
	Found      bool
	Name       string
	Boundary   orb.Geometry
	Plots      []parcel.ReferencePlot
	LandBank   []orb.Geometry
	Strategy   string
	DataSource string
	Cached     bool
}

type Options struct {
	Catalog         []LayerSet
	DefaultCategory string
	LandBankLayer   string
	MemoryTTL       time.Duration
}

func DefaultOptions() Options {
	return Options{
		Catalog:         DefaultCatalog(),
		DefaultCategory: "industrial",
		LandBankLayer:   "csidc_land_bank_villages",
		MemoryTTL:       time.Hour,
	}
}

func (o Options) Validate() error {
	if len(o.Catalog) == 0 {
		return fmt.Errorf("%w: reference layer catalog is empty", model.ErrConfiguration)
	}
	found := false
	for _, ls := range o.Catalog {
		if ls.Category == "" || ls.BoundaryLayer == "" {
			return fmt.Errorf("%w: reference layer set needs a category and a boundary layer", model.ErrConfiguration)
		}
		if len(ls.NameKeys) == 0 {
			return fmt.Errorf("%w: reference layer set %q has no name keys", model.ErrConfiguration, ls.Category)
		}
		if ls.Category == o.DefaultCategory {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: default category %q is not in the catalog", model.ErrConfiguration, o.DefaultCategory)
	}
	return nil
}

type Client struct {
	source     FeatureSource
	strategies []Strategy
	store      BoundaryStore
	register   *Register
	memory     *cache.Cache[*Result]
	areas      *cache.Cache[[]Area]
	group      singleflight.Group
	opts       Options
	log        zerolog.Logger
}

// NewClient builds a client over src. store and register may be nil.
func NewClient(src FeatureSource, store BoundaryStore, register *Register, opts Options, log zerolog.Logger) *Client {
	ttl := opts.MemoryTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		source:     src,
		strategies: DefaultStrategies(src, opts.Catalog),
		store:      store,
		register:   register,
		memory:     cache.New[*Result](go_cache.NewGoCache(gocache.New(ttl, 2*ttl))),
		areas:      cache.New[[]Area](go_cache.NewGoCache(gocache.New(ttl, 2*ttl))),
		opts:       opts,
		log:        log.With().Str("component", "reference_client").Logger(),
	}
}

func (c *Client) normalize(cr Criteria) (Criteria, error) {
	cr.AreaName = strings.TrimSpace(cr.AreaName)
	cr.Category = strings.TrimSpace(cr.Category)
	if cr.Category == "" {
		cr.Category = c.opts.DefaultCategory
	}
	if cr.AreaName == "" && cr.BBox == nil {
		return cr, fmt.Errorf("%w: an area name or a bbox is required", model.ErrInvalidInput)
	}
	if cr.BBox != nil {
		if err := cr.BBox.Validate(); err != nil {
			return cr, err
		}
	}
	return cr, nil
}

func cacheKey(cr Criteria) (area, key string) {
	area = utils.CompactName(cr.AreaName)
	if area == "" {
		b := cr.BBox
		area = fmt.Sprintf("bbox:%.5f,%.5f,%.5f,%.5f", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
	}
	return area, area + "|" + cr.Category
}

// Lookup resolves an area. An area that no strategy can find is reported
// as Found=false with a nil error and is never cached.
func (c *Client) Lookup(ctx context.Context, cr Criteria) (Result, error) {
	cr, err := c.normalize(cr)
	if err != nil {
		return Result{}, err
	}
	area, key := cacheKey(cr)

	if !cr.Refresh {
		if res, ok := c.cached(ctx, area, cr.Category, key); ok {
			return *res, nil
		}
	}

	flightKey := key
	if cr.Refresh {
		flightKey += "|refresh"
	}
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		res, err := c.resolve(ctx, cr)
		if err != nil {
			return nil, err
		}
		if res.Found {
			c.save(ctx, area, cr.Category, key, res)
		}
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	return *v.(*Result), nil
}

func (c *Client) cached(ctx context.Context, area, category, key string) (*Result, bool) {
	if res, err := c.memory.Get(ctx, key); err == nil && res != nil {
		metrics.CacheLookups.WithLabelValues("reference", "memory_hit").Inc()
		return res, true
	}
	if c.store == nil {
		metrics.CacheLookups.WithLabelValues("reference", "miss").Inc()
		return nil, false
	}
	entry, ok, err := c.store.GetBoundaryEntry(ctx, area, category)
	if err != nil {
		c.log.Warn().Err(err).Str("area", area).Msg("boundary cache lookup failed")
	}
	if !ok || err != nil {
		metrics.CacheLookups.WithLabelValues("reference", "miss").Inc()
		return nil, false
	}
	res, err := decodeSnapshot(entry.Payload)
	if err != nil {
		c.log.Warn().Err(err).Str("area", area).Msg("cached boundary is unreadable")
		metrics.CacheLookups.WithLabelValues("reference", "miss").Inc()
		return nil, false
	}
	res.Cached = true
	_ = c.memory.Set(ctx, key, res)
	metrics.CacheLookups.WithLabelValues("reference", "store_hit").Inc()
	return res, true
}

func (c *Client) save(ctx context.Context, area, category, key string, res *Result) {
	_ = c.memory.Set(ctx, key, res)
	if c.store == nil {
		return
	}
	payload, err := encodeSnapshot(res)
	if err != nil {
		c.log.Warn().Err(err).Str("area", area).Msg("failed to encode boundary")
		return
	}
	entry := BoundaryEntry{
		AreaName:  area,
		Category:  category,
		Strategy:  res.Strategy,
		Payload:   payload,
		FetchedAt: time.Now().UTC(),
	}
	if err := c.store.PutBoundaryEntry(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("area", area).Msg("failed to store boundary")
	}
}

func (c *Client) resolve(ctx context.Context, cr Criteria) (*Result, error) {
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, ok, err := s.Attempt(ctx, cr)
		if err != nil {
			c.log.Warn().Err(err).Str("strategy", s.Name()).Str("area", cr.AreaName).Msg("reference strategy failed")
		}
		if !ok {
			continue
		}
		metrics.ReferenceLookups.WithLabelValues(s.Name()).Inc()
		c.log.Info().Str("strategy", s.Name()).Str("area", b.Name).Str("category", cr.Category).Msg("reference boundary resolved")
		return c.complete(ctx, cr, s.Name(), b), nil
	}
	metrics.ReferenceLookups.WithLabelValues(StrategyNotFound).Inc()
	c.log.Info().Str("area", cr.AreaName).Str("category", cr.Category).Msg("reference boundary not found")
	return &Result{Found: false, Strategy: StrategyNotFound, DataSource: parcel.DataSourceUnavailable}, nil
}

// complete attaches plots, register attributes and land-bank parcels to a
// resolved boundary. Failures here degrade the result instead of failing
// the lookup.
func (c *Client) complete(ctx context.Context, cr Criteria, strategy string, b Boundary) *Result {
	res := &Result{
		Found:      true,
		Name:       b.Name,
		Boundary:   b.Geometry,
		Strategy:   strategy,
		DataSource: parcel.DataSourceUnavailable,
	}

	features, method, err := fetchPlots(ctx, c.source, b)
	if err != nil {
		c.log.Warn().Err(err).Str("area", b.Name).Msg("reference plots unavailable")
	} else {
		res.Plots = toReferencePlots(features, b.Name)
		if len(res.Plots) > 0 {
			res.DataSource = parcel.DataSourceReference
		}
		c.log.Debug().Str("area", b.Name).Str("method", method).Int("plots", len(res.Plots)).Msg("reference plots fetched")
	}
	if c.register != nil && len(res.Plots) > 0 {
		if n := c.register.Enrich(res.Plots); n > 0 {
			res.DataSource = parcel.DataSourceRegister
			c.log.Debug().Str("area", b.Name).Int("enriched", n).Msg("allotment register applied")
		}
	}

	if c.opts.LandBankLayer != "" {
		res.LandBank = c.landBank(ctx, b.Geometry)
	}
	return res
}

func (c *Client) landBank(ctx context.Context, boundary orb.Geometry) []orb.Geometry {
	features, err := c.source.Features(ctx, c.opts.LandBankLayer, "")
	if err != nil {
		c.log.Warn().Err(err).Msg("land bank layer unavailable")
		return nil
	}
	area := geometry.BBoxOf(boundary)
	var out []orb.Geometry
	for _, f := range features {
		if geometry.BBoxOf(f.Geometry).Intersects(area) {
			out = append(out, f.Geometry)
		}
	}
	return out
}

type plotSnapshot struct {
	parcel.ReferencePlot
	Geometry *geojson.Geometry `json:"geometry"`
}

type snapshot struct {
	Name       string              `json:"name"`
	Strategy   string              `json:"strategy"`
	DataSource string              `json:"data_source"`
	Boundary   *geojson.Geometry   `json:"boundary"`
	Plots      []plotSnapshot      `json:"plots"`
	LandBank   []*geojson.Geometry `json:"land_bank,omitempty"`
}

func encodeSnapshot(res *Result) ([]byte, error) {
	s := snapshot{
		Name:       res.Name,
		Strategy:   res.Strategy,
		DataSource: res.DataSource,
		Boundary:   geojson.NewGeometry(res.Boundary),
		Plots:      make([]plotSnapshot, len(res.Plots)),
	}
	for i, p := range res.Plots {
		s.Plots[i] = plotSnapshot{ReferencePlot: p, Geometry: geojson.NewGeometry(p.Geometry)}
	}
	for _, g := range res.LandBank {
		s.LandBank = append(s.LandBank, geojson.NewGeometry(g))
	}
	return json.Marshal(s)
}

func decodeSnapshot(data []byte) (*Result, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Boundary == nil {
		return nil, fmt.Errorf("snapshot has no boundary")
	}
	res := &Result{
		Found:      true,
		Name:       s.Name,
		Boundary:   s.Boundary.Geometry(),
		Strategy:   s.Strategy,
		DataSource: s.DataSource,
		Plots:      make([]parcel.ReferencePlot, 0, len(s.Plots)),
	}
	for _, p := range s.Plots {
		rp := p.ReferencePlot
		if p.Geometry != nil {
			rp.Geometry = p.Geometry.Geometry()
		}
		res.Plots = append(res.Plots, rp)
	}
	for _, g := range s.LandBank {
		if g != nil {
			res.LandBank = append(res.LandBank, g.Geometry())
		}
	}
	return res, nil
}
