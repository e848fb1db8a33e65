package tiles

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/store/go_cache/v4"
	"github.com/paulmach/orb/maptile"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/metrics"
	"parcel-audit/internal/model"
	"parcel-audit/internal/storage"
	"parcel-audit/internal/utils"
)

// EntryStore persists composite descriptions by key.
type EntryStore interface {
	GetTileEntry(ctx context.Context, key string) (*Entry, bool, error)
	PutTileEntry(ctx context.Context, e Entry) error
}

type Options struct {
	TileSize     int
	MaxTiles     int
	FetchWorkers int
	Retry        utils.RetryPolicy
	MemoryTTL    time.Duration
}

func DefaultOptions() Options {
	return Options{
		TileSize:     256,
		MaxTiles:     400,
		FetchWorkers: 8,
		Retry: utils.RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		MemoryTTL: 30 * time.Minute,
	}
}

func (o Options) Validate() error {
	if o.TileSize <= 0 {
		return fmt.Errorf("%w: tile size must be positive", model.ErrConfiguration)
	}
	if o.MaxTiles <= 0 {
		return fmt.Errorf("%w: max tiles must be positive", model.ErrConfiguration)
	}
	if o.Retry.MaxRetries < 0 || o.Retry.BaseDelay < 0 {
		return fmt.Errorf("%w: retry budget must not be negative", model.ErrConfiguration)
	}
	return nil
}

// Cache serves stitched composites for a bbox and zoom. A composite is
// fetched at most once per key: concurrent requests share one fetch and
// later requests are served from memory or from the entry and blob
// stores. Partial composites are never stored.
type Cache struct {
	source  Source
	entries EntryStore
	blobs   storage.BlobStore
	memory  *cache.Cache[*Composite]
	group   singleflight.Group
	opts    Options
	log     zerolog.Logger
}

func NewCache(source Source, entries EntryStore, blobs storage.BlobStore, opts Options, log zerolog.Logger) *Cache {
	ttl := opts.MemoryTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	store := go_cache.NewGoCache(gocache.New(ttl, 2*ttl))
	return &Cache{
		source:  source,
		entries: entries,
		blobs:   blobs,
		memory:  cache.New[*Composite](store),
		opts:    opts,
		log:     log.With().Str("component", "tile_cache").Logger(),
	}
}

func (c *Cache) Composite(ctx context.Context, bbox geometry.BBox, zoom int) (*Composite, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	if zoom < 1 || zoom > 22 {
		return nil, fmt.Errorf("%w: zoom %d out of range", model.ErrInvalidInput, zoom)
	}
	if n := tileCount(bbox, zoom); n > c.opts.MaxTiles {
		return nil, fmt.Errorf("%w: bbox needs %d tiles at zoom %d, limit is %d", model.ErrInvalidInput, n, zoom, c.opts.MaxTiles)
	}

	key := Key(c.source.ID(), bbox, zoom)
	if comp, ok := c.lookup(ctx, key); ok {
		return comp, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		if comp, ok := c.lookup(ctx, key); ok {
			return comp, nil
		}
		comp, err := c.build(ctx, key, bbox, zoom)
		if err != nil {
			return nil, err
		}
		c.persist(ctx, comp)
		return comp, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug().Str("key", key).Msg("joined in-flight composite fetch")
	}
	return v.(*Composite), nil
}

func (c *Cache) lookup(ctx context.Context, key string) (*Composite, bool) {
	if comp, err := c.memory.Get(ctx, key); err == nil && comp != nil {
		metrics.CacheLookups.WithLabelValues("tiles", "memory_hit").Inc()
		return comp, true
	}
	if c.entries == nil || c.blobs == nil {
		metrics.CacheLookups.WithLabelValues("tiles", "miss").Inc()
		return nil, false
	}

	entry, ok, err := c.entries.GetTileEntry(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("tile entry lookup failed")
	}
	if !ok || err != nil {
		metrics.CacheLookups.WithLabelValues("tiles", "miss").Inc()
		return nil, false
	}
	data, err := c.blobs.Get(ctx, entry.BlobKey)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotFound) {
			c.log.Warn().Err(err).Str("key", key).Msg("composite blob read failed")
		}
		metrics.CacheLookups.WithLabelValues("tiles", "miss").Inc()
		return nil, false
	}
	img, err := decodeTIFF(data)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cached composite is unreadable")
		metrics.CacheLookups.WithLabelValues("tiles", "miss").Inc()
		return nil, false
	}

	comp := &Composite{
		Key:       entry.Key,
		Source:    entry.Source,
		Zoom:      entry.Zoom,
		Requested: entry.Requested,
		BBox:      entry.BBox,
		Transform: entry.Transform,
		Image:     img,
	}
	_ = c.memory.Set(ctx, key, comp)
	metrics.CacheLookups.WithLabelValues("tiles", "store_hit").Inc()
	return comp, true
}

func (c *Cache) build(ctx context.Context, key string, bbox geometry.BBox, zoom int) (*Composite, error) {
	tl, br := tileRange(bbox, zoom)
	cols, rows := int(br.X-tl.X+1), int(br.Y-tl.Y+1)
	size := c.opts.TileSize
	dst := image.NewRGBA(image.Rect(0, 0, cols*size, rows*size))

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.opts.FetchWorkers))
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			t := maptile.New(tl.X+uint32(col), tl.Y+uint32(row), tl.Z)
			g.Go(func() error {
				var img image.Image
				attempts, err := utils.Retry(gctx, c.opts.Retry, func(ctx context.Context) error {
					var ferr error
					img, ferr = c.source.Fetch(ctx, t)
					return ferr
				})
				if err != nil {
					return fmt.Errorf("%w: tile %d/%d/%d after %d attempts: %v", model.ErrFetch, t.Z, t.X, t.Y, attempts, err)
				}
				// slots are disjoint, so concurrent draws never overlap
				place(dst, img, col, row, size)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		c.log.Error().Err(err).Str("key", key).Int("tiles", cols*rows).Msg("composite fetch failed")
		return nil, err
	}

	actual := stitchedBBox(tl, br)
	c.log.Info().
		Str("key", key).
		Int("zoom", zoom).
		Int("tiles", cols*rows).
		Dur("elapsed", time.Since(started)).
		Msg("composite fetched")

	return &Composite{
		Key:       key,
		Source:    c.source.ID(),
		Zoom:      zoom,
		Requested: bbox,
		BBox:      actual,
		Transform: geometry.AffineFromBBox(actual, cols*size, rows*size),
		Image:     dst,
	}, nil
}

// persist stores the composite; failures are logged and the composite is
// still served from memory.
func (c *Cache) persist(ctx context.Context, comp *Composite) {
	_ = c.memory.Set(ctx, comp.Key, comp)
	if c.entries == nil || c.blobs == nil {
		return
	}
	data, err := encodeTIFF(comp.Image)
	if err != nil {
		c.log.Warn().Err(err).Str("key", comp.Key).Msg("failed to encode composite")
		return
	}
	bk := blobKey(comp.Key)
	if err := c.blobs.Put(ctx, bk, data, "image/tiff"); err != nil {
		c.log.Warn().Err(err).Str("key", comp.Key).Msg("failed to store composite blob")
		return
	}
	entry := Entry{
		Key:       comp.Key,
		Source:    comp.Source,
		Zoom:      comp.Zoom,
		Requested: comp.Requested,
		BBox:      comp.BBox,
		Width:     comp.Width(),
		Height:    comp.Height(),
		Transform: comp.Transform,
		BlobKey:   bk,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.entries.PutTileEntry(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("key", comp.Key).Msg("failed to store tile entry")
	}
}
