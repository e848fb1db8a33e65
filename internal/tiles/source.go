package tiles

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
	_ "golang.org/x/image/webp"
	"golang.org/x/time/rate"

	"parcel-audit/internal/metrics"
	"parcel-audit/internal/utils"
)

// Source returns the raster for one tile.
type Source interface {
	ID() string
	Fetch(ctx context.Context, t maptile.Tile) (image.Image, error)
}

type HTTPSourceOptions struct {
	URLTemplate  string
	Timeout      time.Duration
	RatePerSec   float64
	UserAgent    string
	MaxTileBytes int64
}

// HTTPSource requests tiles from an XYZ endpoint such as
// https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}.
type HTTPSource struct {
	opts    HTTPSourceOptions
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "parcel-audit/1.0"
	}
	if opts.MaxTileBytes <= 0 {
		opts.MaxTileBytes = 8 << 20
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &HTTPSource{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, max(1, int(opts.RatePerSec))),
	}
}

func (s *HTTPSource) ID() string { return s.opts.URLTemplate }

func (s *HTTPSource) url(t maptile.Tile) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(int(t.Z)),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
	).Replace(s.opts.URLTemplate)
}

func (s *HTTPSource) Fetch(ctx context.Context, t maptile.Tile) (image.Image, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(t), nil)
	if err != nil {
		return nil, utils.Permanent(err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.TileFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.TileFetches.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		err := fmt.Errorf("tile %d/%d/%d: status %d", t.Z, t.X, t.Y, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, utils.Permanent(err)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, s.opts.MaxTileBytes))
	if err != nil {
		metrics.TileFetches.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("tile %d/%d/%d: decode: %w", t.Z, t.X, t.Y, err)
	}
	metrics.TileFetches.WithLabelValues("ok").Inc()
	return img, nil
}
