package reference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
	"parcel-audit/internal/utils"
)

// Feature is one record of a cadastral layer.
type Feature struct {
	ID         string
	Properties map[string]any
	Geometry   orb.Geometry
}

// String returns the first non-empty property among keys.
func (f Feature) String(keys ...string) string {
	for _, k := range keys {
		if v, ok := f.Properties[k]; ok && v != nil {
			s := strings.TrimSpace(fmt.Sprint(v))
			if s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ""
}

// FeatureSource queries a cadastral layer. An empty filter returns the
// whole layer.
type FeatureSource interface {
	Features(ctx context.Context, layer, filter string) ([]Feature, error)
}

type GISOptions struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
	Retry      utils.RetryPolicy
}

// GISClient talks to the state GIS service: POST {layerName, filter} to
// the base URL, or to /block when a filter is present.
type GISClient struct {
	opts    GISOptions
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewGISClient(opts GISOptions, log zerolog.Logger) *GISClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &GISClient{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With().Str("component", "gis_client").Logger(),
	}
}

type layerRequest struct {
	LayerName string `json:"layerName"`
	Filter    string `json:"filter,omitempty"`
}

type rawFeature struct {
	ID         any             `json:"id"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

func (c *GISClient) Features(ctx context.Context, layer, filter string) ([]Feature, error) {
	if c.opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: reference service url is not set", model.ErrFetch)
	}
	endpoint := strings.TrimRight(c.opts.BaseURL, "/")
	if filter != "" {
		endpoint += "/block"
	}
	payload, err := json.Marshal(layerRequest{LayerName: layer, Filter: filter})
	if err != nil {
		return nil, err
	}

	var body []byte
	attempts, err := utils.Retry(ctx, c.opts.Retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return utils.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return utils.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.Token != "" {
			req.Header.Set("Authorization", c.opts.Token)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return utils.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: layer %s after %d attempts: %v", model.ErrFetch, layer, attempts, err)
	}

	raws, err := decodeFeatures(body)
	if err != nil {
		return nil, fmt.Errorf("%w: layer %s: %v", model.ErrFetch, layer, err)
	}
	features := make([]Feature, 0, len(raws))
	for i, rf := range raws {
		if len(rf.Geometry) == 0 || string(rf.Geometry) == "null" {
			continue
		}
		g, err := geometry.ParseLenient(rf.Geometry)
		if err != nil {
			c.log.Debug().Err(err).Str("layer", layer).Int("index", i).Msg("skipping feature with invalid geometry")
			continue
		}
		id := ""
		if rf.ID != nil {
			id = fmt.Sprint(rf.ID)
		}
		if rf.Properties == nil {
			rf.Properties = map[string]any{}
		}
		features = append(features, Feature{ID: id, Properties: rf.Properties, Geometry: g})
	}
	return features, nil
}

// decodeFeatures accepts a FeatureCollection or a bare list of features.
func decodeFeatures(body []byte) ([]rawFeature, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []rawFeature
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var fc struct {
		Features []rawFeature `json:"features"`
	}
	if err := json.Unmarshal(trimmed, &fc); err != nil {
		return nil, err
	}
	return fc.Features, nil
}

// eqFilter builds a server-side equality filter.
func eqFilter(key, value string) string {
	return fmt.Sprintf("%s='%s'", key, strings.ReplaceAll(value, "'", "''"))
}
