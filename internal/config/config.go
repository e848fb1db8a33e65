package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"parcel-audit/internal/classify"
	"parcel-audit/internal/compare"
	"parcel-audit/internal/compliance"
	"parcel-audit/internal/model"
	"parcel-audit/internal/postprocess"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/refine"
	"parcel-audit/internal/segmentation"
	"parcel-audit/internal/storage"
	"parcel-audit/internal/tiles"
	"parcel-audit/internal/utils"
	"parcel-audit/internal/vectorize"
)

const defaultTileSource = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	AccessSecret string
}

type TilesConfig struct {
	Source      tiles.HTTPSourceOptions
	Cache       tiles.Options
	DefaultZoom int
	CacheDir    string
	S3          storage.S3Config
}

type ReferenceConfig struct {
	GIS          reference.GISOptions
	Client       reference.Options
	RegisterPath string
}

type SegmentationConfig struct {
	HTTP       segmentation.HTTPOptions
	Dispatcher segmentation.DispatcherOptions
	Guided     segmentation.GuidedOptions
}

type PipelineConfig struct {
	Vectorize     vectorize.Options
	Refine        refine.Options
	Classify      classify.Thresholds
	Postprocess   postprocess.Options
	Compare       compare.Options
	Compliance    compliance.Options
	RefineWorkers int
}

type Config struct {
	Environment  string
	HTTP         HTTPConfig
	DB           DBConfig
	Auth         AuthConfig
	Tiles        TilesConfig
	Reference    ReferenceConfig
	Segmentation SegmentationConfig
	Pipeline     PipelineConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.DB.MaxOpenConns == 0 {
		cfg.DB.MaxOpenConns = 10
	}
	if cfg.DB.MaxIdleConns == 0 {
		cfg.DB.MaxIdleConns = 5
	}
	if cfg.DB.ConnMaxLifetime == 0 {
		cfg.DB.ConnMaxLifetime = 30 * time.Minute
	}

	loadTiles(v, cfg)
	if err := loadReference(v, cfg); err != nil {
		return nil, err
	}
	loadSegmentation(v, cfg)
	if err := loadPipeline(v, cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadTiles(v *viper.Viper, cfg *Config) {
	t := &cfg.Tiles
	t.Source = tiles.HTTPSourceOptions{
		URLTemplate: stringOr(v, "TILE_SOURCE_URL", defaultTileSource),
		Timeout:     durationOr(v, "TILE_TIMEOUT", 30*time.Second),
		RatePerSec:  floatOr(v, "TILE_RATE_PER_SECOND", 8),
	}
	t.Cache = tiles.DefaultOptions()
	t.Cache.MaxTiles = intOr(v, "TILE_MAX_TILES", t.Cache.MaxTiles)
	t.Cache.Retry = utils.RetryPolicy{
		MaxRetries: intOr(v, "TILE_MAX_RETRIES", t.Cache.Retry.MaxRetries),
		BaseDelay:  durationOr(v, "TILE_BACKOFF_BASE", t.Cache.Retry.BaseDelay),
		MaxDelay:   durationOr(v, "TILE_BACKOFF_MAX", t.Cache.Retry.MaxDelay),
	}
	t.DefaultZoom = intOr(v, "TILE_DEFAULT_ZOOM", 18)
	t.CacheDir = stringOr(v, "TILE_CACHE_DIR", "./data/tiles")
	t.S3 = storage.S3Config{
		Endpoint:  v.GetString("TILE_S3_ENDPOINT"),
		AccessKey: v.GetString("TILE_S3_ACCESS_KEY"),
		SecretKey: v.GetString("TILE_S3_SECRET_KEY"),
		Bucket:    v.GetString("TILE_S3_BUCKET"),
		Region:    v.GetString("TILE_S3_REGION"),
		Prefix:    stringOr(v, "TILE_S3_PREFIX", "tiles"),
	}
}

func loadReference(v *viper.Viper, cfg *Config) error {
	r := &cfg.Reference
	r.GIS = reference.GISOptions{
		BaseURL:    v.GetString("REFERENCE_API_URL"),
		Token:      v.GetString("REFERENCE_API_TOKEN"),
		Timeout:    durationOr(v, "REFERENCE_TIMEOUT", 30*time.Second),
		RatePerSec: floatOr(v, "REFERENCE_RATE_PER_SECOND", 4),
		Retry: utils.RetryPolicy{
			MaxRetries: intOr(v, "REFERENCE_MAX_RETRIES", 2),
			BaseDelay:  durationOr(v, "REFERENCE_BACKOFF_BASE", time.Second),
			MaxDelay:   durationOr(v, "REFERENCE_BACKOFF_MAX", 8*time.Second),
		},
	}
	r.Client = reference.DefaultOptions()
	r.Client.DefaultCategory = stringOr(v, "REFERENCE_DEFAULT_CATEGORY", r.Client.DefaultCategory)
	r.Client.LandBankLayer = stringOr(v, "REFERENCE_LANDBANK_LAYER", r.Client.LandBankLayer)
	r.Client.MemoryTTL = durationOr(v, "REFERENCE_CACHE_TTL", r.Client.MemoryTTL)

	primary := &r.Client.Catalog[0]
	primary.BoundaryLayer = stringOr(v, "REFERENCE_BOUNDARY_LAYER", primary.BoundaryLayer)
	primary.PlotsLayer = stringOr(v, "REFERENCE_PLOTS_LAYER", primary.PlotsLayer)
	catalog, err := applyLegacyLayers(r.Client.Catalog, v.GetString("REFERENCE_LEGACY_LAYERS"))
	if err != nil {
		return err
	}
	r.Client.Catalog = catalog
	r.RegisterPath = v.GetString("ALLOTMENT_REGISTER_PATH")
	return nil
}

// applyLegacyLayers reads entries of the form category=boundary_layer:plots_layer
// separated by commas. A known category is overridden, a new one appended.
func applyLegacyLayers(catalog []reference.LayerSet, raw string) ([]reference.LayerSet, error) {
	out := append([]reference.LayerSet(nil), catalog...)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		category, layers, ok := strings.Cut(entry, "=")
		boundary, plots, _ := strings.Cut(layers, ":")
		if !ok || category == "" || boundary == "" {
			return nil, fmt.Errorf("%w: REFERENCE_LEGACY_LAYERS entry %q", model.ErrConfiguration, entry)
		}
		set := reference.LayerSet{Category: category, BoundaryLayer: boundary, PlotsLayer: plots, NameKeys: []string{"name"}}
		replaced := false
		for i := range out {
			if out[i].Category == category {
				set.NameKeys = out[i].NameKeys
				set.PlotAreaKeys = out[i].PlotAreaKeys
				out[i] = set
				replaced = true
			}
		}
		if !replaced {
			out = append(out, set)
		}
	}
	return out, nil
}

func loadSegmentation(v *viper.Viper, cfg *Config) {
	s := &cfg.Segmentation
	timeout := durationOr(v, "SEGMENTATION_TIMEOUT", 120*time.Second)
	s.HTTP = segmentation.HTTPOptions{URL: v.GetString("SEGMENTATION_URL"), Timeout: timeout}
	s.Dispatcher = segmentation.DefaultDispatcherOptions()
	s.Dispatcher.Timeout = timeout
	s.Dispatcher.QueueSize = intOr(v, "SEGMENTATION_QUEUE_SIZE", s.Dispatcher.QueueSize)
	s.Guided = segmentation.DefaultGuidedOptions()
	s.Guided.CoverageThreshold = floatOr(v, "GUIDED_COVERAGE_THRESHOLD", s.Guided.CoverageThreshold)
	s.Guided.ContainmentThreshold = floatOr(v, "GUIDED_CONTAINMENT_THRESHOLD", s.Guided.ContainmentThreshold)
	s.Guided.Workers = intOr(v, "GUIDED_WORKERS", s.Guided.Workers)
}

func loadPipeline(v *viper.Viper, cfg *Config) error {
	p := &cfg.Pipeline
	p.Vectorize = vectorize.DefaultOptions()
	p.Vectorize.MinComponentPixels = intOr(v, "MIN_COMPONENT_PIXELS", p.Vectorize.MinComponentPixels)

	p.Refine = refine.DefaultOptions()
	p.Refine.BufferM = floatOr(v, "REFINE_BUFFER_M", p.Refine.BufferM)
	p.Refine.SmoothIterations = intOr(v, "REFINE_SMOOTH_ITERATIONS", p.Refine.SmoothIterations)
	p.Refine.SimplifyToleranceM = floatOr(v, "SIMPLIFY_TOLERANCE_M", p.Refine.SimplifyToleranceM)
	p.Refine.MaxAreaChange = floatOr(v, "MAX_REFINE_AREA_CHANGE", p.Refine.MaxAreaChange)
	p.RefineWorkers = intOr(v, "REFINE_WORKERS", 4)

	p.Classify = classify.DefaultThresholds()
	if err := decodePrefixed(v, "CLASSIFY_", &p.Classify); err != nil {
		return err
	}

	p.Postprocess = postprocess.DefaultOptions()
	p.Postprocess.MinPolygonAreaSQM = floatOr(v, "MIN_POLYGON_AREA_SQM", p.Postprocess.MinPolygonAreaSQM)
	p.Postprocess.MergeIoUThreshold = floatOr(v, "MERGE_IOU_THRESHOLD", p.Postprocess.MergeIoUThreshold)
	p.Postprocess.AbsorbMaxAreaSQM = floatOr(v, "ABSORB_MAX_AREA_SQM", p.Postprocess.AbsorbMaxAreaSQM)
	p.Postprocess.AbsorbDistanceM = floatOr(v, "ABSORB_DISTANCE_M", p.Postprocess.AbsorbDistanceM)
	p.Postprocess.ContainmentRatio = floatOr(v, "CONTAINMENT_RATIO", p.Postprocess.ContainmentRatio)
	p.Postprocess.NoiseMinCompactness = floatOr(v, "NOISE_MIN_COMPACTNESS", p.Postprocess.NoiseMinCompactness)
	p.Postprocess.NoiseMaxAspect = floatOr(v, "NOISE_MAX_ASPECT", p.Postprocess.NoiseMaxAspect)

	p.Compare = compare.DefaultOptions()
	p.Compare.MinIoU = floatOr(v, "COMPARE_MIN_IOU", p.Compare.MinIoU)
	p.Compare.ToleranceSQM = floatOr(v, "COMPLIANCE_TOLERANCE_SQM", p.Compare.ToleranceSQM)
	p.Compare.ToleranceRatio = floatOr(v, "COMPLIANCE_TOLERANCE_RATIO", p.Compare.ToleranceRatio)
	p.Compare.CoverageRatio = floatOr(v, "UNMATCHED_COVERAGE_RATIO", p.Compare.CoverageRatio)
	policy, err := compare.ParsePolicy(v.GetString("UNMATCHED_DETECTED_POLICY"))
	if err != nil {
		return err
	}
	p.Compare.Policy = policy

	// COMPLIANCE_TOLERANCE_* belong to the comparison.
	p.Compliance = compliance.DefaultOptions()
	return decodePrefixed(v, "COMPLIANCE_CHECK_", &p.Compliance)
}

// decodePrefixed overlays every key starting with prefix onto out, matching
// the rest of the key against out's mapstructure tags.
func decodePrefixed(v *viper.Viper, prefix string, out any) error {
	raw := map[string]any{}
	lower := strings.ToLower(prefix)
	for _, key := range v.AllKeys() {
		if rest, ok := strings.CutPrefix(key, lower); ok {
			raw[rest] = v.Get(key)
		}
	}
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			raw[strings.ToLower(rest)] = value
		}
	}
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %s keys: %v", model.ErrConfiguration, prefix, err)
	}
	return nil
}

func stringOr(v *viper.Viper, key, def string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return def
}

func intOr(v *viper.Viper, key string, def int) int {
	if !v.IsSet(key) {
		return def
	}
	return v.GetInt(key)
}

func floatOr(v *viper.Viper, key string, def float64) float64 {
	if !v.IsSet(key) {
		return def
	}
	return v.GetFloat64(key)
}

func durationOr(v *viper.Viper, key string, def time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("%w: DB_DSN is required", model.ErrConfiguration)
	}
	if cfg.Tiles.DefaultZoom < 1 || cfg.Tiles.DefaultZoom > 22 {
		return fmt.Errorf("%w: TILE_DEFAULT_ZOOM must be in [1, 22]", model.ErrConfiguration)
	}
	if cfg.Pipeline.RefineWorkers < 1 {
		return fmt.Errorf("%w: REFINE_WORKERS must be positive", model.ErrConfiguration)
	}
	checks := []interface{ Validate() error }{
		cfg.Tiles.Cache,
		cfg.Reference.Client,
		cfg.Segmentation.Dispatcher,
		cfg.Segmentation.Guided,
		cfg.Pipeline.Vectorize,
		cfg.Pipeline.Refine,
		cfg.Pipeline.Classify,
		cfg.Pipeline.Postprocess,
		cfg.Pipeline.Compare,
		cfg.Pipeline.Compliance,
	}
	for _, c := range checks {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServer adds the checks only the HTTP server needs.
func (c *Config) ValidateServer() error {
	if c.Auth.AccessSecret == "" {
		return fmt.Errorf("%w: JWT_ACCESS_SECRET is required", model.ErrConfiguration)
	}
	if c.Segmentation.HTTP.URL == "" {
		return fmt.Errorf("%w: SEGMENTATION_URL is required", model.ErrConfiguration)
	}
	return nil
}
