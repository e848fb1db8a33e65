package service

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parcel-audit/internal/classify"
	"parcel-audit/internal/compare"
	"parcel-audit/internal/compliance"
	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/postprocess"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/refine"
	"parcel-audit/internal/segmentation"
	"parcel-audit/internal/tiles"
	"parcel-audit/internal/vectorize"
)

// Repository is the persistence the service needs. repository.ParcelRepository
// implements it.
type Repository interface {
	GetProject(ctx context.Context, id uuid.UUID) (*parcel.Project, error)
	SaveDetection(ctx context.Context, p *parcel.Project, plots []parcel.Plot) error
	ListPlots(ctx context.Context, projectID uuid.UUID, includeInactive bool) ([]parcel.Plot, error)
	GetPlot(ctx context.Context, id uuid.UUID) (*parcel.Plot, error)
	UpdatePlot(ctx context.Context, p *parcel.Plot) error
	ReplaceDeviations(ctx context.Context, projectID, runID uuid.UUID, devs []parcel.Deviation, summary parcel.ComparisonSummary) error
	ListDeviations(ctx context.Context, projectID uuid.UUID) ([]parcel.Deviation, error)
	LatestSummary(ctx context.Context, projectID uuid.UUID) (*parcel.ComparisonSummary, uuid.UUID, error)
	ListProjects(ctx context.Context) ([]parcel.ProjectListing, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error
	ReplaceCompliance(ctx context.Context, report *parcel.ComplianceReport) error
	LatestCompliance(ctx context.Context, projectID uuid.UUID) (*parcel.ComplianceReport, error)
}

type Imagery interface {
	Composite(ctx context.Context, bbox geometry.BBox, zoom int) (*tiles.Composite, error)
}

type ReferenceLookup interface {
	Lookup(ctx context.Context, cr reference.Criteria) (reference.Result, error)
	Areas(ctx context.Context, category string, refresh bool) ([]reference.Area, error)
}

// MaskSource runs segmentation. segmentation.Dispatcher implements it.
type MaskSource interface {
	Submit(ctx context.Context, img image.Image, prompt segmentation.Prompt) (*segmentation.Mask, error)
}

type Options struct {
	DefaultZoom   int
	RefineWorkers int
	Vectorize     vectorize.Options
	Refine        refine.Options
	Classify      classify.Thresholds
	Postprocess   postprocess.Options
	Guided        segmentation.GuidedOptions
	Compare       compare.Options
	Compliance    compliance.Options
}

func DefaultOptions() Options {
	return Options{
		DefaultZoom:   18,
		RefineWorkers: 4,
		Vectorize:     vectorize.DefaultOptions(),
		Refine:        refine.DefaultOptions(),
		Classify:      classify.DefaultThresholds(),
		Postprocess:   postprocess.DefaultOptions(),
		Guided:        segmentation.DefaultGuidedOptions(),
		Compare:       compare.DefaultOptions(),
		Compliance:    compliance.DefaultOptions(),
	}
}

type ParcelService struct {
	repo       Repository
	imagery    Imagery
	reference  ReferenceLookup
	masks      MaskSource
	classifier *classify.Classifier
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
}

func NewParcelService(repo Repository, imagery Imagery, ref ReferenceLookup, masks MaskSource, opts Options, log zerolog.Logger) *ParcelService {
	return &ParcelService{
		repo:       repo,
		imagery:    imagery,
		reference:  ref,
		masks:      masks,
		classifier: classify.New(opts.Classify),
		opts:       opts,
		log:        log.With().Str("component", "parcel_service").Logger(),
		now:        time.Now,
	}
}

// LookupBoundary exposes the reference lookup for the boundary endpoint
// and the CLI.
func (s *ParcelService) LookupBoundary(ctx context.Context, cr reference.Criteria) (reference.Result, error) {
	return s.reference.Lookup(ctx, cr)
}
