package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/metrics"
	"parcel-audit/internal/model"
	"parcel-audit/internal/postprocess"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/refine"
	"parcel-audit/internal/segmentation"
	"parcel-audit/internal/tiles"
	"parcel-audit/internal/vectorize"
)

func observe(phase string, start time.Time) {
	metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Detect runs the detection pipeline for a bbox and replaces the project's
// plot set with the result. Imagery and reference data are fetched
// concurrently; a missing reference area degrades to automatic detection
// only. Nothing is persisted unless every phase succeeds.
func (s *ParcelService) Detect(ctx context.Context, req parcel.DetectRequest) (*parcel.DetectResult, error) {
	start := time.Now()
	defer observe("detect", start)

	if err := validateDetectRequest(req); err != nil {
		return nil, err
	}
	project, err := s.prepareProject(ctx, req)
	if err != nil {
		return nil, err
	}
	log := s.log.With().Str("project_id", project.ID.String()).Logger()

	var (
		comp *tiles.Composite
		ref  reference.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer observe("imagery", time.Now())
		c, err := s.imagery.Composite(gctx, project.BBox, project.Zoom)
		if err != nil {
			return err
		}
		comp = c
		return nil
	})
	g.Go(func() error {
		defer observe("reference", time.Now())
		bbox := project.BBox
		r, err := s.reference.Lookup(gctx, reference.Criteria{
			AreaName: project.AreaName,
			Category: project.AreaCategory,
			BBox:     &bbox,
		})
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("detection inputs unavailable")
		return nil, err
	}
	if !ref.Found {
		log.Warn().Str("area", project.AreaName).Msg("reference area not found, running automatic detection only")
	}

	prompt := userPrompt(req, comp.Transform)
	source := parcel.PlotSourceAuto
	if !prompt.Empty() {
		source = parcel.PlotSourceGuided
	}

	inferStart := time.Now()
	mask, err := s.masks.Submit(ctx, comp.Image, prompt)
	if err != nil {
		log.Error().Err(err).Msg("segmentation failed")
		return nil, err
	}
	raws, err := vectorize.Vectorize(mask, comp.Transform, s.opts.Vectorize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}
	observe("segment", inferStart)

	polys := make([]orb.Polygon, len(raws))
	for i, r := range raws {
		polys[i] = r.Polygon
	}
	refineStart := time.Now()
	items, invalid, err := s.refineAll(ctx, polys, comp, source, 0)
	if err != nil {
		return nil, err
	}
	observe("refine", refineStart)
	total := len(polys)

	guidedAdded := 0
	if (req.Guided == nil || *req.Guided) && prompt.Empty() && ref.Found && len(ref.Plots) > 0 {
		guidedStart := time.Now()
		extra, n, bad, err := s.guidedPass(ctx, ref.Plots, items, comp, total)
		if err != nil {
			return nil, err
		}
		observe("guided", guidedStart)
		items = append(items, extra...)
		guidedAdded = len(extra)
		total += n
		invalid += bad
	}

	ppOpts := s.opts.Postprocess
	if req.MinAreaSQM != nil {
		ppOpts.MinPolygonAreaSQM = *req.MinAreaSQM
	}
	var boundary orb.Geometry = project.BBox.Polygon()
	if ref.Found && ref.Boundary != nil {
		boundary = ref.Boundary
	}
	processed := postprocess.Process(items, boundary, ppOpts)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	plots := make([]parcel.Plot, 0, len(processed.Items))
	for _, it := range processed.Items {
		conf := it.Confidence
		p := parcel.Plot{
			ID:         uuid.New(),
			ProjectID:  project.ID,
			Label:      it.Label,
			Category:   it.Category,
			Color:      it.Category.Color(),
			Confidence: &conf,
			Active:     true,
			Source:     it.Source,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		p.SetGeometry(it.Polygon)
		plots = append(plots, p)
	}

	if err := s.repo.SaveDetection(ctx, project, plots); err != nil {
		log.Error().Err(err).Msg("failed to save detection")
		return nil, fmt.Errorf("failed to save detection: %w", err)
	}

	invalid += processed.Dropped[postprocess.StageInvalid]
	result := &parcel.DetectResult{
		Project:        *project,
		Plots:          plots,
		TotalDetected:  total,
		DroppedNoise:   processed.TotalDropped() - processed.Dropped[postprocess.StageInvalid],
		DroppedInvalid: invalid,
		GuidedAdded:    guidedAdded,
		ReferenceFound: ref.Found,
		Strategy:       ref.Strategy,
		Duration:       time.Since(start),
	}

	log.Info().
		Int("detected", result.TotalDetected).
		Int("plots", len(plots)).
		Int("dropped_noise", result.DroppedNoise).
		Int("dropped_invalid", result.DroppedInvalid).
		Int("guided_added", guidedAdded).
		Str("reference_strategy", ref.Strategy).
		Dur("duration", result.Duration).
		Msg("detection finished")

	return result, nil
}

func validateDetectRequest(req parcel.DetectRequest) error {
	if req.ProjectID == nil && len(req.BBox) == 0 {
		return fmt.Errorf("%w: bbox is required for a new project", model.ErrInvalidInput)
	}
	if req.Zoom != 0 && (req.Zoom < 1 || req.Zoom > 22) {
		return fmt.Errorf("%w: zoom must be in [1, 22]", model.ErrInvalidInput)
	}
	if req.MinAreaSQM != nil && *req.MinAreaSQM < 0 {
		return fmt.Errorf("%w: min_area_sqm must not be negative", model.ErrInvalidInput)
	}
	for _, p := range req.Points {
		if p.Label != 0 && p.Label != 1 {
			return fmt.Errorf("%w: point label must be 0 or 1", model.ErrInvalidInput)
		}
		if p.Lon < -180 || p.Lon > 180 || p.Lat < -90 || p.Lat > 90 {
			return fmt.Errorf("%w: point (%v, %v) is out of range", model.ErrInvalidInput, p.Lon, p.Lat)
		}
	}
	for _, b := range req.Boxes {
		if _, err := geometry.NewBBox(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *ParcelService) prepareProject(ctx context.Context, req parcel.DetectRequest) (*parcel.Project, error) {
	var bbox geometry.BBox
	if len(req.BBox) > 0 {
		b, err := geometry.NewBBox(req.BBox)
		if err != nil {
			return nil, err
		}
		bbox = b
	}

	if req.ProjectID != nil {
		p, err := s.repo.GetProject(ctx, *req.ProjectID)
		if err != nil {
			return nil, err
		}
		if len(req.BBox) > 0 && bbox != p.BBox {
			return nil, fmt.Errorf("%w: project bbox cannot change", model.ErrInvalidInput)
		}
		if req.Zoom != 0 {
			p.Zoom = req.Zoom
		}
		return p, nil
	}

	zoom := req.Zoom
	if zoom == 0 {
		zoom = s.opts.DefaultZoom
	}
	name := strings.TrimSpace(req.ProjectName)
	if name == "" {
		name = strings.TrimSpace(req.AreaName)
	}
	if name == "" {
		name = fmt.Sprintf("Detection %s", time.Now().UTC().Format("2006-01-02 15:04"))
	}
	return &parcel.Project{
		ID:           uuid.New(),
		Name:         name,
		BBox:         bbox,
		Center:       bbox.Center(),
		Zoom:         zoom,
		AreaName:     strings.TrimSpace(req.AreaName),
		AreaCategory: strings.TrimSpace(req.AreaCategory),
	}, nil
}

// userPrompt converts request prompts from lon/lat to composite pixels.
func userPrompt(req parcel.DetectRequest, tr geometry.Affine) segmentation.Prompt {
	var p segmentation.Prompt
	for _, pt := range req.Points {
		x, y := tr.ToPixel(orb.Point{pt.Lon, pt.Lat})
		p.Points = append(p.Points, segmentation.PointPrompt{X: x, Y: y, Label: pt.Label})
	}
	for _, b := range req.Boxes {
		x1, y1 := tr.ToPixel(orb.Point{b[0], b[3]})
		x2, y2 := tr.ToPixel(orb.Point{b[2], b[1]})
		p.Boxes = append(p.Boxes, [4]float64{x1, y1, x2, y2})
	}
	return p
}

// refineAll refines and classifies polygons on a bounded pool. A polygon
// that fails refinement is skipped and counted; the others keep their
// input order.
func (s *ParcelService) refineAll(ctx context.Context, polys []orb.Polygon, comp *tiles.Composite, source parcel.PlotSource, seqBase int) ([]postprocess.Item, int, error) {
	slots := make([]*postprocess.Item, len(polys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.opts.RefineWorkers))
	for i := range polys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			poly, err := refine.Refine(polys[i], s.opts.Refine)
			if err != nil {
				s.log.Debug().Err(err).Int("index", seqBase+i).Msg("polygon dropped by refinement")
				metrics.PolygonsDropped.WithLabelValues("refine").Inc()
				return nil
			}
			res := s.classifier.Classify(poly, comp)
			slots[i] = &postprocess.Item{
				Seq:        seqBase + i,
				Polygon:    poly,
				Category:   res.Category,
				Confidence: res.Confidence,
				Source:     source,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	items := make([]postprocess.Item, 0, len(polys))
	invalid := 0
	for _, it := range slots {
		if it == nil {
			invalid++
			continue
		}
		items = append(items, *it)
	}
	return items, invalid, nil
}

// guidedPass prompts the segmenter once per reference plot the automatic
// pass missed, in reference order. It returns the new items, how many
// polygons were segmented and how many failed refinement. A failed guided
// call is skipped; cancellation aborts.
func (s *ParcelService) guidedPass(ctx context.Context, refs []parcel.ReferencePlot, autoItems []postprocess.Item, comp *tiles.Composite, seqBase int) ([]postprocess.Item, int, int, error) {
	auto := make(orb.MultiPolygon, 0, len(autoItems))
	for _, it := range autoItems {
		auto = append(auto, it.Polygon)
	}
	grid := segmentation.Grid{Transform: comp.Transform, Width: comp.Width(), Height: comp.Height()}
	targets, err := segmentation.PlanGuided(ctx, refs, auto, grid, s.opts.Guided)
	if err != nil {
		return nil, 0, 0, err
	}

	var polys []orb.Polygon
	for _, t := range targets {
		mask, err := s.masks.Submit(ctx, comp.Image, t.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, 0, ctx.Err()
			}
			s.log.Warn().Err(err).Str("reference_id", t.ReferenceID).Msg("guided segmentation failed")
			continue
		}
		raws, err := vectorize.Vectorize(mask, comp.Transform, s.opts.Vectorize)
		if err != nil || len(raws) == 0 {
			continue
		}
		best := raws[0]
		for _, r := range raws[1:] {
			if r.Pixels > best.Pixels {
				best = r
			}
		}
		if segmentation.Redundant(best.Polygon, auto, s.opts.Guided.ContainmentThreshold) {
			s.log.Debug().Str("reference_id", t.ReferenceID).Msg("guided polygon duplicates automatic result")
			continue
		}
		polys = append(polys, best.Polygon)
	}

	items, invalid, err := s.refineAll(ctx, polys, comp, parcel.PlotSourceGuided, seqBase)
	if err != nil {
		return nil, 0, 0, err
	}
	s.log.Info().
		Int("targets", len(targets)).
		Int("added", len(items)).
		Msg("guided pass finished")
	return items, len(polys), invalid, nil
}
