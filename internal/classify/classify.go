// Package classify assigns a land-use category to detected polygons from
// the imagery under them and their shape.
package classify

import (
	"fmt"

	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
	"parcel-audit/internal/tiles"
)

// Thresholds tune the scoring rules. Brightness is on a 0..255 scale,
// saturation on 0..1.
type Thresholds struct {
	PlotBaseline float64 `mapstructure:"plot_baseline"`

	RoadShapeMinAspect  float64 `mapstructure:"road_shape_min_aspect"`
	RoadShapeMinAreaSQM float64 `mapstructure:"road_shape_min_area_sqm"`
	RoadColorMinAspect  float64 `mapstructure:"road_color_min_aspect"`
	RoadMaxSaturation   float64 `mapstructure:"road_max_saturation"`
	RoadMinBrightness   float64 `mapstructure:"road_min_brightness"`
	RoadMaxBrightness   float64 `mapstructure:"road_max_brightness"`
	RoadMinLinearity    float64 `mapstructure:"road_min_linearity"`
	RoadMaxMeanWidthM   float64 `mapstructure:"road_max_mean_width_m"`

	// Texture and width consistency. Standard deviations are over the
	// sampled pixels; pavement and roofs read smooth, fields mixed with
	// shadow and tapering blobs do not.
	RoadMinWidthConsistency float64 `mapstructure:"road_min_width_consistency"`
	RoadMaxBrightnessStd    float64 `mapstructure:"road_max_brightness_std"`
	InfraMaxBrightnessStd   float64 `mapstructure:"infra_max_brightness_std"`
	InfraMaxSaturationStd   float64 `mapstructure:"infra_max_saturation_std"`

	InfraMinBrightness float64 `mapstructure:"infra_min_brightness"`
	InfraMaxSaturation float64 `mapstructure:"infra_max_saturation"`
	InfraMinFillRatio  float64 `mapstructure:"infra_min_fill_ratio"`
	InfraMaxAreaSQM    float64 `mapstructure:"infra_max_area_sqm"`

	OtherMinExcessGreen float64 `mapstructure:"other_min_excess_green"`
	OtherMaxBrightness  float64 `mapstructure:"other_max_brightness"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PlotBaseline: 0.6,

		RoadShapeMinAspect:  5,
		RoadShapeMinAreaSQM: 50,
		RoadColorMinAspect:  2.5,
		RoadMaxSaturation:   0.25,
		RoadMinBrightness:   60,
		RoadMaxBrightness:   190,
		RoadMinLinearity:    8,
		RoadMaxMeanWidthM:   20,

		RoadMinWidthConsistency: 0.7,
		RoadMaxBrightnessStd:    35,
		InfraMaxBrightnessStd:   30,
		InfraMaxSaturationStd:   0.12,

		InfraMinBrightness: 200,
		InfraMaxSaturation: 0.15,
		InfraMinFillRatio:  0.85,
		InfraMaxAreaSQM:    600,

		OtherMinExcessGreen: 0.10,
		OtherMaxBrightness:  40,
	}
}

func (t Thresholds) Validate() error {
	if t.PlotBaseline <= 0 || t.PlotBaseline >= 1 {
		return fmt.Errorf("%w: plot baseline must be in (0, 1)", model.ErrConfiguration)
	}
	if t.RoadMinBrightness >= t.RoadMaxBrightness {
		return fmt.Errorf("%w: road brightness range is empty", model.ErrConfiguration)
	}
	if t.RoadShapeMinAspect < 1 || t.RoadColorMinAspect < 1 {
		return fmt.Errorf("%w: road aspect thresholds must be at least 1", model.ErrConfiguration)
	}
	if t.RoadMinWidthConsistency < 0 || t.RoadMinWidthConsistency > 1 {
		return fmt.Errorf("%w: road width consistency must be in [0, 1]", model.ErrConfiguration)
	}
	if t.RoadMaxBrightnessStd <= 0 || t.InfraMaxBrightnessStd <= 0 || t.InfraMaxSaturationStd <= 0 {
		return fmt.Errorf("%w: texture thresholds must be positive", model.ErrConfiguration)
	}
	if t.RoadMaxSaturation < 0 || t.RoadMaxSaturation > 1 || t.InfraMaxSaturation < 0 || t.InfraMaxSaturation > 1 {
		return fmt.Errorf("%w: saturation thresholds must be in [0, 1]", model.ErrConfiguration)
	}
	return nil
}

type Result struct {
	Category   parcel.Category
	Confidence float64
	Color      string
	Features   Features
	Rule       string
}

type Classifier struct {
	th Thresholds
}

func New(th Thresholds) *Classifier {
	return &Classifier{th: th}
}

type score struct {
	category parcel.Category
	value    float64
	rule     string
}

// Classify scores every category and picks the highest; ties go to the
// category with the lower rank, so plot wins a tie. Without imagery only
// the shape rules apply.
func (c *Classifier) Classify(poly orb.Polygon, comp *tiles.Composite) Result {
	f := shapeFeatures(poly)
	if comp != nil && comp.Image != nil {
		colorFeatures(&f, poly, comp.Image, comp.Transform)
	}

	best := score{parcel.CategoryPlot, c.th.PlotBaseline, "baseline"}
	for _, s := range c.scores(f) {
		if s.value > best.value || (s.value == best.value && s.category.Rank() < best.category.Rank()) {
			best = s
		}
	}
	return Result{
		Category:   best.category,
		Confidence: best.value,
		Color:      best.category.Color(),
		Features:   f,
		Rule:       best.rule,
	}
}

func (c *Classifier) scores(f Features) []score {
	th := c.th
	var out []score

	if f.Aspect > th.RoadShapeMinAspect && f.AreaSQM > th.RoadShapeMinAreaSQM {
		out = append(out, score{parcel.CategoryRoad, 0.9, "road_elongated"})
	}
	if f.Linearity > th.RoadMinLinearity && f.MeanWidthM > 0 && f.MeanWidthM < th.RoadMaxMeanWidthM &&
		f.WidthConsistency >= th.RoadMinWidthConsistency {
		out = append(out, score{parcel.CategoryRoad, 0.75, "road_linear"})
	}
	if f.Samples == 0 {
		return out
	}

	if f.Saturation < th.RoadMaxSaturation && f.Brightness > th.RoadMinBrightness &&
		f.Brightness < th.RoadMaxBrightness && f.Aspect > th.RoadColorMinAspect &&
		f.BrightnessStd <= th.RoadMaxBrightnessStd {
		out = append(out, score{parcel.CategoryRoad, 0.8, "road_pavement"})
	}
	if f.Brightness >= th.InfraMinBrightness && f.Saturation <= th.InfraMaxSaturation &&
		f.FillRatio >= th.InfraMinFillRatio && f.AreaSQM <= th.InfraMaxAreaSQM &&
		f.BrightnessStd <= th.InfraMaxBrightnessStd && f.SaturationStd <= th.InfraMaxSaturationStd {
		out = append(out, score{parcel.CategoryInfrastructure, 0.7, "infra_bright_roof"})
	}
	if f.ExcessGreen >= th.OtherMinExcessGreen {
		out = append(out, score{parcel.CategoryOther, 0.7, "other_vegetation"})
	}
	if f.Brightness <= th.OtherMaxBrightness {
		out = append(out, score{parcel.CategoryOther, 0.65, "other_dark"})
	}
	return out
}
