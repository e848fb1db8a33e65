package classify

import (
	"image"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/measure"
	"parcel-audit/internal/tiles"
)

const (
	maxSamples = 4096
	// widthStations is how many cross-sections along the long axis are
	// measured for WidthConsistency.
	widthStations = 12
)

// Features are the measurements a polygon is classified on.
type Features struct {
	AreaSQM    float64 `json:"area_sqm"`
	PerimeterM float64 `json:"perimeter_m"`
	Aspect     float64 `json:"aspect"`
	MeanWidthM float64 `json:"mean_width_m"`
	Linearity  float64 `json:"linearity"`
	FillRatio  float64 `json:"fill_ratio"`

	// WidthConsistency is 1 minus the coefficient of variation of the
	// cross-section widths along the long axis: 1 for a strip of constant
	// width, lower for tapering or branching shapes.
	WidthConsistency float64 `json:"width_consistency"`

	Samples       int     `json:"samples"`
	Saturation    float64 `json:"saturation"`
	SaturationStd float64 `json:"saturation_std"`
	Brightness    float64 `json:"brightness"`
	BrightnessStd float64 `json:"brightness_std"`
	ExcessGreen   float64 `json:"excess_green"`
}

func shapeFeatures(poly orb.Polygon) Features {
	m := measure.Measure(poly)
	f := Features{AreaSQM: m.AreaSQM, PerimeterM: m.PerimeterM, Aspect: 1, FillRatio: 1, WidthConsistency: 1}
	if m.PerimeterM > 0 {
		f.MeanWidthM = 2 * m.AreaSQM / m.PerimeterM
	}
	if f.MeanWidthM > 0 {
		f.Linearity = (m.PerimeterM / 2) / f.MeanWidthM
	}

	frame := geometry.NewFrame(geometry.Centroid(poly))
	local := frame.ProjectPolygon(poly)
	hull, err := geometry.ConvexHull(local)
	if err != nil || len(hull) == 0 {
		return f
	}
	if ha := geometry.PlanarArea(hull); ha > 0 {
		f.FillRatio = math.Min(1, geometry.PlanarArea(local)/ha)
	}
	rect, ok := geometry.MinRect(hull[0])
	if !ok {
		return f
	}
	f.Aspect = rect.Aspect()
	f.WidthConsistency = widthConsistency(local, rect)
	return f
}

// widthConsistency slices local into slabs across rect's long axis and
// compares their mean widths. The end slabs are skipped since rounded or
// cut ends always read narrow.
func widthConsistency(local orb.Polygon, rect geometry.Rect) float64 {
	length := rect.Length()
	if length <= 0 {
		return 1
	}
	step := length / widthStations
	widths := make([]float64, 0, widthStations)
	for i := 1; i < widthStations-1; i++ {
		part, err := geometry.Intersection(local, rect.Slab(float64(i)*step, float64(i+1)*step))
		if err != nil {
			return 1
		}
		widths = append(widths, geometry.PlanarArea(part)/step)
	}
	mean, std := stat.MeanStdDev(widths, nil)
	if mean <= 0 {
		return 0
	}
	return math.Max(0, 1-std/mean)
}

// colorFeatures samples the pixels whose centres fall inside poly.
func colorFeatures(f *Features, poly orb.Polygon, img image.Image, tr geometry.Affine) {
	var sat, bright, exg []float64
	tiles.SamplePolygon(img, tr, poly, maxSamples, func(p tiles.Pixel) {
		sat = append(sat, p.Saturation())
		bright = append(bright, p.Brightness())
		exg = append(exg, p.ExcessGreen())
	})
	if len(sat) == 0 {
		return
	}
	f.Samples = len(sat)
	f.Saturation, f.SaturationStd = stat.MeanStdDev(sat, nil)
	f.Brightness, f.BrightnessStd = stat.MeanStdDev(bright, nil)
	f.ExcessGreen = stat.Mean(exg, nil)
	if f.Samples == 1 {
		f.SaturationStd, f.BrightnessStd = 0, 0
	}
}
