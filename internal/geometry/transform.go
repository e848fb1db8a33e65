package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// Affine maps raster pixel coordinates to lon/lat. Pixel (0,0) is the
// top-left corner of the composite.
type Affine struct {
	West        float64 `json:"west"`
	North       float64 `json:"north"`
	PixelWidth  float64 `json:"pixel_width"`
	PixelHeight float64 `json:"pixel_height"`
}

// AffineFromBBox spans b over a width x height raster.
func AffineFromBBox(b BBox, width, height int) Affine {
	return Affine{
		West:        b.MinLon,
		North:       b.MaxLat,
		PixelWidth:  (b.MaxLon - b.MinLon) / float64(width),
		PixelHeight: (b.MaxLat - b.MinLat) / float64(height),
	}
}

func (a Affine) ToLonLat(px, py float64) orb.Point {
	return orb.Point{a.West + px*a.PixelWidth, a.North - py*a.PixelHeight}
}

func (a Affine) ToPixel(p orb.Point) (float64, float64) {
	return (p[0] - a.West) / a.PixelWidth, (a.North - p[1]) / a.PixelHeight
}

// Bounds returns the geographic extent of a width x height raster.
func (a Affine) Bounds(width, height int) BBox {
	return BBox{
		MinLon: a.West,
		MinLat: a.North - float64(height)*a.PixelHeight,
		MaxLon: a.West + float64(width)*a.PixelWidth,
		MaxLat: a.North,
	}
}

const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// Frame is a local tangent-plane approximation around an origin, in
// metres. Buffers, tolerances and overlap ratios are computed in a frame
// so that metre-denominated thresholds are isotropic.
type Frame struct {
	origin orb.Point
	mx, my float64
}

func NewFrame(origin orb.Point) Frame {
	phi := origin[1] * math.Pi / 180
	s := math.Sin(phi)
	w := math.Sqrt(1 - wgs84E2*s*s)
	meridional := wgs84A * (1 - wgs84E2) / (w * w * w)
	primeVertical := wgs84A / w
	return Frame{
		origin: origin,
		mx:     primeVertical * math.Cos(phi) * math.Pi / 180,
		my:     meridional * math.Pi / 180,
	}
}

func (f Frame) Origin() orb.Point { return f.origin }

func (f Frame) Forward(p orb.Point) orb.Point {
	return orb.Point{(p[0] - f.origin[0]) * f.mx, (p[1] - f.origin[1]) * f.my}
}

func (f Frame) Inverse(p orb.Point) orb.Point {
	return orb.Point{f.origin[0] + p[0]/f.mx, f.origin[1] + p[1]/f.my}
}

func (f Frame) Project(g orb.Geometry) orb.Geometry { return Transform(g, f.Forward) }

func (f Frame) Unproject(g orb.Geometry) orb.Geometry { return Transform(g, f.Inverse) }

func (f Frame) ProjectPolygon(p orb.Polygon) orb.Polygon { return transformPolygon(p, f.Forward) }

func (f Frame) UnprojectPolygon(p orb.Polygon) orb.Polygon { return transformPolygon(p, f.Inverse) }
