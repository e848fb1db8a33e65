package tiles

import (
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"parcel-audit/internal/geometry"
)

// Pixel is an 8-bit RGB sample.
type Pixel struct {
	R, G, B float64
}

func (p Pixel) Brightness() float64 { return (p.R + p.G + p.B) / 3 }

// Saturation is the HSV saturation in [0, 1].
func (p Pixel) Saturation() float64 {
	hi := math.Max(p.R, math.Max(p.G, p.B))
	if hi == 0 {
		return 0
	}
	lo := math.Min(p.R, math.Min(p.G, p.B))
	return (hi - lo) / hi
}

// ExcessGreen is the normalized excess green index (2G-R-B)/(R+G+B); 0
// for black.
func (p Pixel) ExcessGreen() float64 {
	sum := p.R + p.G + p.B
	if sum == 0 {
		return 0
	}
	return (2*p.G - p.R - p.B) / sum
}

// SamplePolygon calls fn for the pixels of img whose centres fall inside
// poly, a lon/lat polygon placed on img by tr. Large polygons are visited
// on a regular stride so that about maxSamples pixels are seen; 0 visits
// every pixel. It returns the number of pixels visited.
func SamplePolygon(img image.Image, tr geometry.Affine, poly orb.Polygon, maxSamples int, fn func(Pixel)) int {
	pix, ok := geometry.Transform(poly, func(p orb.Point) orb.Point {
		x, y := tr.ToPixel(p)
		return orb.Point{x, y}
	}).(orb.Polygon)
	if !ok || len(pix) == 0 {
		return 0
	}

	b := pix.Bound()
	ib := img.Bounds()
	x0 := max(ib.Min.X, int(math.Floor(b.Min[0])))
	y0 := max(ib.Min.Y, int(math.Floor(b.Min[1])))
	x1 := min(ib.Max.X, int(math.Ceil(b.Max[0])))
	y1 := min(ib.Max.Y, int(math.Ceil(b.Max[1])))
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	step := 1
	if n := (x1 - x0) * (y1 - y0); maxSamples > 0 && n > maxSamples {
		step = int(math.Ceil(math.Sqrt(float64(n) / float64(maxSamples))))
	}

	count := 0
	for y := y0; y < y1; y += step {
		for x := x0; x < x1; x += step {
			if !planar.PolygonContains(pix, orb.Point{float64(x) + 0.5, float64(y) + 0.5}) {
				continue
			}
			r, g, bl, _ := img.At(x, y).RGBA()
			fn(Pixel{R: float64(r >> 8), G: float64(g >> 8), B: float64(bl >> 8)})
			count++
		}
	}
	return count
}
