// Package segmentation talks to the image segmentation model and
// serialises access to it.
package segmentation

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// Mask is a label raster aligned with the composite it was computed from.
// Label 0 is background; every other value is one segment.
type Mask struct {
	Width  int
	Height int
	Labels []uint16
}

func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Labels: make([]uint16, width*height)}
}

func (m *Mask) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Labels[y*m.Width+x]
}

func (m *Mask) Set(x, y int, label uint16) {
	m.Labels[y*m.Width+x] = label
}

// Segments returns the distinct non-zero labels in ascending order.
func (m *Mask) Segments() []uint16 {
	var seen [1 << 16]bool
	for _, l := range m.Labels {
		seen[l] = true
	}
	var out []uint16
	for l := 1; l < len(seen); l++ {
		if seen[l] {
			out = append(out, uint16(l))
		}
	}
	return out
}

// Coverage is the fraction of labelled pixels.
func (m *Mask) Coverage() float64 {
	if len(m.Labels) == 0 {
		return 0
	}
	n := 0
	for _, l := range m.Labels {
		if l != 0 {
			n++
		}
	}
	return float64(n) / float64(len(m.Labels))
}

// DecodeMask reads a grayscale PNG label mask. 8-bit masks are accepted.
func DecodeMask(data []byte) (*Mask, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				m.Set(x, y, src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				m.Set(x, y, uint16(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		return nil, fmt.Errorf("decode mask: unsupported color model %T", img.ColorModel())
	}
	return m, nil
}

// Encode writes the mask as a 16-bit grayscale PNG.
func (m *Mask) Encode() ([]byte, error) {
	img := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: m.At(x, y)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
