package tiles

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"parcel-audit/internal/geometry"
)

// Composite is a stitched raster covering the tiles of a bbox.
type Composite struct {
	Key       string
	Source    string
	Zoom      int
	Requested geometry.BBox
	BBox      geometry.BBox
	Transform geometry.Affine
	Image     *image.RGBA
}

func (c *Composite) Width() int  { return c.Image.Bounds().Dx() }
func (c *Composite) Height() int { return c.Image.Bounds().Dy() }

// Entry is the persisted description of a cached composite.
type Entry struct {
	Key       string
	Source    string
	Zoom      int
	Requested geometry.BBox
	BBox      geometry.BBox
	Width     int
	Height    int
	Transform geometry.Affine
	BlobKey   string
	CreatedAt time.Time
}

// Key hashes the composite inputs. Identical source, bbox and zoom always
// produce the same key.
func Key(source string, b geometry.BBox, zoom int) string {
	raw := fmt.Sprintf("%s|%.6f_%.6f_%.6f_%.6f_%d", source, b.MinLon, b.MinLat, b.MaxLon, b.MaxLat, zoom)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:24]
}

func blobKey(key string) string {
	return "composites/" + key + ".tif"
}

// tileRange returns the top-left and bottom-right tiles covering b.
func tileRange(b geometry.BBox, zoom int) (maptile.Tile, maptile.Tile) {
	z := maptile.Zoom(zoom)
	tl := maptile.At(orb.Point{b.MinLon, b.MaxLat}, z)
	br := maptile.At(orb.Point{b.MaxLon, b.MinLat}, z)
	return tl, br
}

func tileCount(b geometry.BBox, zoom int) int {
	tl, br := tileRange(b, zoom)
	return int(br.X-tl.X+1) * int(br.Y-tl.Y+1)
}

// stitchedBBox is the union of the tile bounds from tl to br.
func stitchedBBox(tl, br maptile.Tile) geometry.BBox {
	a, b := tl.Bound(), br.Bound()
	return geometry.BBox{MinLon: a.Min[0], MinLat: b.Min[1], MaxLon: b.Max[0], MaxLat: a.Max[1]}
}

// place draws a tile into its slot, rescaling tiles that are not
// tileSize square.
func place(dst *image.RGBA, src image.Image, col, row, tileSize int) {
	rect := image.Rect(col*tileSize, row*tileSize, (col+1)*tileSize, (row+1)*tileSize)
	sb := src.Bounds()
	if sb.Dx() == tileSize && sb.Dy() == tileSize {
		draw.Draw(dst, rect, src, sb.Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(dst, rect, src, sb, draw.Src, nil)
}

func encodeTIFF(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTIFF(data []byte) (*image.RGBA, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}
