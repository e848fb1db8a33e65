package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"parcel-audit/internal/model"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "point", input: `{"type":"Point","coordinates":[81.6,21.2]}`},
		{name: "linestring", input: `{"type":"LineString","coordinates":[[81.6,21.2],[81.7,21.3]]}`},
		{name: "polygon", input: `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`},
		{name: "multipolygon", input: `{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]]]}`},
		{name: "open ring", input: `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1]]]}`, wantErr: true},
		{name: "short ring", input: `{"type":"Polygon","coordinates":[[[0,0],[1,0],[0,0]]]}`, wantErr: true},
		{name: "latitude out of range", input: `{"type":"Point","coordinates":[10,95]}`, wantErr: true},
		{name: "multipoint unsupported", input: `{"type":"MultiPoint","coordinates":[[0,0],[1,1]]}`, wantErr: true},
		{name: "not json", input: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("Parse() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestParseLenientClosesRings(t *testing.T) {
	g, err := ParseLenient([]byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1]]]}`))
	if err != nil {
		t.Fatalf("ParseLenient() error = %v", err)
	}
	p := g.(orb.Polygon)
	if !p[0].Closed() || len(p[0]) != 5 {
		t.Errorf("ParseLenient() ring = %v, want closed ring of 5", p[0])
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := orb.Polygon{
		{{81.61234567, 21.20000001}, {81.61334567, 21.20000001}, {81.61334567, 21.20100001}, {81.61234567, 21.20100001}, {81.61234567, 21.20000001}},
		{{81.6125, 21.2004}, {81.6125, 21.2006}, {81.6127, 21.2006}, {81.6127, 21.2004}, {81.6125, 21.2004}},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := out.(orb.Polygon)
	for i := range in {
		for j := range in[i] {
			for k := 0; k < 2; k++ {
				if d := math.Abs(got[i][j][k] - in[i][j][k]); d > 1e-7 {
					t.Errorf("coordinate [%d][%d][%d] drifted by %g", i, j, k, d)
				}
			}
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(orb.Point{81.6, 21.2})
	p := orb.Point{81.6123, 21.2045}
	back := f.Inverse(f.Forward(p))
	if math.Abs(back[0]-p[0]) > 1e-12 || math.Abs(back[1]-p[1]) > 1e-12 {
		t.Errorf("Inverse(Forward(p)) = %v, want %v", back, p)
	}
	east := f.Forward(orb.Point{81.601, 21.2})
	if math.Abs(east[0]-103.8) > 0.5 {
		t.Errorf("Forward() east offset = %f, want about 103.8 m", east[0])
	}
}

func TestAffine(t *testing.T) {
	b := BBox{MinLon: 81.0, MinLat: 21.0, MaxLon: 81.1, MaxLat: 21.1}
	a := AffineFromBBox(b, 1000, 500)

	tests := []struct {
		name   string
		px, py float64
		want   orb.Point
	}{
		{name: "top left", px: 0, py: 0, want: orb.Point{81.0, 21.1}},
		{name: "bottom right", px: 1000, py: 500, want: orb.Point{81.1, 21.0}},
		{name: "center", px: 500, py: 250, want: orb.Point{81.05, 21.05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.ToLonLat(tt.px, tt.py)
			if math.Abs(got[0]-tt.want[0]) > 1e-12 || math.Abs(got[1]-tt.want[1]) > 1e-12 {
				t.Errorf("ToLonLat() = %v, want %v", got, tt.want)
			}
			px, py := a.ToPixel(got)
			if math.Abs(px-tt.px) > 1e-6 || math.Abs(py-tt.py) > 1e-6 {
				t.Errorf("ToPixel() = (%f, %f), want (%f, %f)", px, py, tt.px, tt.py)
			}
		})
	}
	if got := a.Bounds(1000, 500); math.Abs(got.MinLat-b.MinLat) > 1e-12 || math.Abs(got.MaxLon-b.MaxLon) > 1e-12 {
		t.Errorf("Bounds() = %+v, want %+v", got, b)
	}
}

func TestBBox(t *testing.T) {
	if _, err := NewBBox([]float64{1, 2, 3}); err == nil {
		t.Error("NewBBox() with 3 values should fail")
	}
	if _, err := NewBBox([]float64{2, 2, 1, 3}); err == nil {
		t.Error("NewBBox() with inverted lon should fail")
	}
	a := BBox{0, 0, 2, 2}
	c, ok := a.Clip(BBox{1, 1, 3, 3})
	if !ok || c != (BBox{1, 1, 2, 2}) {
		t.Errorf("Clip() = %+v, %v", c, ok)
	}
	if _, ok := a.Clip(BBox{5, 5, 6, 6}); ok {
		t.Error("Clip() of disjoint boxes should be empty")
	}
}

func TestRingAreaAndCentroid(t *testing.T) {
	r := orb.Ring{{0, 0}, {4, 0}, {4, 2}, {0, 2}, {0, 0}}
	if got := RingArea(r); got != 8 {
		t.Errorf("RingArea() = %f, want 8", got)
	}
	c := Centroid(orb.Polygon{r})
	if math.Abs(c[0]-2) > 1e-12 || math.Abs(c[1]-1) > 1e-12 {
		t.Errorf("Centroid() = %v, want [2 1]", c)
	}
	if got := DistinctVertices(r); got != 4 {
		t.Errorf("DistinctVertices() = %d, want 4", got)
	}
}

func TestPlanarAreaSubtractsHoles(t *testing.T) {
	withHole := orb.Polygon{
		{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}},
		{{1, 1}, {1, 3}, {3, 3}, {3, 1}, {1, 1}},
	}
	tests := []struct {
		name string
		g    orb.Geometry
		want float64
	}{
		{"polygon with hole", withHole, 12},
		{"clockwise exterior", orb.Polygon{{{0, 0}, {0, 2}, {2, 2}, {2, 0}, {0, 0}}}, 4},
		{"multipolygon", orb.MultiPolygon{withHole, {{{10, 10}, {11, 10}, {11, 11}, {10, 11}, {10, 10}}}}, 13},
		{"line has no area", orb.LineString{{0, 0}, {1, 1}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanarArea(tt.g); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("PlanarArea() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := RingArea(orb.Ring{{0, 0}, {0, 2}, {2, 2}, {2, 0}, {0, 0}}); got != -4 {
		t.Errorf("RingArea() of clockwise ring = %v, want -4", got)
	}
	flat := orb.Polygon{{{0, 0}, {2, 0}, {4, 0}, {0, 0}}}
	if c := Centroid(flat); c != (orb.Point{2, 0}) {
		t.Errorf("Centroid() of degenerate polygon = %v, want [2 0]", c)
	}
}

func TestIoU(t *testing.T) {
	a := orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}
	b := orb.Polygon{{{1, 0}, {3, 0}, {3, 2}, {1, 2}, {1, 0}}}
	got, err := IoU(a, b)
	if err != nil {
		t.Fatalf("IoU() error = %v", err)
	}
	if math.Abs(got-1.0/3.0) > 1e-9 {
		t.Errorf("IoU() = %f, want 1/3", got)
	}
}

func TestMinRectAspect(t *testing.T) {
	// a 4 x 1 rectangle rotated by 30 degrees
	s, c := math.Sin(math.Pi/6), math.Cos(math.Pi/6)
	rot := func(x, y float64) orb.Point { return orb.Point{x*c - y*s, x*s + y*c} }
	hull := orb.Ring{rot(0, 0), rot(4, 0), rot(4, 1), rot(0, 1), rot(0, 0)}
	if got := MinRectAspect(hull); math.Abs(got-4) > 1e-9 {
		t.Errorf("MinRectAspect() = %v, want 4", got)
	}
}

func TestMinRectSlab(t *testing.T) {
	// the first edge is the short side, so the long axis is rotated onto y
	hull := orb.Ring{{0, 0}, {1, 0}, {1, 4}, {0, 4}, {0, 0}}
	r, ok := MinRect(hull)
	if !ok {
		t.Fatal("MinRect() found no rectangle")
	}
	if math.Abs(r.Length()-4) > 1e-12 || math.Abs(r.Width-1) > 1e-12 {
		t.Errorf("MinRect() = %v x %v, want 4 x 1", r.Length(), r.Width)
	}
	tests := []struct {
		name     string
		from, to float64
		want     orb.Bound
	}{
		{"first metre", 0, 1, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}},
		{"last half", 2, 4, orb.Bound{Min: orb.Point{0, 2}, Max: orb.Point{1, 4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Slab(tt.from, tt.to).Bound()
			for i := 0; i < 2; i++ {
				if math.Abs(got.Min[i]-tt.want.Min[i]) > 1e-12 || math.Abs(got.Max[i]-tt.want.Max[i]) > 1e-12 {
					t.Errorf("Slab() bound = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestCompactness(t *testing.T) {
	tests := []struct {
		name      string
		area      float64
		perimeter float64
		want      float64
	}{
		{"square", 1, 4, math.Pi / 4},
		{"circle", math.Pi, 2 * math.Pi, 1},
		{"no perimeter", 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compactness(tt.area, tt.perimeter); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Compactness() = %v, want %v", got, tt.want)
			}
		})
	}
}
