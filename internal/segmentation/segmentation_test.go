package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

func TestMaskEncodeDecode(t *testing.T) {
	m := NewMask(4, 3)
	m.Set(1, 1, 7)
	m.Set(3, 2, 300)
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeMask(data)
	if err != nil {
		t.Fatalf("DecodeMask() error = %v", err)
	}
	if got.Width != 4 || got.Height != 3 {
		t.Fatalf("size = %dx%d, want 4x3", got.Width, got.Height)
	}
	if got.At(1, 1) != 7 || got.At(3, 2) != 300 || got.At(0, 0) != 0 {
		t.Errorf("labels = %v", got.Labels)
	}
	segs := got.Segments()
	if len(segs) != 2 || segs[0] != 7 || segs[1] != 300 {
		t.Errorf("Segments() = %v, want [7 300]", segs)
	}
	if c := got.Coverage(); c != 2.0/12.0 {
		t.Errorf("Coverage() = %v, want %v", c, 2.0/12.0)
	}
}

func TestHTTPSegmenter(t *testing.T) {
	var got segmentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/segment" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		m := NewMask(8, 8)
		m.Set(2, 2, 1)
		body, _ := m.Encode()
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	s := NewHTTPSegmenter(HTTPOptions{URL: srv.URL})
	prompt := Prompt{Points: []PointPrompt{{X: 3, Y: 4, Label: 1}}, Boxes: [][4]float64{{1, 1, 6, 6}}}
	mask, err := s.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), prompt)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if mask.At(2, 2) != 1 {
		t.Errorf("mask label = %d, want 1", mask.At(2, 2))
	}
	if got.Image == "" || len(got.Points) != 1 || got.Points[0] != [3]float64{3, 4, 1} || len(got.Boxes) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestHTTPSegmenterErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"json error", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"model not loaded"}`)
		}},
		{"wrong size", func(w http.ResponseWriter, r *http.Request) {
			body, _ := NewMask(2, 2).Encode()
			w.Write(body)
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "not a png")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			s := NewHTTPSegmenter(HTTPOptions{URL: srv.URL})
			_, err := s.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), Prompt{})
			if !errors.Is(err, model.ErrInference) {
				t.Errorf("Segment() error = %v, want ErrInference", err)
			}
		})
	}
}

type fakeSegmenter struct {
	delay   time.Duration
	active  atomic.Int64
	peak    atomic.Int64
	calls   atomic.Int64
	failErr error
}

func (f *fakeSegmenter) Segment(ctx context.Context, img image.Image, _ Prompt) (*Mask, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.failErr != nil {
		return nil, f.failErr
	}
	b := img.Bounds()
	return NewMask(b.Dx(), b.Dy()), nil
}

func TestDispatcherRunsOneCallAtATime(t *testing.T) {
	seg := &fakeSegmenter{delay: 10 * time.Millisecond}
	d := NewDispatcher(seg, DefaultDispatcherOptions(), zerolog.Nop())
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Submit(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), Prompt{}); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if seg.calls.Load() != 6 {
		t.Errorf("calls = %d, want 6", seg.calls.Load())
	}
	if seg.peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", seg.peak.Load())
	}
}

func TestDispatcherTimeout(t *testing.T) {
	seg := &fakeSegmenter{delay: time.Second}
	d := NewDispatcher(seg, DispatcherOptions{QueueSize: 1, Timeout: 20 * time.Millisecond}, zerolog.Nop())
	defer d.Close()

	_, err := d.Submit(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), Prompt{})
	if !errors.Is(err, model.ErrInference) {
		t.Errorf("Submit() error = %v, want ErrInference", err)
	}
}

func TestDispatcherWrapsFailures(t *testing.T) {
	seg := &fakeSegmenter{failErr: errors.New("cuda out of memory")}
	d := NewDispatcher(seg, DefaultDispatcherOptions(), zerolog.Nop())
	defer d.Close()

	_, err := d.Submit(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), Prompt{})
	if !errors.Is(err, model.ErrInference) {
		t.Errorf("Submit() error = %v, want ErrInference", err)
	}
}

func TestDispatcherClosed(t *testing.T) {
	d := NewDispatcher(&fakeSegmenter{}, DefaultDispatcherOptions(), zerolog.Nop())
	d.Close()
	if _, err := d.Submit(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), Prompt{}); !errors.Is(err, model.ErrInference) {
		t.Errorf("Submit() after Close error = %v, want ErrInference", err)
	}
}

func square(lon, lat, d float64) orb.Polygon {
	return orb.Polygon{{{lon, lat}, {lon + d, lat}, {lon + d, lat + d}, {lon, lat + d}, {lon, lat}}}
}

func TestPlanGuided(t *testing.T) {
	bbox := geometry.BBox{MinLon: 81.600, MinLat: 21.200, MaxLon: 81.601, MaxLat: 21.201}
	grid := Grid{Transform: geometry.AffineFromBBox(bbox, 100, 100), Width: 100, Height: 100}

	covered := square(81.6001, 21.2001, 0.0002)
	missed := square(81.6005, 21.2005, 0.0002)
	outside := square(81.700, 21.300, 0.0002)
	refs := []parcel.ReferencePlot{
		{ID: "a", Geometry: covered},
		{ID: "b", Geometry: missed},
		{ID: "c", Geometry: outside},
	}
	auto := orb.MultiPolygon{square(81.6000, 21.2000, 0.0004)}

	targets, err := PlanGuided(context.Background(), refs, auto, grid, DefaultGuidedOptions())
	if err != nil {
		t.Fatalf("PlanGuided() error = %v", err)
	}
	if len(targets) != 1 || targets[0].ReferenceID != "b" {
		t.Fatalf("targets = %+v, want only b", targets)
	}
	p := targets[0].Prompt
	if len(p.Points) != 5 {
		t.Errorf("points = %d, want centroid plus 4 edge midpoints", len(p.Points))
	}
	if len(p.Boxes) != 1 {
		t.Fatalf("boxes = %d, want 1", len(p.Boxes))
	}
	box := p.Boxes[0]
	if box[0] < 49 || box[0] > 51 || box[2] < 69 || box[2] > 71 {
		t.Errorf("box = %v, want x from 50 to 70", box)
	}
	c := p.Points[0]
	if c.X < 59 || c.X > 61 || c.Y < 39 || c.Y > 41 || c.Label != 1 {
		t.Errorf("centroid prompt = %+v, want (60, 40)", c)
	}
}

func TestRedundant(t *testing.T) {
	auto := orb.MultiPolygon{square(0, 0, 10)}
	tests := []struct {
		name string
		poly orb.Polygon
		want bool
	}{
		{"inside", square(1, 1, 2), true},
		{"mostly outside", square(9, 9, 4), false},
		{"disjoint", square(20, 20, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redundant(tt.poly, auto, 0.6); got != tt.want {
				t.Errorf("Redundant() = %v, want %v", got, tt.want)
			}
		})
	}
}
