package tiles

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
	"parcel-audit/internal/storage"
	"parcel-audit/internal/utils"
)

type memoryEntries struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemoryEntries() *memoryEntries {
	return &memoryEntries{entries: map[string]Entry{}}
}

func (m *memoryEntries) GetTileEntry(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *memoryEntries) PutTileEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *memoryEntries) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func tilePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 110, B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Retry = utils.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return opts
}

var testBBox = geometry.BBox{MinLon: 81.6000, MinLat: 21.2000, MaxLon: 81.6010, MaxLat: 21.2010}

func TestCompositeFetchedOnce(t *testing.T) {
	body := tilePNG(t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	blobs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	entries := newMemoryEntries()
	source := NewHTTPSource(HTTPSourceOptions{URLTemplate: srv.URL + "/{z}/{y}/{x}"})
	c := NewCache(source, entries, blobs, testOptions(), zerolog.Nop())

	ctx := context.Background()
	first, err := c.Composite(ctx, testBBox, 18)
	if err != nil {
		t.Fatalf("Composite() error = %v", err)
	}
	tiles := int64(tileCount(testBBox, 18))
	if got := hits.Load(); got != tiles {
		t.Fatalf("upstream requests = %d, want %d", got, tiles)
	}

	second, err := c.Composite(ctx, testBBox, 18)
	if err != nil {
		t.Fatalf("second Composite() error = %v", err)
	}
	if got := hits.Load(); got != tiles {
		t.Errorf("upstream requests after repeat = %d, want %d", got, tiles)
	}
	if first.Key != second.Key {
		t.Errorf("keys differ: %s vs %s", first.Key, second.Key)
	}
	if entries.len() != 1 {
		t.Errorf("stored entries = %d, want 1", entries.len())
	}

	// a fresh cache over the same stores reads the persisted composite
	cold := NewCache(source, entries, blobs, testOptions(), zerolog.Nop())
	restored, err := cold.Composite(ctx, testBBox, 18)
	if err != nil {
		t.Fatalf("cold Composite() error = %v", err)
	}
	if got := hits.Load(); got != tiles {
		t.Errorf("upstream requests after cold read = %d, want %d", got, tiles)
	}
	if restored.Width() != first.Width() || restored.Transform != first.Transform {
		t.Errorf("restored composite differs: %dpx %+v vs %dpx %+v", restored.Width(), restored.Transform, first.Width(), first.Transform)
	}
}

func TestCompositeConcurrentRequestsShareFetch(t *testing.T) {
	body := tilePNG(t)
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		hits.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	source := NewHTTPSource(HTTPSourceOptions{URLTemplate: srv.URL + "/{z}/{y}/{x}"})
	c := NewCache(source, nil, nil, testOptions(), zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Composite(context.Background(), testBBox, 18)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Composite() error = %v", err)
		}
	}
	if got, want := hits.Load(), int64(tileCount(testBBox, 18)); got != want {
		t.Errorf("upstream requests = %d, want %d", got, want)
	}
}

func TestCompositeFetchFailureIsNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	blobs, _ := storage.NewFSStore(t.TempDir())
	entries := newMemoryEntries()
	opts := testOptions()
	opts.FetchWorkers = 1
	source := NewHTTPSource(HTTPSourceOptions{URLTemplate: srv.URL + "/{z}/{y}/{x}"})
	c := NewCache(source, entries, blobs, opts, zerolog.Nop())

	one := geometry.BBox{MinLon: 81.60001, MinLat: 21.20001, MaxLon: 81.60002, MaxLat: 21.20002}
	_, err := c.Composite(context.Background(), one, 18)
	if !errors.Is(err, model.ErrFetch) {
		t.Fatalf("Composite() error = %v, want ErrFetch", err)
	}
	if got := hits.Load(); got != int64(opts.Retry.MaxRetries+1) {
		t.Errorf("attempts = %d, want %d", got, opts.Retry.MaxRetries+1)
	}
	if entries.len() != 0 {
		t.Errorf("stored entries = %d, want 0", entries.len())
	}
}

func TestCompositeRejectsOversizedBBox(t *testing.T) {
	source := NewHTTPSource(HTTPSourceOptions{URLTemplate: "http://invalid/{z}/{y}/{x}"})
	opts := testOptions()
	opts.MaxTiles = 4
	c := NewCache(source, nil, nil, opts, zerolog.Nop())

	big := geometry.BBox{MinLon: 81.0, MinLat: 21.0, MaxLon: 81.5, MaxLat: 21.5}
	if _, err := c.Composite(context.Background(), big, 18); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("Composite() error = %v, want ErrInvalidInput", err)
	}
}

func TestKey(t *testing.T) {
	a := Key("src", testBBox, 18)
	if a != Key("src", testBBox, 18) {
		t.Error("Key() is not stable")
	}
	if a == Key("src", testBBox, 17) || a == Key("other", testBBox, 18) {
		t.Error("Key() collides for different inputs")
	}
}

func TestStitchedTransform(t *testing.T) {
	tl, br := tileRange(testBBox, 18)
	actual := stitchedBBox(tl, br)
	if actual.MinLon > testBBox.MinLon || actual.MaxLon < testBBox.MaxLon || actual.MinLat > testBBox.MinLat || actual.MaxLat < testBBox.MaxLat {
		t.Errorf("stitched bbox %+v does not cover %+v", actual, testBBox)
	}
}
