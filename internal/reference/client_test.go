package reference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

type fakeSource struct {
	layers      map[string][]Feature
	failFilters bool
	calls       atomic.Int64
}

func (f *fakeSource) Features(_ context.Context, layer, filter string) ([]Feature, error) {
	f.calls.Add(1)
	if filter == "" {
		return f.layers[layer], nil
	}
	if f.failFilters {
		return nil, model.ErrFetch
	}
	i := strings.Index(filter, "='")
	key := filter[:i]
	value := strings.ReplaceAll(filter[i+2:len(filter)-1], "''", "'")
	var out []Feature
	for _, feat := range f.layers[layer] {
		if feat.String(key) == value {
			out = append(out, feat)
		}
	}
	return out, nil
}

type memoryBoundaries struct {
	mu      sync.Mutex
	entries map[string]BoundaryEntry
}

func (m *memoryBoundaries) GetBoundaryEntry(_ context.Context, area, category string) (*BoundaryEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[area+"|"+category]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *memoryBoundaries) PutBoundaryEntry(_ context.Context, e BoundaryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.AreaName+"|"+e.Category] = e
	return nil
}

func square(lon, lat, d float64) orb.Polygon {
	return orb.Polygon{{{lon, lat}, {lon + d, lat}, {lon + d, lat + d}, {lon, lat + d}, {lon, lat}}}
}

func testSource() *fakeSource {
	return &fakeSource{layers: map[string][]Feature{
		"csidc_industrial_area_outer_boundary": {
			{ID: "b1", Properties: map[string]any{"industri_1": "Siltara Phase 1"}, Geometry: square(81.60, 21.20, 0.01)},
			{ID: "b2", Properties: map[string]any{"industri_1": "Urla"}, Geometry: square(81.70, 21.30, 0.01)},
		},
		"csidc_industrial_area_with_plots": {
			{ID: "p2", Properties: map[string]any{"ia_name": "Siltara Phase 1", "plot_no": "A-2", "status": "vacant"}, Geometry: square(81.602, 21.202, 0.001)},
			{ID: "p1", Properties: map[string]any{"ia_name": "Siltara Phase 1", "plot_no": "A-1", "allottee": "Old Name", "status": "Allotted"}, Geometry: square(81.601, 21.201, 0.001)},
			{ID: "p9", Properties: map[string]any{"ia_name": "Urla", "plot_no": "U-9"}, Geometry: square(81.701, 21.301, 0.001)},
		},
		"csidc_old_IA_outer_b": {
			{ID: "o1", Properties: map[string]any{"industrial": "Bhanpuri"}, Geometry: square(81.50, 21.10, 0.01)},
		},
		"csidc_old_IA": {
			{ID: "op1", Properties: map[string]any{"industrial": "Bhanpuri", "plot_name": "17"}, Geometry: square(81.501, 21.101, 0.001)},
		},
	}}
}

func newTestClient(src FeatureSource, store BoundaryStore, reg *Register) *Client {
	return NewClient(src, store, reg, DefaultOptions(), zerolog.Nop())
}

func TestLookupExactName(t *testing.T) {
	src := testSource()
	c := newTestClient(src, nil, nil)

	res, err := c.Lookup(context.Background(), Criteria{AreaName: "Siltara Phase 1"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !res.Found || res.Strategy != "exact_name" {
		t.Fatalf("Lookup() found=%v strategy=%q, want exact_name", res.Found, res.Strategy)
	}
	if len(res.Plots) != 2 {
		t.Fatalf("plots = %d, want 2", len(res.Plots))
	}
	if res.Plots[0].ID != "p1" || res.Plots[0].Name != "A-1" {
		t.Errorf("first plot = %s/%s, want p1/A-1", res.Plots[0].ID, res.Plots[0].Name)
	}
	if res.Plots[0].Status != StatusAllotted || res.Plots[1].Status != StatusAvailable {
		t.Errorf("statuses = %s, %s", res.Plots[0].Status, res.Plots[1].Status)
	}
	if res.DataSource != parcel.DataSourceReference {
		t.Errorf("DataSource = %q, want %q", res.DataSource, parcel.DataSourceReference)
	}
}

func TestLookupStrategies(t *testing.T) {
	bbox := geometry.BBox{MinLon: 81.705, MinLat: 21.305, MaxLon: 81.715, MaxLat: 21.315}
	tests := []struct {
		name     string
		criteria Criteria
		strategy string
		area     string
	}{
		{"fuzzy name", Criteria{AreaName: "siltara-phase 1"}, "fuzzy_name", "Siltara Phase 1"},
		{"spatial bbox", Criteria{BBox: &bbox}, "spatial_bbox", "Urla"},
		{"legacy layer", Criteria{AreaName: "bhanpuri", Category: "industrial"}, "legacy_layer", "Bhanpuri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(testSource(), nil, nil)
			res, err := c.Lookup(context.Background(), tt.criteria)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if !res.Found {
				t.Fatal("Lookup() found = false")
			}
			if res.Strategy != tt.strategy {
				t.Errorf("Strategy = %q, want %q", res.Strategy, tt.strategy)
			}
			if res.Name != tt.area {
				t.Errorf("Name = %q, want %q", res.Name, tt.area)
			}
			if len(res.Plots) != 1 && tt.strategy != "fuzzy_name" {
				t.Errorf("plots = %d, want 1", len(res.Plots))
			}
		})
	}
}

func TestLookupContinuesAfterStrategyError(t *testing.T) {
	src := testSource()
	src.failFilters = true
	c := newTestClient(src, nil, nil)

	res, err := c.Lookup(context.Background(), Criteria{AreaName: "Siltara Phase 1"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if res.Strategy != "fuzzy_name" {
		t.Errorf("Strategy = %q, want fuzzy_name", res.Strategy)
	}
	// plots fall back to a full fetch filtered by name
	if len(res.Plots) != 2 {
		t.Errorf("plots = %d, want 2", len(res.Plots))
	}
}

func TestLookupUnknownAreaIsNotCached(t *testing.T) {
	src := testSource()
	store := &memoryBoundaries{entries: map[string]BoundaryEntry{}}
	c := newTestClient(src, store, nil)

	res, err := c.Lookup(context.Background(), Criteria{AreaName: "Nowhere Estate"})
	if err != nil {
		t.Fatalf("Lookup() error = %v, want nil", err)
	}
	if res.Found {
		t.Fatal("Lookup() found = true for unknown area")
	}
	if res.Strategy != StrategyNotFound {
		t.Errorf("Strategy = %q, want %q", res.Strategy, StrategyNotFound)
	}
	first := src.calls.Load()
	if _, err := c.Lookup(context.Background(), Criteria{AreaName: "Nowhere Estate"}); err != nil {
		t.Fatalf("second Lookup() error = %v", err)
	}
	if src.calls.Load() == first {
		t.Error("unknown area was served from cache")
	}
	if len(store.entries) != 0 {
		t.Errorf("stored entries = %d, want 0", len(store.entries))
	}
}

func TestLookupCaching(t *testing.T) {
	src := testSource()
	store := &memoryBoundaries{entries: map[string]BoundaryEntry{}}
	c := newTestClient(src, store, nil)
	ctx := context.Background()
	cr := Criteria{AreaName: "Siltara Phase 1"}

	if _, err := c.Lookup(ctx, cr); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	calls := src.calls.Load()
	if _, err := c.Lookup(ctx, cr); err != nil {
		t.Fatalf("repeat Lookup() error = %v", err)
	}
	if src.calls.Load() != calls {
		t.Errorf("repeat lookup reached the source")
	}

	cold := newTestClient(src, store, nil)
	res, err := cold.Lookup(ctx, cr)
	if err != nil {
		t.Fatalf("cold Lookup() error = %v", err)
	}
	if src.calls.Load() != calls {
		t.Errorf("cold lookup reached the source")
	}
	if !res.Cached || len(res.Plots) != 2 || res.Plots[0].Geometry == nil {
		t.Errorf("cold lookup returned cached=%v plots=%d", res.Cached, len(res.Plots))
	}
	if _, ok := res.Boundary.(orb.Polygon); !ok {
		t.Errorf("restored boundary is %T, want orb.Polygon", res.Boundary)
	}

	cr.Refresh = true
	if _, err := c.Lookup(ctx, cr); err != nil {
		t.Fatalf("refresh Lookup() error = %v", err)
	}
	if src.calls.Load() == calls {
		t.Error("refresh did not reach the source")
	}
}

func TestLookupRequiresNameOrBBox(t *testing.T) {
	c := newTestClient(testSource(), nil, nil)
	if _, err := c.Lookup(context.Background(), Criteria{}); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("Lookup() error = %v, want ErrInvalidInput", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"Allotted", StatusAllotted},
		{"ALLOTED", StatusAllotted},
		{"Lease deed executed", StatusAllotted},
		{"Unallotted", StatusAvailable},
		{"vacant", StatusAvailable},
		{"Allotment Cancelled", StatusCancelled},
		{"Under court case", StatusDisputed},
		{"pending verification", StatusUnderReview},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := NormalizeStatus(tt.raw); got != tt.want {
				t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRegisterEnrichesPlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "register.xlsx")
	f := excelize.NewFile()
	rows := [][]any{
		{"Area Name", "Plot No", "Allottee", "Status", "Allotment Date"},
		{"Siltara Phase 1", "A-1", "Acme Steel", "Allotted", "15-03-2019"},
		{"", "A-2", "", "Cancelled", ""},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs() error = %v", err)
	}

	reg, err := LoadRegister(path)
	if err != nil {
		t.Fatalf("LoadRegister() error = %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	c := newTestClient(testSource(), nil, reg)
	res, err := c.Lookup(context.Background(), Criteria{AreaName: "Siltara Phase 1"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	a1, a2 := res.Plots[0], res.Plots[1]
	if a1.Allottee != "Acme Steel" {
		t.Errorf("A-1 allottee = %q, want Acme Steel", a1.Allottee)
	}
	want := time.Date(2019, 3, 15, 0, 0, 0, 0, time.UTC)
	if a1.AllotmentDate == nil || !a1.AllotmentDate.Equal(want) {
		t.Errorf("A-1 date = %v, want %v", a1.AllotmentDate, want)
	}
	if a2.Status != StatusCancelled {
		t.Errorf("A-2 status = %q, want %q", a2.Status, StatusCancelled)
	}
	if res.DataSource != parcel.DataSourceRegister {
		t.Errorf("DataSource = %q, want %q", res.DataSource, parcel.DataSourceRegister)
	}
}

func TestRegisterRequiresPlotColumn(t *testing.T) {
	_, err := parseRegister([][]string{{"Allottee", "Status"}, {"Acme", "Allotted"}})
	if !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("parseRegister() error = %v, want ErrConfiguration", err)
	}
}

func TestGISClientFeatures(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody layerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"type":"FeatureCollection","features":[
			{"type":"Feature","id":7,"properties":{"plot_no":"B-7"},
			 "geometry":{"type":"Polygon","coordinates":[[[81.6,21.2],[81.601,21.2],[81.601,21.201],[81.6,21.201]]]}},
			{"type":"Feature","properties":{},"geometry":null}
		]}`)
	}))
	defer srv.Close()

	c := NewGISClient(GISOptions{BaseURL: srv.URL, Token: "secret"}, zerolog.Nop())
	features, err := c.Features(context.Background(), "csidc_industrial_area_with_plots", eqFilter("ia_name", "Urla"))
	if err != nil {
		t.Fatalf("Features() error = %v", err)
	}
	if gotPath != "/block" || gotAuth != "secret" {
		t.Errorf("request path=%q auth=%q", gotPath, gotAuth)
	}
	if gotBody.LayerName != "csidc_industrial_area_with_plots" || gotBody.Filter != "ia_name='Urla'" {
		t.Errorf("request body = %+v", gotBody)
	}
	if len(features) != 1 {
		t.Fatalf("features = %d, want 1", len(features))
	}
	if features[0].ID != "7" || features[0].String("plot_no") != "B-7" {
		t.Errorf("feature = %s/%s", features[0].ID, features[0].String("plot_no"))
	}
	if _, ok := features[0].Geometry.(orb.Polygon); !ok {
		t.Errorf("geometry is %T, want orb.Polygon", features[0].Geometry)
	}
}

func TestGISClientRejectsClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	opts := GISOptions{BaseURL: srv.URL}
	opts.Retry.MaxRetries = 3
	opts.Retry.BaseDelay = time.Millisecond
	c := NewGISClient(opts, zerolog.Nop())
	if _, err := c.Features(context.Background(), "layer", ""); !errors.Is(err, model.ErrFetch) {
		t.Errorf("Features() error = %v, want ErrFetch", err)
	}
	if hits.Load() != 1 {
		t.Errorf("attempts = %d, want 1", hits.Load())
	}
}

func TestAreas(t *testing.T) {
	tests := []struct {
		name     string
		category string
		want     []string
		wantErr  error
	}{
		{name: "one category", category: "industrial", want: []string{"Siltara Phase 1", "Urla"}},
		{name: "every category", category: "", want: []string{"Siltara Phase 1", "Urla", "Bhanpuri"}},
		{name: "unknown category", category: "forest", wantErr: model.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(testSource(), nil, nil)
			got, err := c.Areas(context.Background(), tt.category, false)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Areas() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Areas() error = %v", err)
			}
			names := make([]string, len(got))
			for i, a := range got {
				names[i] = a.Name
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Areas() = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestAreasMergeAndCache(t *testing.T) {
	src := testSource()
	layer := "csidc_industrial_area_outer_boundary"
	src.layers[layer] = append(src.layers[layer],
		Feature{ID: "b3", Properties: map[string]any{"industri_1": "URLA "}, Geometry: square(81.72, 21.32, 0.01)})
	c := newTestClient(src, nil, nil)
	ctx := context.Background()

	got, err := c.Areas(ctx, "industrial", false)
	if err != nil {
		t.Fatalf("Areas() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Areas() = %d areas, want 2", len(got))
	}
	want := geometry.BBox{MinLon: 81.70, MinLat: 21.30, MaxLon: 81.73, MaxLat: 21.33}
	if b := got[1].BBox; math.Abs(b.MaxLon-want.MaxLon) > 1e-9 || math.Abs(b.MinLon-want.MinLon) > 1e-9 {
		t.Errorf("merged Urla bbox = %+v, want %+v", b, want)
	}

	calls := src.calls.Load()
	if _, err := c.Areas(ctx, "industrial", false); err != nil {
		t.Fatalf("Areas() error = %v", err)
	}
	if src.calls.Load() != calls {
		t.Errorf("cached listing hit the source")
	}
	if _, err := c.Areas(ctx, "industrial", true); err != nil {
		t.Fatalf("Areas() error = %v", err)
	}
	if src.calls.Load() != calls+1 {
		t.Errorf("refresh made %d source calls, want 1", src.calls.Load()-calls)
	}
}
