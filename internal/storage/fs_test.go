package storage

import (
	"context"
	"errors"
	"testing"
)

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "tiles/missing.tif"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Get() missing error = %v, want ErrObjectNotFound", err)
	}
	if err := store.Put(ctx, "tiles/a.tif", []byte("raster"), "image/tiff"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "tiles/a.tif", []byte("raster"), "image/tiff"); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	got, err := store.Get(ctx, "tiles/a.tif")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "raster" {
		t.Errorf("Get() = %q, want %q", got, "raster")
	}
}

func TestNewS3StoreNotConfigured(t *testing.T) {
	if _, err := NewS3Store(S3Config{Endpoint: "http://localhost:9000"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewS3Store() error = %v, want ErrNotConfigured", err)
	}
}
