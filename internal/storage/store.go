package storage

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured  = errors.New("object storage is not configured")
	ErrObjectNotFound = errors.New("object not found")
)

// BlobStore keeps cached composite rasters. Put must be idempotent for a
// given key.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}
