package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/astroAycha/geospatial-mlops/internal/config"
)

// errBlobExists is returned by Blob.Create when the key is already taken.
var errBlobExists = errors.New("blob already exists")

// Blob is a flat key/value object store. Keys use forward slashes.
type Blob interface {
	// Create writes data under key, failing with errBlobExists if the key exists.
	Create(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// OpenBlob creates the blob backend selected by cfg.Backend.
func OpenBlob(ctx context.Context, cfg config.ParquetConfig) (Blob, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBlob(cfg.Root)
	case "gcs":
		return NewGCSBlob(ctx, cfg.Bucket, cfg.Prefix)
	case "s3":
		return NewS3Blob(ctx, cfg.Bucket, cfg.Prefix, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown parquet backend: %s", cfg.Backend)
	}
}
