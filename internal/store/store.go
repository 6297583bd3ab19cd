package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/config"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// ErrBatchExists is returned when a batch for the same AOI and date range was already
// written. Persisted batches are never overwritten.
var ErrBatchExists = fmt.Errorf("batch already exists: %w", series.ErrPersistence)

// Store persists index time series batches.
// The parquet, SQLite and PostgreSQL implementations all satisfy this interface.
type Store interface {
	// WriteBatch persists every record of a batch or none of them.
	WriteBatch(ctx context.Context, b *series.Batch) error

	// Watermark returns the latest persisted date and the AOI's bounding box, or nil
	// when nothing has been persisted for the AOI.
	Watermark(ctx context.Context, aoiName string) (*series.Watermark, error)

	// ReadSeries returns the AOI's records with from <= time <= to, ordered by time.
	// A zero from or to leaves that side open.
	ReadSeries(ctx context.Context, aoiName string, from, to time.Time) ([]series.Record, error)

	// ListAOIs returns the names of every AOI with persisted data.
	ListAOIs(ctx context.Context) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "parquet":
		blob, err := OpenBlob(ctx, cfg.Parquet)
		if err != nil {
			return nil, err
		}
		return NewParquetStore(blob), nil
	case "sqlite":
		s, err := NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// persistErr wraps err so callers can classify it as a persistence failure.
func persistErr(op string, err error) error {
	if err == nil || errors.Is(err, series.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, err, series.ErrPersistence)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
