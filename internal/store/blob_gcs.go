package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSBlob stores objects in a Google Cloud Storage bucket under an optional prefix.
type GCSBlob struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlob creates a client using application default credentials.
func NewGCSBlob(ctx context.Context, bucket, prefix string) (*GCSBlob, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs backend requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSBlob{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (b *GCSBlob) object(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Create uploads data with a does-not-exist precondition. The object only becomes
// visible when the writer is closed, and a failed write is aborted by cancelling it.
func (b *GCSBlob) Create(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := b.client.Bucket(b.bucket).Object(b.object(key)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/vnd.apache.parquet"

	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", b.bucket, b.object(key), err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("gs://%s/%s: %w", b.bucket, b.object(key), errBlobExists)
		}
		return fmt.Errorf("finalizing gs://%s/%s: %w", b.bucket, b.object(key), err)
	}
	return nil
}

func (b *GCSBlob) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(b.object(key)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", b.bucket, b.object(key), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gs://%s/%s: %w", b.bucket, b.object(key), err)
	}
	return data, nil
}

func (b *GCSBlob) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: b.object(prefix)})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", b.bucket, b.object(prefix), err)
		}
		key := attrs.Name
		if b.prefix != "" {
			key = strings.TrimPrefix(key, b.prefix+"/")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *GCSBlob) Close() error {
	return b.client.Close()
}
