package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalBlob stores objects as files below a root directory.
type LocalBlob struct {
	root string
}

// NewLocalBlob creates the root directory if needed.
func NewLocalBlob(root string) (*LocalBlob, error) {
	if root == "" {
		root = "data"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	return &LocalBlob{root: root}, nil
}

func (b *LocalBlob) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// Create writes to a temporary file in the target directory and links it into place,
// so readers never observe a partial file and an existing file is never replaced.
func (b *LocalBlob) Create(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", key, err)
	}

	if err := os.Link(tmp.Name(), dst); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", key, errBlobExists)
		}
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

func (b *LocalBlob) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func (b *LocalBlob) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", b.root, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *LocalBlob) Close() error { return nil }
