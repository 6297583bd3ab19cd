package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// SQLiteStore implements Store backed by a single SQLite file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (creating if needed) the database at path, restricts the file
// to its owner and brings the schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection: batch transactions never interleave and pragmas stick.
	db.SetMaxOpenConns(1)

	fail := func(op string, err error) (*SQLiteStore, error) {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx := context.Background()
	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fail(fmt.Sprintf("setting %q", pragma), err)
		}
	}
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		return fail("restricting db file permissions", err)
	}
	if err := migrateUp(ctx, "sqlite", db); err != nil {
		return fail("sqlite schema", err)
	}

	return &SQLiteStore{sqlStore{db: db, dialect: "sqlite"}}, nil
}
