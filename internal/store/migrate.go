package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// MigrationState reports whether one schema migration has been applied.
type MigrationState struct {
	Version int64
	Path    string
	Applied bool
}

func newProvider(driver string, db *sql.DB) (*goose.Provider, error) {
	var (
		dialect goose.Dialect
		fsys    embed.FS
		dir     string
	)
	switch driver {
	case "sqlite":
		dialect, fsys, dir = goose.DialectSQLite3, sqliteMigrations, "migrations"
	case "postgres":
		dialect, fsys, dir = goose.DialectPostgres, pgMigrations, "pgmigrations"
	default:
		return nil, fmt.Errorf("storage driver %q has no schema migrations", driver)
	}

	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return nil, fmt.Errorf("loading %s migrations: %w", driver, err)
	}
	return p, nil
}

// migrateUp applies every pending migration of driver's schema.
func migrateUp(ctx context.Context, driver string, db *sql.DB) error {
	p, err := newProvider(driver, db)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("applied migration", "driver", driver, "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// MigrationStatus lists the schema migrations known for driver and whether db has them.
func MigrationStatus(ctx context.Context, driver string, db *sql.DB) ([]MigrationState, error) {
	p, err := newProvider(driver, db)
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationState{
			Version: s.Source.Version,
			Path:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
