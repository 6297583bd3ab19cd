package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgConnectTimeout = 10 * time.Second

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects through pgx, checks the server is reachable and brings the
// schema up to date.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), pgConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := migrateUp(ctx, "postgres", db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	return &PostgresStore{sqlStore{db: db, dialect: "postgres"}}, nil
}
