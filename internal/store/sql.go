package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores. Queries are
// written with ? placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

func (s *sqlStore) q(query string) string {
	if s.dialect == "postgres" {
		return replacePlaceholders(query)
	}
	return query
}

// DB returns the underlying database connection for migration commands.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) WriteBatch(ctx context.Context, b *series.Batch) error {
	if b == nil || b.AOIName == "" {
		return fmt.Errorf("writing batch without aoi name: %w", series.ErrInvalidArgument)
	}
	geom, err := geometry.EncodeWKB(b.BBox)
	if err != nil {
		return persistErr("encoding geometry", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	start, end := dateString(b.Start), dateString(b.End)
	var n int
	if err := tx.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM batches
		WHERE aoi_name = ? AND start_date = ? AND end_date = ?`),
		b.AOIName, start, end).Scan(&n); err != nil {
		return persistErr("checking existing batch", err)
	}
	if n > 0 {
		return fmt.Errorf("%s %s to %s: %w", b.AOIName, start, end, ErrBatchExists)
	}

	bb := b.BBox
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO batches (
			id, aoi_name, start_date, end_date,
			min_lon, min_lat, max_lon, max_lat,
			crs, geometry, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID.String(), b.AOIName, start, end,
		bb.MinLon, bb.MinLat, bb.MaxLon, bb.MaxLat,
		series.CRS, geom, b.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return persistErr("inserting batch", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO index_points (batch_id, aoi_name, time, ndvi, bsi, ndmi, nbr)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return persistErr("preparing statement", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range b.Records {
		if _, err := stmt.ExecContext(ctx,
			b.ID.String(), b.AOIName, dateString(r.Time),
			r.Values[series.NDVI], r.Values[series.BSI], r.Values[series.NDMI], r.Values[series.NBR],
		); err != nil {
			return persistErr("inserting index point", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistErr("committing transaction", err)
	}
	return nil
}

func (s *sqlStore) Watermark(ctx context.Context, aoiName string) (*series.Watermark, error) {
	var (
		last                           sql.NullString
		minLon, minLat, maxLon, maxLat sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			(SELECT MAX(time) FROM index_points WHERE aoi_name = ?),
			MIN(min_lon), MIN(min_lat), MAX(max_lon), MAX(max_lat)
		FROM batches
		WHERE aoi_name = ?`), aoiName, aoiName).Scan(&last, &minLon, &minLat, &maxLon, &maxLat)
	if err != nil {
		return nil, persistErr("querying watermark", err)
	}
	if !last.Valid || !minLon.Valid {
		return nil, nil
	}

	ts, err := parseTimestamp(last.String)
	if err != nil {
		return nil, persistErr("parsing watermark", err)
	}
	return &series.Watermark{
		AOIName:  aoiName,
		LastDate: series.Date(ts),
		BBox: series.BBox{
			MinLon: minLon.Float64, MinLat: minLat.Float64,
			MaxLon: maxLon.Float64, MaxLat: maxLat.Float64,
		},
	}, nil
}

func (s *sqlStore) ReadSeries(ctx context.Context, aoiName string, from, to time.Time) ([]series.Record, error) {
	query := `
		SELECT p.time, p.ndvi, p.bsi, p.ndmi, p.nbr,
			b.min_lon, b.min_lat, b.max_lon, b.max_lat, b.crs
		FROM index_points p
		JOIN batches b ON b.id = p.batch_id
		WHERE p.aoi_name = ?`
	args := []any{aoiName}
	if !from.IsZero() {
		query += ` AND p.time >= ?`
		args = append(args, dateString(from))
	}
	if !to.IsZero() {
		query += ` AND p.time <= ?`
		args = append(args, dateString(to))
	}
	query += ` ORDER BY p.time`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, persistErr("querying series", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []series.Record
	for rows.Next() {
		var (
			tsRaw                string
			ndvi, bsi, ndmi, nbr sql.NullFloat64
			r                    series.Record
		)
		if err := rows.Scan(&tsRaw, &ndvi, &bsi, &ndmi, &nbr,
			&r.BBox.MinLon, &r.BBox.MinLat, &r.BBox.MaxLon, &r.BBox.MaxLat, &r.CRS); err != nil {
			return nil, persistErr("scanning index point", err)
		}
		ts, err := parseTimestamp(tsRaw)
		if err != nil {
			return nil, persistErr("parsing time", err)
		}
		r.AOIName = aoiName
		r.Time = ts
		r.Values = map[series.Index]*float64{
			series.NDVI: nullable(ndvi),
			series.BSI:  nullable(bsi),
			series.NDMI: nullable(ndmi),
			series.NBR:  nullable(nbr),
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterating series", err)
	}
	return out, nil
}

func (s *sqlStore) ListAOIs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT aoi_name FROM batches ORDER BY aoi_name`)
	if err != nil {
		return nil, persistErr("listing aois", err)
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, persistErr("scanning aoi name", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Shared helpers ---

func dateString(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return series.Float(v.Float64)
}

// parseTimestamp accepts the date and timestamp layouts the drivers hand back.
func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{
		time.DateOnly,
		time.RFC3339Nano,
		"2006-01-02 15:04:05 +0000 UTC",
		"2006-01-02 15:04:05",
	} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", v)
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	result := make([]byte, 0, len(query))
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, fmt.Sprintf("$%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
