package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

const parquetExt = ".parquet"

// parquetRow is the on-disk layout of one record.
type parquetRow struct {
	Time     time.Time `parquet:"time,timestamp(millisecond)"`
	NDVI     *float64  `parquet:"ndvi,optional"`
	BSI      *float64  `parquet:"bsi,optional"`
	NDMI     *float64  `parquet:"ndmi,optional"`
	NBR      *float64  `parquet:"nbr,optional"`
	AOIName  string    `parquet:"aoi_name"`
	Geometry []byte    `parquet:"geometry"`
	CRS      string    `parquet:"crs"`
	BatchID  string    `parquet:"batch_id"`
}

// ParquetStore writes one parquet file per batch to a blob backend, grouped in one
// directory per AOI. The watermark is recomputed from the files on every call.
type ParquetStore struct {
	blob Blob
}

// NewParquetStore creates a store on top of blob.
func NewParquetStore(blob Blob) *ParquetStore {
	return &ParquetStore{blob: blob}
}

func batchKey(b *series.Batch) string {
	name := b.FileName() + parquetExt
	if b.AOIName == "" {
		return name
	}
	return b.AOIName + "/" + name
}

func (s *ParquetStore) WriteBatch(ctx context.Context, b *series.Batch) error {
	if b == nil {
		return fmt.Errorf("writing nil batch: %w", series.ErrInvalidArgument)
	}
	if err := series.ValidateAOIName(b.AOIName); err != nil {
		return err
	}
	geom, err := geometry.EncodeWKB(b.BBox)
	if err != nil {
		return persistErr("encoding geometry", err)
	}

	rows := make([]parquetRow, 0, len(b.Records))
	for _, r := range b.Records {
		rows = append(rows, parquetRow{
			Time:     series.Date(r.Time),
			NDVI:     r.Values[series.NDVI],
			BSI:      r.Values[series.BSI],
			NDMI:     r.Values[series.NDMI],
			NBR:      r.Values[series.NBR],
			AOIName:  b.AOIName,
			Geometry: geom,
			CRS:      series.CRS,
			BatchID:  b.ID.String(),
		})
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return persistErr("encoding parquet", err)
	}

	key := batchKey(b)
	if err := s.blob.Create(ctx, key, buf.Bytes()); err != nil {
		if errors.Is(err, errBlobExists) {
			return fmt.Errorf("%s: %w", key, ErrBatchExists)
		}
		return persistErr("writing batch", err)
	}
	return nil
}

func (s *ParquetStore) readAOI(ctx context.Context, aoiName string) ([]parquetRow, error) {
	if err := series.ValidateAOIName(aoiName); err != nil {
		return nil, err
	}
	keys, err := s.blob.List(ctx, aoiName+"/")
	if err != nil {
		return nil, persistErr("listing batches", err)
	}

	var rows []parquetRow
	for _, k := range keys {
		if !strings.HasSuffix(k, parquetExt) {
			continue
		}
		data, err := s.blob.Get(ctx, k)
		if err != nil {
			return nil, persistErr("reading batch", err)
		}
		batch, err := parquet.Read[parquetRow](bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, persistErr(fmt.Sprintf("decoding %s", k), err)
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}

func (s *ParquetStore) Watermark(ctx context.Context, aoiName string) (*series.Watermark, error) {
	rows, err := s.readAOI(ctx, aoiName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var last time.Time
	ext := geometry.NewExtent()
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.Time.After(last) {
			last = r.Time
		}
		if seen[r.BatchID] {
			continue
		}
		seen[r.BatchID] = true
		bb, err := geometry.DecodeWKB(r.Geometry)
		if err != nil {
			return nil, persistErr("decoding geometry", err)
		}
		ext.Add(bb)
	}
	return &series.Watermark{AOIName: aoiName, LastDate: series.Date(last), BBox: ext.BBox()}, nil
}

func (s *ParquetStore) ReadSeries(ctx context.Context, aoiName string, from, to time.Time) ([]series.Record, error) {
	rows, err := s.readAOI(ctx, aoiName)
	if err != nil {
		return nil, err
	}

	geoms := make(map[string]series.BBox)
	var out []series.Record
	for _, r := range rows {
		t := series.Date(r.Time)
		if !inRange(t, from, to) {
			continue
		}
		bb, ok := geoms[r.BatchID]
		if !ok {
			if bb, err = geometry.DecodeWKB(r.Geometry); err != nil {
				return nil, persistErr("decoding geometry", err)
			}
			geoms[r.BatchID] = bb
		}
		out = append(out, series.Record{
			AOIName: r.AOIName,
			Time:    t,
			Values: map[series.Index]*float64{
				series.NDVI: r.NDVI,
				series.BSI:  r.BSI,
				series.NDMI: r.NDMI,
				series.NBR:  r.NBR,
			},
			BBox: bb,
			CRS:  r.CRS,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *ParquetStore) ListAOIs(ctx context.Context) ([]string, error) {
	keys, err := s.blob.List(ctx, "")
	if err != nil {
		return nil, persistErr("listing batches", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, k := range keys {
		dir, _, ok := strings.Cut(k, "/")
		if !ok || !strings.HasSuffix(k, parquetExt) || seen[dir] {
			continue
		}
		seen[dir] = true
		names = append(names, dir)
	}
	sort.Strings(names)
	return names, nil
}

func (s *ParquetStore) Close() error {
	return s.blob.Close()
}
