// Package store persists auxiliary metadata: computed-layer assets, scalar
// measurements, and known acquisition dates. Writes are best-effort from the
// pipeline's point of view; the primary response never depends on them.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	return &Store{db: db}, nil
}

func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	asset_id     TEXT PRIMARY KEY,
	product      TEXT,
	sensor       TEXT,
	url_s3       TEXT,
	epsg         INTEGER,
	resolution_m DOUBLE PRECISION,
	acquired_ts  TEXT,
	ingested_ts  TEXT,
	footprint    TEXT,
	bbox         TEXT,
	min_val      DOUBLE PRECISION,
	max_val      DOUBLE PRECISION,
	mean_val     DOUBLE PRECISION,
	stddev_val   DOUBLE PRECISION,
	tenant_id    TEXT,
	plot_id      TEXT
);

CREATE TABLE IF NOT EXISTS measurements (
	id          SERIAL PRIMARY KEY,
	metric_id   TEXT,
	tenant_id   TEXT,
	plot_id     TEXT,
	ts          TEXT,
	metric_type TEXT,
	value       DOUBLE PRECISION,
	quality     TEXT
);

CREATE TABLE IF NOT EXISTS available_dates (
	id                SERIAL PRIMARY KEY,
	geometry_id       TEXT NOT NULL,
	date              TEXT NOT NULL,
	system_time_start BIGINT,
	cloud_cover       DOUBLE PRECISION,
	tile_id           TEXT,
	roi_geojson       TEXT
);

CREATE INDEX IF NOT EXISTS idx_available_dates_geometry
	ON available_dates (geometry_id, date);
`

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

type AssetRecord struct {
	AssetID     string   `db:"asset_id" json:"asset_id"`
	Product     *string  `db:"product" json:"product,omitempty"`
	Sensor      *string  `db:"sensor" json:"sensor,omitempty"`
	URLS3       *string  `db:"url_s3" json:"url_s3,omitempty"`
	EPSG        *int     `db:"epsg" json:"epsg,omitempty"`
	ResolutionM *float64 `db:"resolution_m" json:"resolution_m,omitempty"`
	AcquiredTS  *string  `db:"acquired_ts" json:"acquired_ts,omitempty"`
	IngestedTS  *string  `db:"ingested_ts" json:"ingested_ts,omitempty"`
	Footprint   *string  `db:"footprint" json:"footprint,omitempty"`
	BBox        *string  `db:"bbox" json:"bbox,omitempty"`
	MinVal      *float64 `db:"min_val" json:"min_val,omitempty"`
	MaxVal      *float64 `db:"max_val" json:"max_val,omitempty"`
	MeanVal     *float64 `db:"mean_val" json:"mean_val,omitempty"`
	StdDevVal   *float64 `db:"stddev_val" json:"stddev_val,omitempty"`
	TenantID    *string  `db:"tenant_id" json:"tenant_id,omitempty"`
	PlotID      *string  `db:"plot_id" json:"plot_id,omitempty"`
}

func (s *Store) InsertAsset(ctx context.Context, a AssetRecord) error {
	const q = `
INSERT INTO assets (asset_id, product, sensor, url_s3, epsg, resolution_m,
	acquired_ts, ingested_ts, footprint, bbox,
	min_val, max_val, mean_val, stddev_val, tenant_id, plot_id)
VALUES (:asset_id, :product, :sensor, :url_s3, :epsg, :resolution_m,
	:acquired_ts, :ingested_ts, :footprint, :bbox,
	:min_val, :max_val, :mean_val, :stddev_val, :tenant_id, :plot_id)
ON CONFLICT (asset_id) DO UPDATE SET
	product = EXCLUDED.product, sensor = EXCLUDED.sensor,
	url_s3 = EXCLUDED.url_s3, epsg = EXCLUDED.epsg,
	resolution_m = EXCLUDED.resolution_m, acquired_ts = EXCLUDED.acquired_ts,
	ingested_ts = EXCLUDED.ingested_ts, footprint = EXCLUDED.footprint,
	bbox = EXCLUDED.bbox, min_val = EXCLUDED.min_val,
	max_val = EXCLUDED.max_val, mean_val = EXCLUDED.mean_val,
	stddev_val = EXCLUDED.stddev_val, tenant_id = EXCLUDED.tenant_id,
	plot_id = EXCLUDED.plot_id`
	if _, err := s.db.NamedExecContext(ctx, q, a); err != nil {
		return fmt.Errorf("insert asset %s: %w", a.AssetID, err)
	}
	return nil
}

type AssetFilter struct {
	TenantID string
	PlotID   string
	Limit    int
}

func (s *Store) ListAssets(ctx context.Context, f AssetFilter) ([]AssetRecord, error) {
	q := `SELECT * FROM assets`
	var (
		clauses []string
		args    []any
	)
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.PlotID != "" {
		args = append(args, f.PlotID)
		clauses = append(clauses, fmt.Sprintf("plot_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY ingested_ts DESC LIMIT $%d", len(args))

	var out []AssetRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return out, nil
}

type MeasurementRecord struct {
	ID         int64    `db:"id" json:"id"`
	MetricID   *string  `db:"metric_id" json:"metric_id,omitempty"`
	TenantID   *string  `db:"tenant_id" json:"tenant_id,omitempty"`
	PlotID     *string  `db:"plot_id" json:"plot_id,omitempty"`
	TS         *string  `db:"ts" json:"ts,omitempty"`
	MetricType *string  `db:"metric_type" json:"metric_type,omitempty"`
	Value      *float64 `db:"value" json:"value,omitempty"`
	Quality    *string  `db:"quality" json:"quality,omitempty"`
}

func (s *Store) InsertMeasurement(ctx context.Context, m MeasurementRecord) error {
	const q = `
INSERT INTO measurements (metric_id, tenant_id, plot_id, ts, metric_type, value, quality)
VALUES (:metric_id, :tenant_id, :plot_id, :ts, :metric_type, :value, :quality)`
	if _, err := s.db.NamedExecContext(ctx, q, m); err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

type MeasurementFilter struct {
	PlotID     string
	MetricType string
	Limit      int
}

func (s *Store) ListMeasurements(ctx context.Context, f MeasurementFilter) ([]MeasurementRecord, error) {
	q := `SELECT * FROM measurements`
	var (
		clauses []string
		args    []any
	)
	if f.PlotID != "" {
		args = append(args, f.PlotID)
		clauses = append(clauses, fmt.Sprintf("plot_id = $%d", len(args)))
	}
	if f.MetricType != "" {
		args = append(args, f.MetricType)
		clauses = append(clauses, fmt.Sprintf("metric_type = $%d", len(args)))
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	var out []MeasurementRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	return out, nil
}

type AvailableDateRecord struct {
	ID              int64    `db:"id" json:"id"`
	GeometryID      string   `db:"geometry_id" json:"geometry_id"`
	Date            string   `db:"date" json:"date"`
	SystemTimeStart *int64   `db:"system_time_start" json:"system_time_start,omitempty"`
	CloudCover      *float64 `db:"cloud_cover" json:"cloud_cover,omitempty"`
	TileID          *string  `db:"tile_id" json:"tile_id,omitempty"`
	ROIGeoJSON      *string  `db:"roi_geojson" json:"roi_geojson,omitempty"`
}

func (s *Store) InsertAvailableDate(ctx context.Context, d AvailableDateRecord) error {
	const q = `
INSERT INTO available_dates (geometry_id, date, system_time_start, cloud_cover, tile_id, roi_geojson)
VALUES (:geometry_id, :date, :system_time_start, :cloud_cover, :tile_id, :roi_geojson)`
	if _, err := s.db.NamedExecContext(ctx, q, d); err != nil {
		return fmt.Errorf("insert available date %s: %w", d.Date, err)
	}
	return nil
}

type DateFilter struct {
	GeometryID string
	Start      string
	End        string
	Limit      int
}

func (s *Store) ListAvailableDates(ctx context.Context, f DateFilter) ([]AvailableDateRecord, error) {
	q := `SELECT * FROM available_dates`
	var (
		clauses []string
		args    []any
	)
	if f.GeometryID != "" {
		args = append(args, f.GeometryID)
		clauses = append(clauses, fmt.Sprintf("geometry_id = $%d", len(args)))
	}
	if f.Start != "" {
		args = append(args, f.Start)
		clauses = append(clauses, fmt.Sprintf("date >= $%d", len(args)))
	}
	if f.End != "" {
		args = append(args, f.End)
		clauses = append(clauses, fmt.Sprintf("date <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY date DESC LIMIT $%d", len(args))

	var out []AvailableDateRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list available dates: %w", err)
	}
	return out, nil
}

// GeometryID derives a stable 16-hex identifier from a GeoJSON geometry.
// The JSON is re-marshaled through a map so key order cannot change the id.
func GeometryID(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		v = string(raw)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}
