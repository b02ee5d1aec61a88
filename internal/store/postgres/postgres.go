// Package postgres implements the Canonical Store and the report log on
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/store"
)

// Config configures the pool.
type Config struct {
	URL      string
	MaxConns int32
}

// Store is a PostgreSQL-backed store.Canonical and store.ReportLog.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.Canonical = (*Store)(nil)
	_ store.ReportLog = (*Store)(nil)
)

// Open parses cfg, creates the pool and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity; used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS weekly_records (
	location_id   TEXT NOT NULL,
	week          DATE NOT NULL,
	cases         BIGINT,
	temperature   DOUBLE PRECISION,
	precipitation DOUBLE PRECISION,
	humidity      DOUBLE PRECISION,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (location_id, week)
);

CREATE TABLE IF NOT EXISTS raw_reports (
	id          TEXT PRIMARY KEY,
	location_id TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	metric      TEXT NOT NULL,
	value       DOUBLE PRECISION,
	source_id   TEXT NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS raw_reports_location_ingested_idx
	ON raw_reports (location_id, ingested_at);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Upsert replaces the record for (location, week) in a single statement.
func (s *Store) Upsert(ctx context.Context, rec domain.WeeklyRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO weekly_records (location_id, week, cases, temperature, precipitation, humidity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (location_id, week) DO UPDATE SET
			cases         = EXCLUDED.cases,
			temperature   = EXCLUDED.temperature,
			precipitation = EXCLUDED.precipitation,
			humidity      = EXCLUDED.humidity,
			updated_at    = now()`,
		rec.LocationID, rec.Week.Time(), rec.Cases, rec.Temperature, rec.Precipitation, rec.Humidity)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rec.LocationID, rec.Week, err)
	}
	return nil
}

// Bounds returns the stored span of a location.
func (s *Store) Bounds(ctx context.Context, locationID string) (domain.WeekKey, domain.WeekKey, error) {
	var first, last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT min(week), max(week) FROM weekly_records WHERE location_id = $1`,
		locationID).Scan(&first, &last)
	if err != nil {
		return domain.WeekKey{}, domain.WeekKey{}, fmt.Errorf("bounds %s: %w", locationID, err)
	}
	if first == nil || last == nil {
		return domain.WeekKey{}, domain.WeekKey{}, fmt.Errorf("%w: %q", domain.ErrUnknownLocation, locationID)
	}
	return domain.WeekKeyFromDate(*first), domain.WeekKeyFromDate(*last), nil
}

// Range returns from..to inclusive with null records for unstored weeks.
func (s *Store) Range(ctx context.Context, locationID string, from, to domain.WeekKey) ([]domain.WeeklyRecord, error) {
	if err := store.CheckRange(from, to); err != nil {
		return nil, err
	}
	if _, _, err := s.Bounds(ctx, locationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT location_id, week, cases, temperature, precipitation, humidity
		FROM weekly_records
		WHERE location_id = $1 AND week BETWEEN $2 AND $3
		ORDER BY week`,
		locationID, from.Time(), to.Time())
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", locationID, err)
	}
	stored, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", locationID, err)
	}
	return store.FillRange(locationID, from, to, stored), nil
}

func scanRecord(row pgx.CollectableRow) (domain.WeeklyRecord, error) {
	var (
		rec  domain.WeeklyRecord
		week time.Time
	)
	if err := row.Scan(&rec.LocationID, &week, &rec.Cases, &rec.Temperature, &rec.Precipitation, &rec.Humidity); err != nil {
		return domain.WeeklyRecord{}, err
	}
	rec.Week = domain.WeekKeyFromDate(week)
	return rec, nil
}

// LastNWeeks returns the n weeks ending at the latest stored week.
func (s *Store) LastNWeeks(ctx context.Context, locationID string, n int) ([]domain.WeeklyRecord, error) {
	first, last, err := s.Bounds(ctx, locationID)
	if err != nil {
		return nil, err
	}
	from, err := store.LastNStart(locationID, first, last, n)
	if err != nil {
		return nil, err
	}
	return s.Range(ctx, locationID, from, last)
}

// Locations lists locations with stored records, sorted.
func (s *Store) Locations(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT location_id FROM weekly_records ORDER BY location_id`)
}

// ReportLocations lists locations with at least one report, sorted.
func (s *Store) ReportLocations(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT location_id FROM raw_reports ORDER BY location_id`)
}

func (s *Store) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	locs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	return locs, nil
}

// LockLocation takes a session-level advisory lock keyed by the location on a
// dedicated connection. Waiting is cancelled with ctx.
func (s *Store) LockLocation(ctx context.Context, locationID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, locationID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock %s: %w", locationID, err)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, locationID); err != nil {
			// A broken session drops its advisory locks; don't return it to the pool.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

// Append inserts reports whose ID is not yet stored.
func (s *Store) Append(ctx context.Context, reports ...domain.RawReport) (int, error) {
	if len(reports) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range reports {
		if r.ID == "" {
			return 0, fmt.Errorf("%w: report without id", domain.ErrInvalidArgument)
		}
		batch.Queue(`
			INSERT INTO raw_reports (id, location_id, observed_at, metric, value, source_id, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, r.LocationID, r.ObservedAt, string(r.Metric), r.Value, r.SourceID, r.IngestedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	inserted := 0
	var errs []error
	for range reports {
		tag, err := br.Exec()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return inserted, fmt.Errorf("append reports: %w", errors.Join(errs...))
	}
	return inserted, nil
}

// Reports returns a location's reports ingested at or before cutoff.
func (s *Store) Reports(ctx context.Context, locationID string, cutoff time.Time) ([]domain.RawReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, location_id, observed_at, metric, value, source_id, ingested_at
		FROM raw_reports
		WHERE location_id = $1 AND ingested_at <= $2
		ORDER BY ingested_at, id`,
		locationID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reports %s: %w", locationID, err)
	}
	reports, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RawReport, error) {
		var (
			r      domain.RawReport
			metric string
		)
		if err := row.Scan(&r.ID, &r.LocationID, &r.ObservedAt, &metric, &r.Value, &r.SourceID, &r.IngestedAt); err != nil {
			return domain.RawReport{}, err
		}
		r.Metric = domain.Metric(metric)
		r.ObservedAt = r.ObservedAt.UTC()
		r.IngestedAt = r.IngestedAt.UTC()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reports %s: %w", locationID, err)
	}
	return reports, nil
}
