package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abelzeko/riverdipstick/internal/entities"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS readings (
    id BIGSERIAL PRIMARY KEY,
    station_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    is_synthetic BOOLEAN NOT NULL DEFAULT FALSE,
    favorable BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (station_id, kind, ts)
);
CREATE INDEX IF NOT EXISTS idx_readings_station_ts ON readings (station_id, ts);
CREATE TABLE IF NOT EXISTS predictions (
    id BIGSERIAL PRIMARY KEY,
    station_id TEXT NOT NULL,
    predicted_for TIMESTAMPTZ NOT NULL,
    predicted_level DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (station_id, predicted_for)
)`

const pgReadingColumns = `station_id, kind, value, ts, is_synthetic, favorable`

// PostgresReadingRepository implements ReadingRepository on a pgx connection pool
type PostgresReadingRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresReadingRepository connects to databaseURL and ensures the schema exists
func NewPostgresReadingRepository(ctx context.Context, databaseURL string) (*PostgresReadingRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, entities.StoreError("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, entities.StoreError("ping postgres", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, entities.StoreError("create tables", err)
	}
	return &PostgresReadingRepository{pool: pool}, nil
}

// Close releases the pool
func (r *PostgresReadingRepository) Close() error {
	r.pool.Close()
	return nil
}

// InsertIfNew implements ReadingRepository; a real observation replaces a synthetic row
func (r *PostgresReadingRepository) InsertIfNew(ctx context.Context, obs entities.Observation) (entities.InsertResult, error) {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO readings (station_id, kind, value, ts, is_synthetic)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (station_id, kind, ts) DO UPDATE
SET value = EXCLUDED.value, is_synthetic = FALSE, favorable = FALSE
WHERE readings.is_synthetic AND NOT EXCLUDED.is_synthetic`,
		obs.StationID, string(obs.Kind), obs.Value, entities.NormalizeTimestamp(obs.Timestamp), obs.Synthetic)
	if err != nil {
		return 0, entities.StoreError("insert reading", err)
	}
	if tag.RowsAffected() == 0 {
		return entities.AlreadyPresent, nil
	}
	return entities.Inserted, nil
}

// Latest implements ReadingRepository
func (r *PostgresReadingRepository) Latest(ctx context.Context, stationID string) (entities.Observation, bool, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+pgReadingColumns+`
FROM readings
WHERE station_id = $1
ORDER BY ts DESC, kind
LIMIT 1`, stationID)
	if err != nil {
		return entities.Observation{}, false, entities.StoreError("latest reading", err)
	}
	obs, err := collectObservations(rows)
	if err != nil {
		return entities.Observation{}, false, entities.StoreError("latest reading", err)
	}
	if len(obs) == 0 {
		return entities.Observation{}, false, nil
	}
	return obs[0], true, nil
}

// Range implements ReadingRepository
func (r *PostgresReadingRepository) Range(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) ([]entities.Observation, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+pgReadingColumns+`
FROM readings
WHERE station_id = $1 AND kind = $2 AND ts BETWEEN $3 AND $4
ORDER BY ts`, stationID, string(kind), from.UTC(), to.UTC())
	if err != nil {
		return nil, entities.StoreError("range query", err)
	}
	obs, err := collectObservations(rows)
	if err != nil {
		return nil, entities.StoreError("range query", err)
	}
	return obs, nil
}

// CountReal implements ReadingRepository
func (r *PostgresReadingRepository) CountReal(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM readings
WHERE station_id = $1 AND kind = $2 AND NOT is_synthetic AND ts BETWEEN $3 AND $4`,
		stationID, string(kind), from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, entities.StoreError("count readings", err)
	}
	return n, nil
}

// SetFavorable implements ReadingRepository
func (r *PostgresReadingRepository) SetFavorable(ctx context.Context, stationID string, ts time.Time, favorable bool) error {
	_, err := r.pool.Exec(ctx, `
UPDATE readings SET favorable = $1
WHERE station_id = $2 AND kind = $3 AND ts = $4`,
		favorable, stationID, string(entities.KindLevel), entities.NormalizeTimestamp(ts))
	if err != nil {
		return entities.StoreError("set favorable", err)
	}
	return nil
}

// PendingFavorable implements ReadingRepository
func (r *PostgresReadingRepository) PendingFavorable(ctx context.Context, stationID string, since time.Time) ([]entities.Observation, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+pgReadingColumns+`
FROM readings
WHERE station_id = $1 AND kind = $2 AND NOT is_synthetic AND NOT favorable AND ts >= $3
ORDER BY ts`, stationID, string(entities.KindLevel), since.UTC())
	if err != nil {
		return nil, entities.StoreError("pending favorable", err)
	}
	obs, err := collectObservations(rows)
	if err != nil {
		return nil, entities.StoreError("pending favorable", err)
	}
	return obs, nil
}

// Bounds implements ReadingRepository
func (r *PostgresReadingRepository) Bounds(ctx context.Context, stationID string, kind entities.ParameterKind) (time.Time, time.Time, bool, error) {
	var first, last *time.Time
	err := r.pool.QueryRow(ctx, `
SELECT MIN(ts), MAX(ts)
FROM readings
WHERE station_id = $1 AND kind = $2 AND NOT is_synthetic`,
		stationID, string(kind)).Scan(&first, &last)
	if err != nil {
		return time.Time{}, time.Time{}, false, entities.StoreError("reading bounds", err)
	}
	if first == nil || last == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	return first.UTC(), last.UTC(), true, nil
}

func collectObservations(rows pgx.Rows) ([]entities.Observation, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.Observation, error) {
		var (
			obs  entities.Observation
			kind string
			ts   time.Time
		)
		if err := row.Scan(&obs.StationID, &kind, &obs.Value, &ts, &obs.Synthetic, &obs.Favorable); err != nil {
			return entities.Observation{}, err
		}
		k, err := entities.ParseParameterKind(kind)
		if err != nil {
			return entities.Observation{}, err
		}
		obs.Kind = k
		obs.Timestamp = ts.UTC()
		return obs, nil
	})
}
