package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

// timestamps are stored as sortable UTC text
const sqliteTimeLayout = "2006-01-02T15:04:05Z"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp TEXT NOT NULL,
		is_synthetic INTEGER NOT NULL DEFAULT 0,
		favorable INTEGER NOT NULL DEFAULT 0,
		UNIQUE(station_id, kind, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_readings_station_time ON readings(station_id, timestamp);
	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		predicted_for TEXT NOT NULL,
		predicted_level REAL NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		UNIQUE(station_id, predicted_for)
	);`

const readingColumns = `station_id, kind, value, timestamp, is_synthetic, favorable`

// SQLiteReadingRepository implements ReadingRepository using SQLite
type SQLiteReadingRepository struct {
	db     *sql.DB
	DBPath string
}

// NewSQLiteReadingRepository opens (and creates if needed) the database at dbPath
func NewSQLiteReadingRepository(dbPath string) (*SQLiteReadingRepository, error) {
	if dbPath == "" {
		dbPath = filepath.Join("data", "readings.db")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logger.Named("repository").Info().Str("path", dbPath).Msg("opening sqlite database")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, entities.StoreError("open database", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, entities.StoreError("create tables", err)
	}

	return &SQLiteReadingRepository{db: db, DBPath: dbPath}, nil
}

// Close closes the database connection
func (r *SQLiteReadingRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// InsertIfNew implements ReadingRepository. A real observation replaces a
// synthetic row at the same key; every other conflict leaves the row alone.
func (r *SQLiteReadingRepository) InsertIfNew(ctx context.Context, obs entities.Observation) (entities.InsertResult, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO readings(station_id, kind, value, timestamp, is_synthetic)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(station_id, kind, timestamp) DO UPDATE
		SET value = excluded.value, is_synthetic = 0, favorable = 0
		WHERE readings.is_synthetic = 1 AND excluded.is_synthetic = 0`,
		obs.StationID, string(obs.Kind), obs.Value, formatTime(obs.Timestamp), obs.Synthetic,
	)
	if err != nil {
		return 0, entities.StoreError(fmt.Sprintf("insert %s/%s at %s", obs.StationID, obs.Kind, formatTime(obs.Timestamp)), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, entities.StoreError("rows affected", err)
	}
	if n == 0 {
		return entities.AlreadyPresent, nil
	}
	return entities.Inserted, nil
}

// Latest implements ReadingRepository
func (r *SQLiteReadingRepository) Latest(ctx context.Context, stationID string) (entities.Observation, bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE station_id = ?
		ORDER BY timestamp DESC, kind
		LIMIT 1`, stationID)
	if err != nil {
		return entities.Observation{}, false, entities.StoreError("latest reading", err)
	}
	obs, err := scanSQLiteRows(rows)
	if err != nil {
		return entities.Observation{}, false, entities.StoreError("latest reading", err)
	}
	if len(obs) == 0 {
		return entities.Observation{}, false, nil
	}
	return obs[0], true, nil
}

// Range implements ReadingRepository
func (r *SQLiteReadingRepository) Range(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) ([]entities.Observation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE station_id = ? AND kind = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`, stationID, string(kind), formatTime(from), formatTime(to))
	if err != nil {
		return nil, entities.StoreError("range query", err)
	}
	obs, err := scanSQLiteRows(rows)
	if err != nil {
		return nil, entities.StoreError("range query", err)
	}
	return obs, nil
}

// CountReal implements ReadingRepository
func (r *SQLiteReadingRepository) CountReal(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM readings
		WHERE station_id = ? AND kind = ? AND is_synthetic = 0 AND timestamp >= ? AND timestamp <= ?`,
		stationID, string(kind), formatTime(from), formatTime(to),
	).Scan(&n)
	if err != nil {
		return 0, entities.StoreError("count readings", err)
	}
	return n, nil
}

// SetFavorable implements ReadingRepository
func (r *SQLiteReadingRepository) SetFavorable(ctx context.Context, stationID string, ts time.Time, favorable bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE readings SET favorable = ?
		WHERE station_id = ? AND kind = ? AND timestamp = ?`,
		favorable, stationID, string(entities.KindLevel), formatTime(ts),
	)
	if err != nil {
		return entities.StoreError("set favorable", err)
	}
	return nil
}

// PendingFavorable implements ReadingRepository
func (r *SQLiteReadingRepository) PendingFavorable(ctx context.Context, stationID string, since time.Time) ([]entities.Observation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE station_id = ? AND kind = ? AND is_synthetic = 0 AND favorable = 0 AND timestamp >= ?
		ORDER BY timestamp`, stationID, string(entities.KindLevel), formatTime(since))
	if err != nil {
		return nil, entities.StoreError("pending favorable", err)
	}
	obs, err := scanSQLiteRows(rows)
	if err != nil {
		return nil, entities.StoreError("pending favorable", err)
	}
	return obs, nil
}

// Bounds implements ReadingRepository
func (r *SQLiteReadingRepository) Bounds(ctx context.Context, stationID string, kind entities.ParameterKind) (time.Time, time.Time, bool, error) {
	var first, last sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp)
		FROM readings
		WHERE station_id = ? AND kind = ? AND is_synthetic = 0`,
		stationID, string(kind),
	).Scan(&first, &last)
	if err != nil {
		return time.Time{}, time.Time{}, false, entities.StoreError("reading bounds", err)
	}
	if !first.Valid || !last.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	f, err := parseTime(first.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, entities.StoreError("reading bounds", err)
	}
	l, err := parseTime(last.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, entities.StoreError("reading bounds", err)
	}
	return f, l, true, nil
}

func scanSQLiteRows(rows *sql.Rows) ([]entities.Observation, error) {
	defer rows.Close()

	var result []entities.Observation
	for rows.Next() {
		var (
			obs  entities.Observation
			kind string
			ts   string
		)
		if err := rows.Scan(&obs.StationID, &kind, &obs.Value, &ts, &obs.Synthetic, &obs.Favorable); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		k, err := entities.ParseParameterKind(kind)
		if err != nil {
			return nil, err
		}
		obs.Kind = k
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		obs.Timestamp = t
		result = append(result, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return result, nil
}

func formatTime(t time.Time) string {
	return entities.NormalizeTimestamp(t).Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
