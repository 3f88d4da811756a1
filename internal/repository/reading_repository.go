// Package repository provides data access implementations
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
)

// ReadingRepository is the append-only, deduplicated ledger of observations.
// Every failure it returns matches entities.ErrStoreUnavailable.
type ReadingRepository interface {
	// InsertIfNew stores obs unless a row with the same key exists; the storage engine
	// decides the winner of concurrent inserts. A real observation landing on a
	// synthetic row replaces it and clears its flag: this and SetFavorable are the
	// only updates the ledger allows.
	InsertIfNew(ctx context.Context, obs entities.Observation) (entities.InsertResult, error)
	// Latest returns the newest observation of any kind stored under stationID
	Latest(ctx context.Context, stationID string) (entities.Observation, bool, error)
	// Range returns real and synthetic observations in [from, to] ordered by timestamp
	Range(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) ([]entities.Observation, error)
	// CountReal counts non-synthetic observations in [from, to]
	CountReal(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time) (int, error)
	// SetFavorable updates the flag of the level reading at ts
	SetFavorable(ctx context.Context, stationID string, ts time.Time, favorable bool) error
	// PendingFavorable lists real level readings at or after since whose flag is still false
	PendingFavorable(ctx context.Context, stationID string, since time.Time) ([]entities.Observation, error)
	// Bounds returns the first and last real observation instants
	Bounds(ctx context.Context, stationID string, kind entities.ParameterKind) (first, last time.Time, ok bool, err error)
	Close() error
}

// Open connects to the store selected by cfg.DBDriver
func Open(ctx context.Context, cfg config.Config) (ReadingRepository, error) {
	switch cfg.DBDriver {
	case "sqlite", "":
		return NewSQLiteReadingRepository(cfg.DBPath)
	case "postgres":
		return NewPostgresReadingRepository(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}
