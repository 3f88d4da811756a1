// Package usecases contains the application's business logic
package usecases

import (
	"context"
	"time"

	"github.com/abelzeko/riverdipstick/internal/clock"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/repository"
)

// DefaultGapRatio is the share of expected samples below which coverage counts as a gap
const DefaultGapRatio = 0.9

// GapDetector decides whether recent level coverage is thin enough to warrant a backfill
type GapDetector struct {
	repo  repository.ReadingRepository
	clock clock.Clock
	ratio float64
}

// NewGapDetector creates a detector; a non-positive ratio selects DefaultGapRatio
func NewGapDetector(repo repository.ReadingRepository, clk clock.Clock, ratio float64) *GapDetector {
	if ratio <= 0 {
		ratio = DefaultGapRatio
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &GapDetector{repo: repo, clock: clk, ratio: ratio}
}

// HasGap reports whether the real level readings in [now-window, now] fall below ratio of the
// window / expectedInterval samples that should exist
func (d *GapDetector) HasGap(ctx context.Context, stationID string, window, expectedInterval time.Duration) (bool, error) {
	actual, expected, err := d.Coverage(ctx, stationID, window, expectedInterval)
	if err != nil || expected == 0 {
		return false, err
	}
	return d.thin(actual, expected), nil
}

// Coverage counts the real level readings in [now-window, now] against the samples the
// interval says should exist. expected is zero when the window is shorter than one interval.
func (d *GapDetector) Coverage(ctx context.Context, stationID string, window, expectedInterval time.Duration) (actual, expected int, err error) {
	if expectedInterval <= 0 || window < expectedInterval {
		return 0, 0, nil
	}
	expected = int(window / expectedInterval)

	now := d.clock.Now()
	actual, err = d.repo.CountReal(ctx, stationID, entities.KindLevel, now.Add(-window), now)
	if err != nil {
		return 0, expected, err
	}
	return actual, expected, nil
}

func (d *GapDetector) thin(actual, expected int) bool {
	return float64(actual) < d.ratio*float64(expected)
}
