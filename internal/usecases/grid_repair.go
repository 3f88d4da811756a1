package usecases

import (
	"context"
	"math"
	"time"

	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/repository"
)

// GridRepairer fills missing points of the canonical sampling grid by linear interpolation
// between the real readings that bound them. Real readings are never touched.
type GridRepairer struct {
	repo repository.ReadingRepository
}

// NewGridRepairer creates a grid repairer
func NewGridRepairer(repo repository.ReadingRepository) *GridRepairer {
	return &GridRepairer{repo: repo}
}

// Plan computes the synthetic points RepairGrid would insert for [from, to] without writing.
// Fewer than two real readings in range yields no points and no error.
func (g *GridRepairer) Plan(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time, interval time.Duration) ([]entities.Observation, error) {
	if interval <= 0 || to.Before(from) {
		return nil, nil
	}

	stored, err := g.repo.Range(ctx, stationID, kind, from, to)
	if err != nil {
		return nil, err
	}

	present := make(map[int64]struct{}, len(stored))
	measured := make([]entities.Observation, 0, len(stored))
	for _, o := range stored {
		present[o.Timestamp.Unix()] = struct{}{}
		if !o.Synthetic {
			measured = append(measured, o)
		}
	}
	if len(measured) < 2 {
		logger.C(ctx).Debug().Err(entities.ErrInsufficientHistory).Str("kind", kind.String()).Int("real", len(measured)).Msg("skipping grid repair")
		return nil, nil
	}

	first, last := measured[0].Timestamp, measured[len(measured)-1].Timestamp
	start := floorTime(from, interval)
	end := ceilTime(to, interval)

	var (
		planned []entities.Observation
		i       int // measured[i] is the nearest real reading at or before the grid point
	)
	for ts := start; !ts.After(end); ts = ts.Add(interval) {
		if !ts.After(first) || !ts.Before(last) {
			continue
		}
		if _, ok := present[ts.Unix()]; ok {
			continue
		}
		for i+1 < len(measured) && !measured[i+1].Timestamp.After(ts) {
			i++
		}
		before, after := measured[i], measured[i+1]
		planned = append(planned, entities.Observation{
			StationID: stationID,
			Kind:      kind,
			Value:     interpolate(before, after, ts),
			Timestamp: ts,
			Synthetic: true,
		})
	}
	return planned, nil
}

// RepairGrid inserts the planned synthetic points and returns how many were actually new
func (g *GridRepairer) RepairGrid(ctx context.Context, stationID string, kind entities.ParameterKind, from, to time.Time, interval time.Duration) (int, error) {
	planned, err := g.Plan(ctx, stationID, kind, from, to, interval)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, obs := range planned {
		res, err := g.repo.InsertIfNew(ctx, obs)
		if err != nil {
			return inserted, err
		}
		if res == entities.Inserted {
			inserted++
		}
	}
	if inserted > 0 {
		logger.C(ctx).Debug().Str("kind", kind.String()).Int("inserted", inserted).Msg("grid repaired")
	}
	return inserted, nil
}

// interpolate returns the value on the straight line between a and b at ts, rounded to 3 dp
func interpolate(a, b entities.Observation, ts time.Time) float64 {
	span := b.Timestamp.Sub(a.Timestamp)
	if span <= 0 {
		return roundMillis(a.Value)
	}
	frac := float64(ts.Sub(a.Timestamp)) / float64(span)
	return roundMillis(a.Value + (b.Value-a.Value)*frac)
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func floorTime(t time.Time, d time.Duration) time.Time {
	return t.UTC().Truncate(d)
}

func ceilTime(t time.Time, d time.Duration) time.Time {
	f := floorTime(t, d)
	if f.Equal(t.UTC()) {
		return f
	}
	return f.Add(d)
}
