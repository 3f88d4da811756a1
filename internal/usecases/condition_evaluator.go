package usecases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/repository"
)

// FallingPolicy describes how a trailing window is classified as falling
type FallingPolicy struct {
	Tolerance float64       // a step counts as a rise only when it exceeds this
	MaxRises  int           // rises allowed while still falling
	MinPoints int           // fewer readings in the window never classify as falling
	Window    time.Duration // trailing window ending at the evaluated reading
}

// TolerantFalling allows one small rebound inside the window
func TolerantFalling(window time.Duration, minPoints int) FallingPolicy {
	return FallingPolicy{Tolerance: 0.001, MaxRises: 1, MinPoints: minPoints, Window: window}
}

// StrictFalling requires a non-increasing window
func StrictFalling(window time.Duration, minPoints int) FallingPolicy {
	return FallingPolicy{Tolerance: 0, MaxRises: 0, MinPoints: minPoints, Window: window}
}

// ParseFallingPolicy maps a FALLING_POLICY name to a policy
func ParseFallingPolicy(name string, window time.Duration, minPoints int) (FallingPolicy, error) {
	switch name {
	case config.FallingTolerant, "":
		return TolerantFalling(window, minPoints), nil
	case config.FallingStrict:
		return StrictFalling(window, minPoints), nil
	default:
		return FallingPolicy{}, fmt.Errorf("unknown falling policy %q", name)
	}
}

// Classify reports whether values, ordered oldest first, form a falling series
func (p FallingPolicy) Classify(values []float64) bool {
	if len(values) < p.MinPoints || len(values) < 2 {
		return false
	}
	rises := 0
	for i := 0; i+1 < len(values); i++ {
		if values[i+1] > values[i]+p.Tolerance {
			rises++
		}
	}
	return rises <= p.MaxRises
}

// RainPolicy selects whether cumulative rainfall takes part in the favourable decision
type RainPolicy int

const (
	// RainIgnored decides on trend and band only
	RainIgnored RainPolicy = iota
	// RainRequired also needs the trailing rainfall total to reach the rule's threshold
	RainRequired
)

// ParseRainPolicy maps a RAIN_POLICY name to a policy
func ParseRainPolicy(name string) (RainPolicy, error) {
	switch name {
	case config.RainIgnored, "":
		return RainIgnored, nil
	case config.RainRequired:
		return RainRequired, nil
	default:
		return RainIgnored, fmt.Errorf("unknown rain policy %q", name)
	}
}

// Outcome is the breakdown of one evaluation
type Outcome struct {
	Falling      bool
	InBand       bool
	RainRequired bool
	RainOK       bool
	RainTotal    float64
	Favorable    bool
}

// ConditionEvaluator derives the favourable flag of level readings from the trailing window in
// the store. It keeps no state of its own, so re-evaluating a reading is idempotent.
type ConditionEvaluator struct {
	repo       repository.ReadingRepository
	catalog    *config.Catalog
	falling    FallingPolicy
	rain       RainPolicy
	rainWindow time.Duration
}

// NewConditionEvaluator creates an evaluator
func NewConditionEvaluator(repo repository.ReadingRepository, catalog *config.Catalog, falling FallingPolicy, rain RainPolicy, rainWindow time.Duration) *ConditionEvaluator {
	return &ConditionEvaluator{
		repo:       repo,
		catalog:    catalog,
		falling:    falling,
		rain:       rain,
		rainWindow: rainWindow,
	}
}

// Evaluate classifies a stored level reading and writes the resulting flag.
// Stations without a rule return entities.ErrMissingRule and keep the default flag.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, obs entities.Observation) (Outcome, error) {
	if obs.Kind != entities.KindLevel {
		return Outcome{}, fmt.Errorf("evaluate %s reading: only level readings carry a flag", obs.Kind)
	}
	rule, ok := e.catalog.Rule(obs.StationID)
	if !ok {
		return Outcome{}, fmt.Errorf("station %s: %w", obs.StationID, entities.ErrMissingRule)
	}

	t := entities.NormalizeTimestamp(obs.Timestamp)
	window, err := e.repo.Range(ctx, obs.StationID, entities.KindLevel, t.Add(-e.falling.Window), t)
	if err != nil {
		return Outcome{}, err
	}
	values := make([]float64, len(window))
	for i, o := range window {
		values[i] = o.Value
	}

	out := Outcome{
		Falling: e.falling.Classify(values),
		InBand:  rule.InBand(obs.Value),
	}

	if e.rain == RainRequired && rule.RainThreshold != nil {
		out.RainRequired = true
		total, err := e.rainTotal(ctx, obs.StationID, t)
		if err != nil {
			return Outcome{}, err
		}
		out.RainTotal = total
		out.RainOK = total >= *rule.RainThreshold
	}

	out.Favorable = out.Falling && out.InBand && (!out.RainRequired || out.RainOK)

	if err := e.repo.SetFavorable(ctx, obs.StationID, t, out.Favorable); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// rainTotal sums real rainfall of the linked gauge over the trailing rain window
func (e *ConditionEvaluator) rainTotal(ctx context.Context, stationID string, t time.Time) (float64, error) {
	st, ok := e.catalog.Station(stationID)
	if !ok || !st.HasRainfall() {
		return 0, nil
	}
	rows, err := e.repo.Range(ctx, st.RainfallStationID, entities.KindRainfall, t.Add(-e.rainWindow), t)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range rows {
		if !r.Synthetic {
			total += r.Value
		}
	}
	return total, nil
}

// ReevaluatePending re-runs evaluation for real level readings at or after since whose flag is
// still false, returning how many turned favourable
func (e *ConditionEvaluator) ReevaluatePending(ctx context.Context, stationID string, since time.Time) (int, error) {
	pending, err := e.repo.PendingFavorable(ctx, stationID, since)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, obs := range pending {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}
		out, err := e.Evaluate(ctx, obs)
		if errors.Is(err, entities.ErrMissingRule) {
			return 0, nil
		}
		if err != nil {
			return flagged, err
		}
		if out.Favorable {
			flagged++
		}
	}
	if flagged > 0 {
		logger.C(ctx).Info().Int("pending", len(pending)).Int("flagged", flagged).Msg("re-evaluated pending readings")
	}
	return flagged, nil
}

// ReevaluateAll runs ReevaluatePending for every configured station and returns the total
// number of readings that turned favourable. A store failure stops the pass.
func (e *ConditionEvaluator) ReevaluateAll(ctx context.Context, since time.Time) (int, error) {
	total := 0
	for _, st := range e.catalog.Stations() {
		n, err := e.ReevaluatePending(logger.WithStation(ctx, st.ID), st.ID, since)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
