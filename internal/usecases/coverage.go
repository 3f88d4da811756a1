package usecases

import (
	"context"
	"time"

	"github.com/abelzeko/riverdipstick/internal/clock"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/repository"
)

// Freshness buckets the age of a station's newest real level reading
type Freshness string

const (
	FreshnessFresh Freshness = "fresh"
	FreshnessStale Freshness = "stale"
	FreshnessDead  Freshness = "dead"
	FreshnessNever Freshness = "never"
)

// Age limits of the freshness buckets
const (
	FreshAge = time.Hour
	StaleAge = 3 * time.Hour
)

// ClassifyAge maps the age of the newest reading to a freshness bucket
func ClassifyAge(age time.Duration) Freshness {
	switch {
	case age < FreshAge:
		return FreshnessFresh
	case age < StaleAge:
		return FreshnessStale
	default:
		return FreshnessDead
	}
}

// StationCoverage is the health of one station's level series
type StationCoverage struct {
	Station   entities.Station
	Expected  int
	Real      int
	Ratio     float64
	Gap       bool
	Last24h   int
	Total     int
	Latest    time.Time
	Age       time.Duration
	Freshness Freshness
}

// CoverageReport covers every catalog station over one window
type CoverageReport struct {
	Window   time.Duration
	Interval time.Duration
	Stations []StationCoverage
	Gaps     int
	ByBucket map[Freshness]int
}

// CoverageReporter summarises how complete and how recent the stored level readings are
type CoverageReporter struct {
	repo    repository.ReadingRepository
	catalog *config.Catalog
	gaps    *GapDetector
	clock   clock.Clock
}

// NewCoverageReporter creates a reporter; ratio follows NewGapDetector
func NewCoverageReporter(repo repository.ReadingRepository, catalog *config.Catalog, clk clock.Clock, ratio float64) *CoverageReporter {
	if clk == nil {
		clk = clock.System{}
	}
	return &CoverageReporter{repo: repo, catalog: catalog, gaps: NewGapDetector(repo, clk, ratio), clock: clk}
}

// Report counts real level readings per station over [now-window, now] against window / interval,
// along with the last 24 hours, the whole-history total and the newest reading's age
func (c *CoverageReporter) Report(ctx context.Context, window, interval time.Duration) (CoverageReport, error) {
	rep := CoverageReport{Window: window, Interval: interval, ByBucket: make(map[Freshness]int, 4)}
	now := c.clock.Now()

	for _, st := range c.catalog.Stations() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sc := StationCoverage{Station: st}

		var err error
		sc.Real, sc.Expected, err = c.gaps.Coverage(ctx, st.ID, window, interval)
		if err != nil {
			return rep, err
		}
		if sc.Expected > 0 {
			sc.Ratio = float64(sc.Real) / float64(sc.Expected)
			sc.Gap = c.gaps.thin(sc.Real, sc.Expected)
		}
		if sc.Last24h, err = c.repo.CountReal(ctx, st.ID, entities.KindLevel, now.Add(-24*time.Hour), now); err != nil {
			return rep, err
		}

		first, last, ok, err := c.repo.Bounds(ctx, st.ID, entities.KindLevel)
		if err != nil {
			return rep, err
		}
		if ok {
			if sc.Total, err = c.repo.CountReal(ctx, st.ID, entities.KindLevel, first, last); err != nil {
				return rep, err
			}
			sc.Latest = last
			sc.Age = now.Sub(last)
			sc.Freshness = ClassifyAge(sc.Age)
		} else {
			sc.Freshness = FreshnessNever
		}

		if sc.Gap {
			rep.Gaps++
		}
		rep.ByBucket[sc.Freshness]++
		rep.Stations = append(rep.Stations, sc)
	}

	logger.C(ctx).Debug().Int("stations", len(rep.Stations)).Int("gaps", rep.Gaps).Msg("coverage computed")
	return rep, nil
}
