package usecases

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelzeko/riverdipstick/internal/clock"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/repository"
)

// Source is the upstream reading feed
type Source interface {
	FetchLatest(ctx context.Context, stationID string, kind entities.ParameterKind) (entities.Observation, error)
	FetchSince(ctx context.Context, stationID string, kind entities.ParameterKind, since time.Time) iter.Seq2[entities.Observation, error]
}

// Notifier is told when a station's newest reading turns favourable
type Notifier interface {
	NotifyFavorable(ctx context.Context, station entities.Station, obs entities.Observation) error
}

// Processing stages used in log lines
const (
	stageFetchLatest   = "fetch_latest"
	stageFetchRainfall = "fetch_rainfall"
	stageGapCheck      = "gap_check"
	stageBackfill      = "backfill"
	stageRepair        = "repair"
	stageEvaluate      = "evaluate"
	stageNotify        = "notify"
)

// PipelineOptions holds the timing knobs of an ingestion cycle
type PipelineOptions struct {
	SampleInterval time.Duration
	GapWindow      time.Duration
	RepairLookback time.Duration
	Workers        int
}

// Pipeline wires fetch, store, evaluate, backfill and repair for every configured station
type Pipeline struct {
	source    Source
	repo      repository.ReadingRepository
	catalog   *config.Catalog
	gaps      *GapDetector
	repairer  *GridRepairer
	evaluator *ConditionEvaluator
	notifier  Notifier
	locks     *StationLocks
	clock     clock.Clock
	opts      PipelineOptions
}

// NewPipeline creates an ingestion pipeline; a nil notifier disables alerts
func NewPipeline(
	source Source,
	repo repository.ReadingRepository,
	catalog *config.Catalog,
	gaps *GapDetector,
	repairer *GridRepairer,
	evaluator *ConditionEvaluator,
	notifier Notifier,
	clk clock.Clock,
	opts PipelineOptions,
) *Pipeline {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 15 * time.Minute
	}
	if opts.GapWindow <= 0 {
		opts.GapWindow = 48 * time.Hour
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Pipeline{
		source:    source,
		repo:      repo,
		catalog:   catalog,
		gaps:      gaps,
		repairer:  repairer,
		evaluator: evaluator,
		notifier:  notifier,
		locks:     NewStationLocks(),
		clock:     clk,
		opts:      opts,
	}
}

// RecordResult is what happened to one observation handed to the pipeline
type RecordResult struct {
	Insert  entities.InsertResult
	Outcome *Outcome // set when the reading was evaluated
}

// Record stores obs and, when it is a new real level reading, evaluates its flag before
// returning. A reading that turns the station favourable is announced through the notifier.
func (p *Pipeline) Record(ctx context.Context, obs entities.Observation) (RecordResult, error) {
	return p.record(ctx, obs, true)
}

// RecordHistorical is Record without notifications, for backfilled data
func (p *Pipeline) RecordHistorical(ctx context.Context, obs entities.Observation) (RecordResult, error) {
	return p.record(ctx, obs, false)
}

func (p *Pipeline) record(ctx context.Context, obs entities.Observation, notify bool) (RecordResult, error) {
	obs.Timestamp = entities.NormalizeTimestamp(obs.Timestamp)
	evaluate := obs.Kind == entities.KindLevel && !obs.Synthetic

	var (
		prev    entities.Observation
		hasPrev bool
	)
	if evaluate && notify {
		var err error
		if prev, hasPrev, err = p.repo.Latest(ctx, obs.StationID); err != nil {
			return RecordResult{}, err
		}
	}

	res, err := p.repo.InsertIfNew(ctx, obs)
	if err != nil {
		return RecordResult{}, err
	}
	result := RecordResult{Insert: res}
	if res != entities.Inserted || !evaluate || p.evaluator == nil {
		return result, nil
	}

	out, err := p.evaluator.Evaluate(ctx, obs)
	switch {
	case errors.Is(err, entities.ErrMissingRule):
		return result, nil
	case errors.Is(err, entities.ErrStoreUnavailable):
		return result, err
	case err != nil:
		logger.C(ctx).Warn().Err(err).Str("stage", stageEvaluate).Time("timestamp", obs.Timestamp).Msg("evaluation failed")
		return result, nil
	}
	result.Outcome = &out

	newest := !hasPrev || obs.Timestamp.After(prev.Timestamp)
	wasFavorable := hasPrev && prev.Favorable
	if notify && out.Favorable && newest && !wasFavorable {
		p.notify(ctx, obs)
	}
	return result, nil
}

func (p *Pipeline) notify(ctx context.Context, obs entities.Observation) {
	if p.notifier == nil {
		return
	}
	st, ok := p.catalog.Station(obs.StationID)
	if !ok {
		st = entities.Station{ID: obs.StationID}
	}
	if err := p.notifier.NotifyFavorable(ctx, st, obs); err != nil {
		logger.C(ctx).Warn().Err(err).Str("stage", stageNotify).Msg("notification failed")
	}
}

// StationReport summarises the work done for one station
type StationReport struct {
	Inserted  int
	Synthetic int
	Flagged   int
	Failures  int
}

func (r *StationReport) add(res RecordResult) {
	if res.Insert == entities.Inserted {
		r.Inserted++
	}
	if res.Outcome != nil && res.Outcome.Favorable {
		r.Flagged++
	}
}

// IngestStation runs one cycle for a station under its lock: latest level and rainfall, a gap
// check with backfill, a grid repair over the lookback window and, after a backfill, a
// re-evaluation of readings still flagged false.
// Source failures are logged and counted; only store failures are returned.
func (p *Pipeline) IngestStation(ctx context.Context, st entities.Station) (StationReport, error) {
	ctx = logger.WithStation(ctx, st.ID)
	log := logger.C(ctx)
	var rep StationReport

	unlock := p.locks.Lock(st.ID)
	defer unlock()

	if obs, err := p.source.FetchLatest(ctx, st.ID, entities.KindLevel); err != nil {
		p.sourceFailure(ctx, &rep, stageFetchLatest, err)
	} else {
		res, err := p.Record(ctx, obs)
		if err != nil {
			return rep, err
		}
		rep.add(res)
	}

	if st.HasRainfall() {
		rainCtx := logger.WithStation(ctx, st.RainfallStationID)
		if obs, err := p.source.FetchLatest(rainCtx, st.RainfallStationID, entities.KindRainfall); err != nil {
			p.sourceFailure(rainCtx, &rep, stageFetchRainfall, err)
		} else {
			res, err := p.Record(rainCtx, obs)
			if err != nil {
				return rep, err
			}
			rep.add(res)
		}
	}

	gap, err := p.gaps.HasGap(ctx, st.ID, p.opts.GapWindow, p.opts.SampleInterval)
	if err != nil {
		log.Error().Err(err).Str("stage", stageGapCheck).Msg("gap check failed")
		return rep, err
	}
	// a failed backfill leaves the window to the next cycle
	backfilled := true
	if gap {
		since := p.clock.Now().Add(-p.opts.GapWindow)
		log.Info().Str("stage", stageBackfill).Time("since", since).Msg("coverage below threshold; backfilling")
		obs, err := collectSorted(p.source.FetchSince(ctx, st.ID, entities.KindLevel, since))
		if err != nil {
			p.sourceFailure(ctx, &rep, stageBackfill, err)
			backfilled = errors.Is(err, entities.ErrNotAvailable)
		}
		for _, o := range obs {
			res, err := p.RecordHistorical(ctx, o)
			if err != nil {
				return rep, err
			}
			rep.add(res)
		}
	}

	if !backfilled {
		log.Info().Str("stage", stageRepair).Msg("backfill incomplete; skipping grid repair and re-evaluation")
		return rep, nil
	}

	if p.opts.RepairLookback > 0 {
		now := p.clock.Now()
		n, err := p.repairer.RepairGrid(ctx, st.ID, entities.KindLevel, now.Add(-p.opts.RepairLookback), now, p.opts.SampleInterval)
		rep.Synthetic += n
		if err != nil {
			log.Error().Err(err).Str("stage", stageRepair).Msg("grid repair failed")
			return rep, err
		}
	}

	// readings evaluated before the backfill saw a thin window
	if gap && p.evaluator != nil {
		n, err := p.evaluator.ReevaluatePending(ctx, st.ID, p.clock.Now().Add(-p.opts.GapWindow))
		rep.Flagged += n
		if err != nil {
			log.Error().Err(err).Str("stage", stageEvaluate).Msg("re-evaluation failed")
			return rep, err
		}
	}

	return rep, nil
}

func (p *Pipeline) sourceFailure(ctx context.Context, rep *StationReport, stage string, err error) {
	if errors.Is(err, entities.ErrNotAvailable) {
		logger.C(ctx).Debug().Err(err).Str("stage", stage).Msg("no data upstream")
		return
	}
	rep.Failures++
	logger.C(ctx).Warn().Err(err).Str("stage", stage).Msg("source failure; skipping")
}

// collectSorted drains seq and orders the readings oldest first. Readings gathered before a
// failing page are returned together with the error.
func collectSorted(seq iter.Seq2[entities.Observation, error]) ([]entities.Observation, error) {
	var (
		out     []entities.Observation
		lastErr error
	)
	for obs, err := range seq {
		if err != nil {
			lastErr = err
			break
		}
		out = append(out, obs)
	}
	slices.SortStableFunc(out, func(a, b entities.Observation) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, lastErr
}

// CycleReport summarises one run over all stations
type CycleReport struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Stations  int
	Inserted  int
	Synthetic int
	Flagged   int
	Failures  int
}

func (r *CycleReport) merge(s StationReport) {
	r.Stations++
	r.Inserted += s.Inserted
	r.Synthetic += s.Synthetic
	r.Flagged += s.Flagged
	r.Failures += s.Failures
}

// RunCycle ingests every configured station. Stations run one at a time unless Workers > 1.
// A store failure aborts the remaining stations; cancellation is honoured between stations.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{RunID: uuid.NewString(), Started: p.clock.Now()}
	ctx = logger.WithRun(ctx, report.RunID)
	log := logger.C(ctx)
	stations := p.catalog.Stations()

	log.Info().Int("stations", len(stations)).Int("workers", p.opts.Workers).Msg("cycle started")

	var err error
	if p.opts.Workers <= 1 {
		err = p.runSequential(ctx, stations, &report)
	} else {
		err = p.runConcurrent(ctx, stations, &report)
	}
	report.Finished = p.clock.Now()

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int("stations", report.Stations).
		Int("inserted", report.Inserted).
		Int("synthetic", report.Synthetic).
		Int("flagged", report.Flagged).
		Int("failures", report.Failures).
		Dur("took", report.Finished.Sub(report.Started)).
		Msg("cycle finished")
	return report, err
}

func (p *Pipeline) runSequential(ctx context.Context, stations []entities.Station, report *CycleReport) error {
	for _, st := range stations {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := p.IngestStation(ctx, st)
		report.merge(rep)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runConcurrent(ctx context.Context, stations []entities.Station, report *CycleReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	var mu sync.Mutex
	for _, st := range stations {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rep, err := p.IngestStation(gctx, st)
			mu.Lock()
			report.merge(rep)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
