package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/abelzeko/riverdipstick/internal/api"
	"github.com/abelzeko/riverdipstick/internal/app"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/usecases"
)

func main() {
	window := flag.Duration("window", 72*time.Hour, "coverage window counted back from now")
	flag.Parse()

	opts := logger.FromEnv()
	if opts.Service == "" {
		opts.Service = "status"
	}
	logger.Init(opts)

	if err := run(*window); err != nil {
		logger.Get().Fatal().Err(err).Msg("status report failed")
	}
}

func run(window time.Duration) error {
	log := logger.Get()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, api.NopNotifier{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	rep, err := a.Coverage.Report(ctx, window, cfg.SampleInterval)
	if err != nil {
		return err
	}

	for _, sc := range rep.Stations {
		ev := stationEvent(log, sc).
			Str("station_id", sc.Station.ID).
			Str("river", sc.Station.River).
			Str("label", sc.Station.Label).
			Int("real", sc.Real).
			Int("expected", sc.Expected).
			Float64("ratio", sc.Ratio).
			Bool("gap", sc.Gap).
			Int("last_24h", sc.Last24h).
			Int("total", sc.Total).
			Str("freshness", string(sc.Freshness))
		if sc.Freshness != usecases.FreshnessNever {
			ev = ev.Time("latest", sc.Latest).Dur("age", sc.Age.Round(time.Minute))
		}
		ev.Msg("station coverage")
	}

	log.Info().
		Dur("window", window).
		Int("stations", len(rep.Stations)).
		Int("gaps", rep.Gaps).
		Int("fresh", rep.ByBucket[usecases.FreshnessFresh]).
		Int("stale", rep.ByBucket[usecases.FreshnessStale]).
		Int("dead", rep.ByBucket[usecases.FreshnessDead]).
		Int("never", rep.ByBucket[usecases.FreshnessNever]).
		Msg("status report finished")
	return nil
}

// stationEvent picks the level that makes unhealthy stations stand out
func stationEvent(log *zerolog.Logger, sc usecases.StationCoverage) *zerolog.Event {
	switch {
	case sc.Freshness == usecases.FreshnessNever || sc.Freshness == usecases.FreshnessDead:
		return log.Error()
	case sc.Gap || sc.Freshness == usecases.FreshnessStale:
		return log.Warn()
	default:
		return log.Info()
	}
}
