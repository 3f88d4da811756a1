package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abelzeko/riverdipstick/internal/api"
	"github.com/abelzeko/riverdipstick/internal/app"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

func main() {
	lookback := flag.Duration("lookback", 48*time.Hour, "re-evaluate unflagged readings newer than now minus this")
	flag.Parse()

	opts := logger.FromEnv()
	if opts.Service == "" {
		opts.Service = "reevaluate"
	}
	logger.Init(opts)

	if err := run(*lookback); err != nil {
		logger.Get().Fatal().Err(err).Msg("re-evaluation failed")
	}
}

func run(lookback time.Duration) error {
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

	since := a.Clock.Now().Add(-lookback)
	flagged, err := a.Evaluator.ReevaluateAll(ctx, since)
	if err != nil {
		return err
	}
	log.Info().Time("since", since).Int("flagged", flagged).Msg("re-evaluation finished")
	return nil
}
