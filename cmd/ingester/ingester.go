package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/abelzeko/riverdipstick/internal/app"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	opts := logger.FromEnv()
	if opts.Service == "" {
		opts.Service = "ingester"
	}
	logger.Init(opts)
	log := logger.Get()

	if err := run(*once); err != nil {
		log.Fatal().Err(err).Msg("ingester stopped")
	}
}

func run(once bool) error {
	log := logger.Get()
	log.Info().Msg("starting river ingester")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := app.NewNotifier(cfg)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, notifier)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	// Run a cycle immediately on startup
	if err := runCycle(ctx, a); err != nil && once {
		return err
	}
	if once {
		return nil
	}

	cl := logger.CronLogger(logger.Named("scheduler"))
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(cfg.Schedule, func() { _ = runCycle(ctx, a) }); err != nil {
		return err
	}

	log.Info().Str("schedule", cfg.Schedule).Msg("ingester scheduled")
	c.Start()

	<-ctx.Done()
	log.Info().Msg("shutdown requested; waiting for the running cycle")
	<-c.Stop().Done()
	return nil
}

// runCycle runs one cycle; store failures are logged and the next tick tries again
func runCycle(ctx context.Context, a *app.App) error {
	_, err := a.Pipeline.RunCycle(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, entities.ErrStoreUnavailable):
		logger.Get().Error().Err(err).Msg("cycle aborted by store failure")
	}
	return err
}
