package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/abelzeko/riverdipstick/internal/api"
	"github.com/abelzeko/riverdipstick/internal/app"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/usecases"
)

func main() {
	apply := flag.Bool("apply", false, "insert the synthetic points (default only reports them)")
	flag.Parse()

	opts := logger.FromEnv()
	if opts.Service == "" {
		opts.Service = "repair"
	}
	logger.Init(opts)

	if err := run(*apply); err != nil {
		logger.Get().Fatal().Err(err).Msg("repair failed")
	}
}

func run(apply bool) error {
	log := logger.Get()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	apply = apply && !cfg.DryRun

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

	h := usecases.NewHistoryRepairer(a.Repo, a.Repairer, a.Catalog, nil, cfg.SampleInterval)
	rep, err := h.RepairAll(ctx, apply)

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Bool("apply", apply).
		Int("series", rep.Series).
		Int("planned", rep.Planned).
		Int("inserted", rep.Inserted).
		Msg("historical repair finished")
	return err
}
