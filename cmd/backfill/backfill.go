package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abelzeko/riverdipstick/internal/api"
	"github.com/abelzeko/riverdipstick/internal/app"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/usecases"
)

func main() {
	var (
		mode  = flag.String("mode", "since", "since: paginated feed after -since; archive: daily dumps for the last -days")
		since = flag.Duration("since", 7*24*time.Hour, "how far back the paginated backfill reaches")
		days  = flag.Int("days", 7, "number of full days of archive to load, ending yesterday")
		apply = flag.Bool("apply", false, "write to the store (default is a dry run)")
	)
	flag.Parse()

	opts := logger.FromEnv()
	if opts.Service == "" {
		opts.Service = "backfill"
	}
	logger.Init(opts)

	if err := run(*mode, *since, *days, *apply); err != nil {
		logger.Get().Fatal().Err(err).Msg("backfill failed")
	}
}

func run(mode string, since time.Duration, days int, apply bool) error {
	log := logger.Get()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dryRun := !apply || cfg.DryRun

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

	b := usecases.NewBackfiller(a.Client, a.Client, a.Pipeline, a.Catalog, dryRun)
	now := a.Clock.Now()

	var rep usecases.BackfillReport
	switch mode {
	case "since":
		from := now.Add(-since)
		log.Info().Time("since", from).Bool("dry_run", dryRun).Msg("backfilling from the readings feed")
		rep, err = b.BackfillSince(ctx, from)
	case "archive":
		if days < 1 {
			return fmt.Errorf("-days must be at least 1, got %d", days)
		}
		today := now.Truncate(24 * time.Hour)
		from, to := today.AddDate(0, 0, -days), today.Add(-time.Second)
		log.Info().Time("from", from).Time("to", to).Bool("dry_run", dryRun).Msg("backfilling from daily archives")
		rep, err = b.BackfillArchive(ctx, from, to)
	default:
		return fmt.Errorf("unknown -mode %q (want since or archive)", mode)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Bool("dry_run", dryRun).
		Int("fetched", rep.Fetched).
		Int("inserted", rep.Inserted).
		Int("already_present", rep.AlreadyPresent).
		Int("flagged", rep.Flagged).
		Int("days", rep.Days).
		Int("skipped_days", rep.SkippedDays).
		Int("failures", rep.Failures).
		Msg("backfill finished")
	return err
}
