// Package app wires the components shared by the command-line binaries
package app

import (
	"context"
	"fmt"

	"github.com/abelzeko/riverdipstick/internal/api"
	"github.com/abelzeko/riverdipstick/internal/clock"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/integration"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/repository"
	"github.com/abelzeko/riverdipstick/internal/usecases"
)

// App holds the configured pipeline and everything it is built from
type App struct {
	Config    config.Config
	Catalog   *config.Catalog
	Repo      repository.ReadingRepository
	Client    *integration.FloodClient
	Clock     clock.Clock
	Repairer  *usecases.GridRepairer
	Evaluator *usecases.ConditionEvaluator
	Pipeline  *usecases.Pipeline
	Coverage  *usecases.CoverageReporter
}

// New loads the station catalog, opens the store and builds the pipeline.
// The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg config.Config, notifier usecases.Notifier) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.StationsFile, cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load station catalog: %w", err)
	}

	falling, err := usecases.ParseFallingPolicy(cfg.FallingPolicy, cfg.FallingWindow, cfg.FallingPoints)
	if err != nil {
		return nil, err
	}
	rain, err := usecases.ParseRainPolicy(cfg.RainPolicy)
	if err != nil {
		return nil, err
	}

	repo, err := repository.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := integration.NewFloodClient(integration.FloodClientConfig{
		BaseURL:         cfg.APIBase,
		Retry:           integration.RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
		RequestTimeout:  cfg.RequestTimeout,
		ArchiveTimeout:  cfg.ArchiveTimeout,
		CallDelay:       cfg.CallDelay,
		PageLimit:       cfg.PageLimit,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	})

	if notifier == nil {
		notifier = api.NopNotifier{}
	}

	clk := clock.System{}
	repairer := usecases.NewGridRepairer(repo)
	evaluator := usecases.NewConditionEvaluator(repo, catalog, falling, rain, cfg.RainWindow)
	pipeline := usecases.NewPipeline(
		client,
		repo,
		catalog,
		usecases.NewGapDetector(repo, clk, cfg.GapRatio),
		repairer,
		evaluator,
		notifier,
		clk,
		usecases.PipelineOptions{
			SampleInterval: cfg.SampleInterval,
			GapWindow:      cfg.GapWindow,
			RepairLookback: cfg.RepairLookback,
			Workers:        cfg.Workers,
		},
	)

	logger.C(ctx).Info().
		Int("stations", len(catalog.Stations())).
		Str("db_driver", cfg.DBDriver).
		Str("rain_policy", cfg.RainPolicy).
		Str("falling_policy", cfg.FallingPolicy).
		Msg("pipeline ready")

	return &App{
		Config:    cfg,
		Catalog:   catalog,
		Repo:      repo,
		Client:    client,
		Clock:     clk,
		Repairer:  repairer,
		Evaluator: evaluator,
		Pipeline:  pipeline,
		Coverage:  usecases.NewCoverageReporter(repo, catalog, clk, cfg.GapRatio),
	}, nil
}

// NewNotifier returns a Telegram notifier when a bot token is configured and a no-op otherwise
func NewNotifier(cfg config.Config) (usecases.Notifier, error) {
	if !cfg.TelegramEnabled() {
		logger.Named("app").Info().Msg("telegram alerts disabled")
		return api.NopNotifier{}, nil
	}
	n, err := api.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Close releases the store
func (a *App) Close() error {
	return a.Repo.Close()
}
