// Package config loads runtime settings and the static station catalog
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultAPIBase        = "https://environment.data.gov.uk/flood-monitoring"
	defaultSchedule       = "*/15 * * * *"
	defaultSampleInterval = 15 * time.Minute
	defaultGapWindow      = 48 * time.Hour
	defaultRainWindow     = 14 * 24 * time.Hour
)

// Policy names accepted by RAIN_POLICY and FALLING_POLICY
const (
	RainRequired    = "required"
	RainIgnored     = "ignored"
	FallingTolerant = "tolerant"
	FallingStrict   = "strict"
)

// Config holds runtime configuration for the pipeline binaries
type Config struct {
	DBDriver    string `validate:"oneof=sqlite postgres"`
	DBPath      string `validate:"required_if=DBDriver sqlite"`
	DatabaseURL string `validate:"required_if=DBDriver postgres"`

	StationsFile string `validate:"required"`
	RulesFile    string `validate:"required"`

	APIBase string `validate:"required,url"`

	SampleInterval time.Duration `validate:"gte=1m"`
	GapWindow      time.Duration `validate:"gtefield=SampleInterval"`
	GapRatio       float64       `validate:"gt=0,lte=1"`
	RepairLookback time.Duration `validate:"gte=0"`
	RainWindow     time.Duration `validate:"gt=0"`
	FallingWindow  time.Duration `validate:"gt=0"`
	FallingPoints  int           `validate:"gte=2"`
	RainPolicy     string        `validate:"oneof=required ignored"`
	FallingPolicy  string        `validate:"oneof=tolerant strict"`

	RetryAttempts   int           `validate:"gte=1"`
	RetryDelay      time.Duration `validate:"gte=0"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	ArchiveTimeout  time.Duration `validate:"gt=0"`
	CallDelay       time.Duration `validate:"gte=0"`
	PageLimit       int           `validate:"gte=1"`
	BreakerFailures int           `validate:"gte=1"`
	BreakerCooldown time.Duration `validate:"gt=0"`

	Workers  int    `validate:"gte=1"`
	Schedule string `validate:"required"`

	TelegramToken  string
	TelegramChatID int64 `validate:"required_with=TelegramToken"`

	DryRun bool
}

// TelegramEnabled reports whether alert notifications are configured
func (c Config) TelegramEnabled() bool { return c.TelegramToken != "" }

var validate = validator.New()

// Load reads configuration from environment variables (optionally .env)
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv(Env())
}

// FromEnv builds and validates a Config from an env view
func FromEnv(env Conf) (Config, error) {
	cfg := Config{
		DBDriver:    strings.ToLower(env.MayString("DB_DRIVER", "sqlite")),
		DBPath:      env.MayString("DB_PATH", "data/readings.db"),
		DatabaseURL: env.MayString("DATABASE_URL", ""),

		StationsFile: env.MayString("STATIONS_FILE", "data/stations.csv"),
		RulesFile:    env.MayString("RULES_FILE", "data/rules.json"),

		APIBase: strings.TrimRight(env.MayString("FLOOD_API_BASE", defaultAPIBase), "/"),

		SampleInterval: env.MayDuration("SAMPLE_INTERVAL", defaultSampleInterval),
		GapWindow:      env.MayDuration("GAP_WINDOW", defaultGapWindow),
		GapRatio:       env.MayFloat64("GAP_RATIO", 0.9),
		RepairLookback: env.MayDuration("REPAIR_LOOKBACK", defaultGapWindow),
		RainWindow:     env.MayDuration("RAIN_WINDOW", defaultRainWindow),
		FallingWindow:  env.MayDuration("FALLING_WINDOW", 2*time.Hour),
		FallingPoints:  env.MayInt("FALLING_MIN_POINTS", 4),
		RainPolicy:     strings.ToLower(env.MayString("RAIN_POLICY", RainIgnored)),
		FallingPolicy:  strings.ToLower(env.MayString("FALLING_POLICY", FallingTolerant)),

		RetryAttempts:   env.MayInt("RETRY_ATTEMPTS", 3),
		RetryDelay:      env.MayDuration("RETRY_DELAY", 5*time.Second),
		RequestTimeout:  env.MayDuration("REQUEST_TIMEOUT", 10*time.Second),
		ArchiveTimeout:  env.MayDuration("ARCHIVE_TIMEOUT", 30*time.Second),
		CallDelay:       env.MayDuration("CALL_DELAY", time.Second),
		PageLimit:       env.MayInt("PAGE_LIMIT", 1000),
		BreakerFailures: env.MayInt("BREAKER_FAILURES", 5),
		BreakerCooldown: env.MayDuration("BREAKER_COOLDOWN", 2*time.Minute),

		Workers:  env.MayInt("WORKERS", 1),
		Schedule: env.MayString("INGEST_SCHEDULE", defaultSchedule),

		TelegramToken:  env.Prefix("TELEGRAM_").MayString("BOT_TOKEN", ""),
		TelegramChatID: env.Prefix("TELEGRAM_").MayInt64("CHAT_ID", 0),

		DryRun: env.MayBool("DRY_RUN", false),
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
