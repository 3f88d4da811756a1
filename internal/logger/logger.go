// Package logger provides the zerolog root logger and context-scoped children for the pipeline
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger
type Options struct {
	Level      string
	Format     string // console or json
	Service    string
	Writer     io.Writer
	WithCaller bool
}

// FromEnv builds Options from LOG_* variables. It reads os.Getenv directly so the
// config package can log through us without an import cycle.
func FromEnv() Options {
	return Options{
		Level:      strings.ToLower(envOr("LOG_LEVEL", "info")),
		Format:     strings.ToLower(envOr("LOG_FORMAT", "console")),
		Service:    envOr("LOG_SERVICE", ""),
		WithCaller: envBool("LOG_CALLER"),
	}
}

// Logger is the project-wide logging type
type Logger = zerolog.Logger

var (
	mu     sync.Mutex
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

// Get returns the process-wide root logger, initialising it from the environment on first use
func Get() *Logger {
	if !inited.Load() {
		Init(FromEnv())
	}
	return root.Load()
}

// Init builds the root logger. The first call wins; later calls are ignored.
func Init(opt Options) {
	mu.Lock()
	defer mu.Unlock()
	if inited.Load() {
		return
	}
	root.Store(build(opt))
	inited.Store(true)
}

// New builds a standalone logger, mostly for tests that capture output
func New(opt Options) *Logger { return build(opt) }

func build(opt Options) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if opt.Writer != nil {
		w = opt.Writer
	}
	if opt.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opt.Writer != nil}
	}

	ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	l := ctx.Logger()
	if opt.WithCaller {
		l = l.With().Caller().Logger()
	}
	return &l
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

type ctxKey struct{ name string }

var (
	keyRunID     = ctxKey{"run_id"}
	keyStationID = ctxKey{"station_id"}
	keyLogger    = ctxKey{"logger"}
)

// WithRun annotates ctx with the id of the current ingestion cycle
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// WithStation annotates ctx with the station being processed
func WithStation(ctx context.Context, stationID string) context.Context {
	return context.WithValue(ctx, keyStationID, stationID)
}

// WithLogger stores a base logger in ctx; C derives from it instead of the root
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, keyLogger, l)
}

// C returns a child logger enriched from ctx (run_id, station_id)
func C(ctx context.Context) *Logger {
	base := Get()
	if l, ok := ctx.Value(keyLogger).(*Logger); ok && l != nil {
		base = l
	}
	b := base.With()
	if s, ok := ctx.Value(keyRunID).(string); ok && s != "" {
		b = b.Str("run_id", s)
	}
	if s, ok := ctx.Value(keyStationID).(string); ok && s != "" {
		b = b.Str("station_id", s)
	}
	ll := b.Logger()
	return &ll
}

// Named returns a child logger with a component field
func Named(component string) *Logger {
	if component == "" {
		return Get()
	}
	ll := Get().With().Str("component", component).Logger()
	return &ll
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}
