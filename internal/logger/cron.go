package logger

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type cronLogger struct{ l *Logger }

// CronLogger adapts a zerolog logger to cron.Logger
func CronLogger(l *Logger) cron.Logger { return cronLogger{l: l} }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	addPairs(c.l.Debug(), keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	addPairs(c.l.Error().Err(err), keysAndValues).Msg("cron: " + msg)
}

func addPairs(ev *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return ev
}
