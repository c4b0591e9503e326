package main

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/scanalign/internal/monitoring"
)

func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// installLogger routes the library loggers through l. Diagnostics are only
// enabled at debug level.
func installLogger(l *log.Logger) {
	monitoring.SetLogger(l.Infof)
	if l.GetLevel() <= log.DebugLevel {
		monitoring.SetDiagLogger(l.Debugf)
	} else {
		monitoring.SetDiagLogger(nil)
	}
}

type ctxKey int

const loggerKey ctxKey = 0

func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

// progress logs a completion message with the elapsed time.
type progress struct {
	logger *log.Logger
	start  time.Time
}

func newProgress(l *log.Logger) *progress {
	return &progress{logger: l, start: time.Now()}
}

func (p *progress) done(msg string, keyvals ...interface{}) {
	p.logger.Info(msg, append(keyvals, "elapsed", time.Since(p.start).Round(time.Millisecond))...)
}
