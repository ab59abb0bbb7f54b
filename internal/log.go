package internal

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	ReportCaller:    false,
})

type ctxLoggerKey struct{}

// WithLogger attaches a request-scoped logger to ctx, tagging it with the
// chi request ID when present.
func WithLogger(ctx context.Context, fields ...any) context.Context {
	l := _logger.With(fields...)
	if id := middleware.GetReqID(ctx); id != "" {
		l = l.With("requestId", id)
	}
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}

// Log returns the logger scoped to ctx, or a root logger tagged with the
// ambient request ID if none was attached.
func Log(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(ctxLoggerKey{}).(*log.Logger); ok {
		return l
	}
	if id := middleware.GetReqID(ctx); id != "" {
		return _logger.With("requestId", id)
	}
	return _logger
}

// SetLevel adjusts the root logger's verbosity, e.g. from CLI flags.
func SetLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	_logger.SetLevel(lvl)
}
