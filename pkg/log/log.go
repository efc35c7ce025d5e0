package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   atomic.Pointer[slog.Logger]
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
	Init(os.Stdout)
}

// Init replaces the process-wide logger with a JSON logger writing to w at
// the default log level and returns it.
func Init(w io.Writer) *slog.Logger {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
	defaultLogger.Store(l)
	return l
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger.Load()
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Component returns a context whose logger tags every line with name.
func Component(ctx context.Context, name string) context.Context {
	return With(ctx, Ctx(ctx).With(slog.String("component", name)))
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}
