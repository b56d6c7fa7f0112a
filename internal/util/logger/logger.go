// Package logger provides the overlay's component-scoped logging
// wrapper, built on log/slog rather than a hand-rolled abstraction.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
	slog.SetDefault(l)
}

// SetOutput redirects the default logger to w at the given level.
func SetOutput(w io.Writer, level slog.Level) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(defaultLogger)
}

// LazyLogger re-reads this package's default logger (the one installed
// by SetDefault or SetOutput) on every call, so a process that redirects
// logging at runtime (tests, a CLI --log-file flag) doesn't leave
// components holding a stale handler. A direct slog.SetDefault call is
// not picked up.
type LazyLogger struct {
	component string
}

// Named returns a LazyLogger scoped to component.
func Named(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func (l *LazyLogger) base() *slog.Logger {
	return defaultLogger.With("component", l.component)
}

func (l *LazyLogger) Debug(msg string, args ...any) { l.base().Debug(msg, args...) }
func (l *LazyLogger) Info(msg string, args ...any)  { l.base().Info(msg, args...) }
func (l *LazyLogger) Warn(msg string, args ...any)  { l.base().Warn(msg, args...) }
func (l *LazyLogger) Error(msg string, args ...any) { l.base().Error(msg, args...) }

func (l *LazyLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.base().DebugContext(ctx, msg, args...)
}
func (l *LazyLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.base().InfoContext(ctx, msg, args...)
}
func (l *LazyLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.base().WarnContext(ctx, msg, args...)
}
func (l *LazyLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.base().ErrorContext(ctx, msg, args...)
}

// With returns a plain *slog.Logger carrying this component's scope plus
// args, for call sites that want to chain further attributes.
func (l *LazyLogger) With(args ...any) *slog.Logger {
	return l.base().With(args...)
}
