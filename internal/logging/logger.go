// Package logging provides the structured logger used across the billing bridge.
// It wraps log/slog with JSON output, persistent attributes and context propagation,
// so adapted operations can log with the attributes of the request that started them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log levels accepted by New.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is a structured logger. It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
}

// New creates a JSON logger writing to w at the given level.
// A nil writer writes to stderr.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{logger: slog.New(handler)}
}

// Nop returns a Logger that discards all output.
func Nop() *Logger {
	return &Logger{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger with additional key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// WithComponent scopes the logger to a component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// WithOperation scopes the logger to an adapted operation.
func (l *Logger) WithOperation(op string) *Logger {
	return l.With("operation", op)
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying l.
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return Nop()
}

// OrNop returns l when non-nil, otherwise a no-op logger.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}
