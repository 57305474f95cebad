// Package logger provides the structured logger shared by every service.
// Services log through key-value pairs on slog; packages that need logging
// declare a small local Logger interface which *Logger satisfies.
package logger

import (
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with scoped-field helpers
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout. Format "json" selects the
// machine-readable handler; anything else gets the colored dev handler.
func New(level, format string) *Logger {
	return &Logger{Logger: slog.New(newHandler(parseLevel(level), format))}
}

func newHandler(level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

// With returns a logger carrying additional key-value fields on every line
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithExecutionID scopes the logger to one execution
func (l *Logger) WithExecutionID(executionID string) *Logger {
	return l.With("execution_id", executionID)
}

// WithNodeID scopes the logger to one node
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return l.With("node_id", nodeID)
}

// Error logs at error level with the current stack appended, so failures
// deep in job handlers stay attributable
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
