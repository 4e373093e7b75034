// Package observability provides the gateway's structured logging and
// Prometheus metrics: a slog-based Logger with JSON/text format
// selection, and Metrics built on promauto, scaled to this system's
// components.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// ContextKey namespaces values this package stores in a context.Context.
type ContextKey string

// ConnIDKey is the context key carrying the originating connection id,
// attached to every handler's logger so related log lines can be
// correlated by conn_id.
const ConnIDKey ContextKey = "conn_id"

// LogConfig configures the root slog.Logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// JSON selects JSON handler output; otherwise a human-readable text
	// handler is used, matching config.Config.LogJSON.
	JSON      bool
	Output    io.Writer
	AddSource bool
}

// NewLogger builds the process-wide slog.Logger per cfg, the way the
// teacher's NewLogger wires slog.NewJSONHandler/slog.NewTextHandler
// behind a single config switch.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// WithConnID returns a context carrying connID for log correlation.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// ConnIDFromContext extracts the conn_id stashed by WithConnID, if any.
func ConnIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ConnIDKey).(string)
	return v
}

// LoggerFromContext returns a child logger annotated with the
// context's conn_id, falling back to base unannotated if none is set.
func LoggerFromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if connID := ConnIDFromContext(ctx); connID != "" {
		return base.With("conn_id", connID)
	}
	return base
}
