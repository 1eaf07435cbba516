// Package observability provides structured logging, request IDs and tracing
// for the gateway.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json or text
	AddSource bool   `yaml:"add_source"`
}

// ParseLevel maps a config level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to stdout.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *slog.Logger {
	return NewLeveledLogger(w, cfg, new(slog.LevelVar))
}

// NewLeveledLogger builds a logger whose level follows level, so it can be
// changed at runtime. level is initialized from cfg.
func NewLeveledLogger(w io.Writer, cfg LoggingConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// LoggerWithRequestID returns logger annotated with the request ID in ctx,
// or logger itself when there is none.
func LoggerWithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	id := RequestIDFromContext(ctx)
	if id == "" {
		return logger
	}
	return logger.With("request_id", id)
}
