// Package logger provides the structured logging setup shared by the
// c2v/v2c CLIs, adapted from the teacher's subsystem-leveled slog
// configuration down to this engine's much smaller surface: one
// process, one pipeline run, no OpenTelemetry exporter (§2 of
// SPEC_FULL.md — ambient logging is carried, tracing is not, since
// nothing here is a long-running service).
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// Config holds logging configuration read from the environment.
type Config struct {
	// Level is the log level for the process.
	Level slog.Level
	// AddSource adds source file information to log entries.
	AddSource bool
}

// NewConfig creates a Config from environment variables, reading
// LOG_LEVEL (debug|info|warn|error, default info).
func NewConfig() Config {
	cfg := Config{Level: slog.LevelInfo}
	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		cfg.Level = parseLevel(levelStr)
	}
	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates the process-wide *slog.Logger: a text handler to
// stderr, matching the CLI's "one human-readable line on error"
// contract (spec.md §7) rather than the teacher's JSON-to-stdout
// service logging, since these tools are invoked interactively or
// from scripts, not scraped by a log aggregator.
func New(cfg Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}))
}

// AddToContext adds a logger to the context.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
