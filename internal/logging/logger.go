// internal/logging/logger.go
// Builds the daemon's diagnostic structured logger (startup/shutdown
// messages, lease events, config errors) — distinct from internal/logsink,
// which writes the per-check/action data-plane log.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a new structured logger
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// WithRule returns a logger with the rule id attached to every record.
func WithRule(logger *slog.Logger, ruleID int) *slog.Logger {
	return logger.With("rule", ruleID)
}
