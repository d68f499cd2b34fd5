// Package observability provides structured logging helpers for the
// broker.
//
// Log output goes to stderr so redacted child output on stdout stays
// machine-consumable.  Secret values must never be logged; use
// RedactSecrets when a message might embed one.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/twokc/2kc/common/redact"
)

// Setup builds a logger according to the level and format strings (e.g.
// level="info", format="json") and installs it as the slog default.
func Setup(level, format string) *slog.Logger {
	return SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit destination, used by the daemon
// to log into ~/.2kc/server.log.
func SetupWriter(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
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
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// RedactSecrets replaces known-sensitive values in a log message with
// "[REDACTED]".
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
