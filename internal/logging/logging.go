// Package logging builds the slog logger the showif server runs with: JSON
// output, configurable minimum level, every record stamped with the service
// name so showif lines are filterable in aggregated logs.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger writing to stderr at the given minimum level.
// Levels are case-insensitive ("debug", "info", "warn"/"warning", "error");
// empty or unrecognised strings fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter is New with the output writer made explicit, for tests.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With(slog.String("service", "showif"))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
