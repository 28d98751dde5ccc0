package util

import (
	"io"
	"log/slog"
)

// ComponentLogger returns the global logger tagged with a component name.
// A non-nil base takes precedence so callers can inject their own logger.
func ComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = GetLogger()
	}
	return base.With("component", component)
}

// DiscardLogger returns a logger that drops every record, handy in tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
