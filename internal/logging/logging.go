// Package logging adapts log/slog to the printf-style Logf func(string,
// ...any) convention used throughout this proxy, matching the narrow
// logging capability revproxy.Server.Logf accepts rather than threading a
// global logger through every component.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Logf is the logging capability every component in this proxy depends on.
type Logf func(format string, args ...any)

// New returns a Logf backed by a slog.Logger at the given level, writing
// structured (JSON) records to w. Each call is logged at a fixed level
// since the printf convention carries no per-call severity.
func New(w *os.File, level slog.Level) Logf {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	l := slog.New(h)
	return func(format string, args ...any) {
		l.Log(context.Background(), level, fmt.Sprintf(format, args...))
	}
}

// ParseLevel maps the config's logLevel string onto a slog.Level, defaulting
// to Info for an unrecognized value.
func ParseLevel(s string) slog.Level {
	switch s {
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

// Discard is a Logf that does nothing, used as the zero-value default so
// components never need a nil check before calling it.
func Discard(string, ...any) {}
