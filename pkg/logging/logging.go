// Package logging builds the colored slog logger used by the command line.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a tint logger writing to w at level.
func New(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		// file:line only helps when debugging
		AddSource: level <= slog.LevelDebug,
		NoColor:   noColor,
	})
	return slog.New(handler)
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}
