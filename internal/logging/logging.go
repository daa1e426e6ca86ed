// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to a slog level. "none" reports ok=false
// with a nil error.
func ParseLevel(name string) (level slog.Level, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return 0, false, nil
	case "error":
		return slog.LevelError, true, nil
	case "warn", "warning":
		return slog.LevelWarn, true, nil
	case "", "info":
		return slog.LevelInfo, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	default:
		return 0, false, fmt.Errorf("logging: unknown level %q", name)
	}
}

// Configure installs a default logger at the named level ("none", "error",
// "warn", "info" or "debug"). With an empty file, text goes to stderr;
// otherwise the file is truncated and receives JSON records. The returned
// closer must be closed on exit.
func Configure(level, file string) (io.Closer, error) {
	lvl, enabled, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelOff})))
		return nopCloser{}, nil
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if file == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return f, nil
}

// levelOff is above every level the process logs at.
const levelOff = slog.LevelError + 1

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
