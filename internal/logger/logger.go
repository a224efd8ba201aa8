// Package logger constructs the zerolog loggers used across the process.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New returns a logger writing JSON lines to w at the given level. Level is
// one of "debug", "info", "warn", "error" (case-insensitive).
func New(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// NewForTarget returns a logger for the named target: "stderr", "stdout", or
// a file path opened for appending. The returned closer is non-nil only for
// file targets.
func NewForTarget(target, level string) (zerolog.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer
	switch target {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		w = f
		closer = f
	}
	log, err := New(w, level)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return zerolog.Nop(), nil, err
	}
	return log, closer, nil
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel converts a configuration log level to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
