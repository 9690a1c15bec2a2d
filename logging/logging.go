// Package logging builds the slog loggers used by the eventbus command and the demo program.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel accepts debug, info, warn and error, case-insensitively; "" means info.
func ParseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, berr.ErrInvalidConfig)
	}

	return lvl, nil
}

// ValidFormat reports whether New understands format.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatJSON, FormatText:
		return true
	default:
		return false
	}
}

// New returns a logger writing to w (stderr when nil) in the given format.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	if !ValidFormat(format) {
		return nil, fmt.Errorf("log format %q: %w", format, berr.ErrInvalidConfig)
	}

	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, FormatText) {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}

	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
