// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects level (debug, info, warn, error), format (text, json) and
// output (stdout, stderr or a file path).
type Config struct {
	Level  string
	Format string
	Output string
}

// New builds a logger for cfg. The returned closer releases a log file, if one was opened.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	w, closer, err := writer(cfg.Output)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// Setup builds a logger for cfg and installs it as the slog default.
func Setup(cfg Config) (io.Closer, error) {
	log, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return closer, nil
}

// ParseLevel maps a level name to slog.Level; unknown names give Info.
func ParseLevel(s string) slog.Level {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func writer(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return f, f, nil
}
