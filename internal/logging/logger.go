// Package logging builds the process root logger. Components derive their
// own sub-loggers from it by tagging a component field; this package only
// decides level, destination, and format.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration
type Config struct {
	Level       string // DEBUG, INFO, WARN, ERROR
	Output      string // stdout, stderr, or a file path
	JSONFormat  bool   // JSON lines when true, human-readable console otherwise
	IncludeFile bool   // Annotate entries with the caller's file and line
	Component   string // Optional component tag applied to every entry
}

// ParseLevel converts a level string to a zerolog level. Unrecognized
// values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds the root logger described by cfg. A file destination that
// cannot be opened falls back to stdout so a bad path never silences the
// process.
func New(cfg Config) zerolog.Logger {
	var out io.Writer
	var openErr error

	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			out = os.Stdout
			openErr = err
		} else {
			out = file
		}
	}

	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logCtx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.IncludeFile {
		logCtx = logCtx.Caller()
	}
	if cfg.Component != "" {
		logCtx = logCtx.Str("component", cfg.Component)
	}

	logger := logCtx.Logger()
	if openErr != nil {
		logger.Warn().Err(openErr).Str("path", cfg.Output).Msg("Could not open log file, writing to stdout")
	}
	return logger
}
