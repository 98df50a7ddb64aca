// Package logging configures the process-wide zerolog setup.
// Components receive their logger by injection; there is no package-level
// default to reach for.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level   string `json:"level"`   // debug, info, warn, error
	Output  string `json:"output"`  // "stdout", "stderr", or file path
	Console bool   `json:"console"` // Human-readable console format instead of JSON
}

// New builds the root logger. Callers derive component loggers from it via
// WithComponent.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	if cfg.Console {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

// WithComponent tags a derived logger with the owning component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
