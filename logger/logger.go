// Package logger builds the process-wide zerolog root: human-readable
// console output in development, structured JSON to stderr everywhere
// else. Subsystems derive component loggers from it with
// .With().Str("component", ...).
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/config"
)

// New returns the root logger for this process.
func New(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		level = parsed
	}
	if cfg.IsDevelopment() {
		if level > zerolog.DebugLevel {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
