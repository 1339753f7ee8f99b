// Package logging configures the zerolog logger shared by all components.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the process logger. Output is JSON to stdout with
// RFC3339Nano timestamps; set PRETTY=1 for human-readable console output
// and DEBUG=1 to lower the global level to debug.
func NewLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if os.Getenv("PRETTY") == "1" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return logger
}

// ForComponent returns a child logger tagged with the component name.
func ForComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
