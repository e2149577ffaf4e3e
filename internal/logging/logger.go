package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. In dev the output is a human
// readable console writer; anywhere else it is one JSON object per line.
func Setup(level, env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Component returns a logger tagged with a component field. Packages keep one
// at construction time instead of calling through the global each time.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
