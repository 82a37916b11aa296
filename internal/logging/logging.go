// Package logging configures zerolog for every component of the engine.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup sets the global log level and output.
// Levels follow zerolog: -1=trace, 0=debug, 1=info, 2=warn, 3=error, 4=fatal, 5=panic.
func Setup(level int, pretty bool) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// For returns a child of the global logger tagged with a component and address.
func For(component, addr string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Str("addr", addr).Logger()
}
