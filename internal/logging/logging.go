// Package logging configures zerolog and provides structured event helpers
// for the reload runtime.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano                 // always initialize base logger with timestamp.
	base := zerolog.New(os.Stdout).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// LogReload logs a completed reload with structured fields.
func LogReload(source string, fromVersion, toVersion uint32, stateBytes uint32) {
	log.Info().
		Str("event", "module_reloaded").
		Str("source", source).
		Uint32("from_version", fromVersion).
		Uint32("to_version", toVersion).
		Uint32("state_bytes", stateBytes).
		Msg("reloaded module")
}

// LogFault logs an intercepted guest fault with structured fields.
func LogFault(source, op, class string, version uint32) {
	log.Error().
		Str("event", "fault_intercepted").
		Str("source", source).
		Str("op", op).
		Str("class", class).
		Uint32("version", version).
		Msg("intercepted guest fault")
}

// LogRollback logs a rollback to a retained version with structured fields.
func LogRollback(source string, toVersion uint32, reason string) {
	log.Warn().
		Str("event", "module_rollback").
		Str("source", source).
		Uint32("to_version", toVersion).
		Str("reason", reason).
		Msg("rolled back module")
}
