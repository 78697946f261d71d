// Package logging provides the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance. Initialize before use; the zero
// value works but carries no component tagging or level configuration.
var Log zerolog.Logger

// Init configures the global logger. level is parsed with
// zerolog.ParseLevel and falls back to info on a bad value. pretty
// selects a human-readable console writer for local development;
// production runs emit JSON with unix-timestamp fields.
func Init(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "pulsehub").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Gateway returns a logger tagged for the WebSocket gateway (§4.I).
func Gateway() *zerolog.Logger {
	l := Log.With().Str("component", "gateway").Logger()
	return &l
}

// Registry returns a logger tagged for the channel registry (§4.D).
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}

// Adapter returns a logger tagged for the cluster fan-out adapter (§4.F).
func Adapter() *zerolog.Logger {
	l := Log.With().Str("component", "adapter").Logger()
	return &l
}

// Webhook returns a logger tagged for the webhook pipeline (§4.G).
func Webhook() *zerolog.Logger {
	l := Log.With().Str("component", "webhook").Logger()
	return &l
}

// HTTPAPI returns a logger tagged for the HTTP control API (§4.H).
func HTTPAPI() *zerolog.Logger {
	l := Log.With().Str("component", "httpapi").Logger()
	return &l
}

// Quota returns a logger tagged for the rate-limiting layer (§4.B).
func Quota() *zerolog.Logger {
	l := Log.With().Str("component", "quota").Logger()
	return &l
}
