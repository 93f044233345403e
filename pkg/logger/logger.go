package logger

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps LOG_LEVEL values onto zerolog levels. Anything unknown is info.
func ParseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger инициализирует zerolog с заданным уровнем логирования
func InitLogger() {
	logLevel := ParseLevel(os.Getenv("LOG_LEVEL"))

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(logLevel)

	if pretty, _ := strconv.ParseBool(os.Getenv("LOG_PRETTY")); pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	log.Info().
		Str("level", logLevel.String()).
		Str("time_format", "unix ms").
		Msg("Logger initialized")
}
