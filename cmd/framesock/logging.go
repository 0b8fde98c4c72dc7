package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const envLogLevel = "FRAMESOCK_LOG_LEVEL"

// newLogger builds the console logger used by every command.
// FRAMESOCK_LOG_LEVEL takes precedence over the configured level.
func newLogger(out io.Writer, level string) zerolog.Logger {
	if env, ok := os.LookupEnv(envLogLevel); ok && strings.TrimSpace(env) != "" {
		level = env
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).
		Level(parseLevel(level)).
		With().Timestamp().Str("app", "framesock").
		Logger()
	log.Logger = logger
	return logger
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
