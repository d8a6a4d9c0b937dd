// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init sets up the default slog logger for the given component and returns
// a handle carrying that component as a fixed attribute.
func Init(component string) *slog.Logger {
	level := levelFromEnv()
	var handler slog.Handler
	if jsonEnabled() {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func jsonEnabled() bool {
	v := strings.ToLower(os.Getenv("SYKLI_JSON_LOG"))
	return v == "1" || v == "true" || v == "json"
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("SYKLI_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
