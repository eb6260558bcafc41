package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger. Format "pretty" renders a colored
// single-line form for local development; anything else is JSON.
func NewLogger(level, format string) *slog.Logger {
	log := newLoggerTo(os.Stdout, level, format, colorEnabled())
	slog.SetDefault(log)
	return log
}

func newLoggerTo(w io.Writer, level, format string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		h = newPrettyHandler(w, opts, color)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorEnabled honors NO_COLOR and CHATLINE_LOG_COLOR=false.
func colorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("CHATLINE_LOG_COLOR"))) {
	case "0", "false", "no", "off":
		return false
	}
	return true
}
