package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With(slog.String("app", AppName))
}

// ParseLevel maps debug/info/warn/error to slog levels; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
