// Package logging wires the proxy's ambient slog logger, with optional
// file rotation via lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/axonops/dualdb/internal/config"
)

// New builds a *slog.Logger from a LoggingConfig. When FilePath is set,
// output is rotated through lumberjack instead of written directly to
// stdout.
func New(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	var w io.Writer = os.Stdout
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxOr(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch s {
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

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
