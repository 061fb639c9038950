package config

import (
	"log/slog"
	"strings"
)

// SlogLevel returns the slog level named by LogLevel, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	lvl, ok := parseLevel(c.LogLevel)
	if !ok {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
