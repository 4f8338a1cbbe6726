package config

import (
	"log/slog"
	"os"
	"strings"
)

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// NormalizeLogLevel maps a raw string to a supported level, defaulting to info.
func NormalizeLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// NormalizeLogFormat maps a raw string to a supported format, defaulting to text.
func NormalizeLogFormat(raw string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(raw), "json") {
		return LogFormatJSON
	}
	return LogFormatText
}

// NewLogger builds a slog.Logger from the logging configuration.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch NormalizeLogLevel(cfg.Level) {
	case LogLevelDebug:
		level = slog.LevelDebug
	case LogLevelWarn:
		level = slog.LevelWarn
	case LogLevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if NormalizeLogFormat(cfg.Format) == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
