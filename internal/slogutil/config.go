package slogutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/javi11/davmount/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ReplaceAttrFunc rewrites attributes before they are written.
type ReplaceAttrFunc func(groups []string, a slog.Attr) slog.Attr

// Config describes a Handler. Zero fields take the defaults.
type Config struct {
	Level       slog.Leveler
	Format      Format
	Writer      io.Writer
	ReplaceAttr ReplaceAttrFunc
	Hooks       []Hook
	AddSource   bool
}

var defaultConfig = Config{
	Level:  defaultLevel(),
	Format: FormatText,
}

func mergeConfig(config ...Config) Config {
	if len(config) == 0 {
		return defaultConfig
	}

	cfg := config[0]

	if cfg.Level == nil {
		cfg.Level = defaultConfig.Level
	}

	if cfg.Format == "" {
		cfg.Format = defaultConfig.Format
	}

	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	return cfg
}

func defaultLevel() slog.Leveler {
	if v := os.Getenv("DAVMOUNT_LOG_LEVEL"); v != "" {
		level, _ := ParseLevel(v)
		return level
	}

	return slog.LevelInfo
}

// ParseLevel converts a config level name. Unknown names yield info and an
// error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// SetupLogRotation builds the process logger. Records go to stderr, and
// also to a lumberjack-rotated file when logConfig.File is set. The
// returned leveler changes the level while the mount runs.
func SetupLogRotation(logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	var writer io.Writer = os.Stderr

	if logConfig.File != "" {
		writer = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize, // MB
			MaxBackups: logConfig.MaxBackups,
			MaxAge:     logConfig.MaxAge, // days
			Compress:   logConfig.Compress,
		})
	}

	level, _ := ParseLevel(logConfig.Level)
	leveler := NewDynamicLeveler(level)

	handler := NewHandler(Config{
		Level:  leveler,
		Format: Format(logConfig.Format),
		Writer: writer,
	})

	return slog.New(handler), leveler
}
