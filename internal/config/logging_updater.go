package config

import (
	"log/slog"
)

// LoggingUpdater defines interface for components that can update logging levels
type LoggingUpdater interface {
	UpdateLevel(level string) error
}

// LogLevelCallback returns a ChangeCallback that pushes log.level changes
// to the running logger.
func LogLevelCallback(updater LoggingUpdater, logger *slog.Logger) ChangeCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return func(oldConfig, newConfig *Config) {
		if newConfig == nil {
			return
		}
		if oldConfig != nil && oldConfig.Log.Level == newConfig.Log.Level {
			return // No change needed
		}
		if err := updater.UpdateLevel(newConfig.Log.Level); err != nil {
			logger.Error("Failed to update log level", "level", newConfig.Log.Level, "error", err)
			return
		}
		logger.Info("Log level updated", "level", newConfig.Log.Level)
	}
}
