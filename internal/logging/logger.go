/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var (
	// Global logger instance
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

// DefaultService names the process in every entry unless LogConfig overrides it
const DefaultService = "loqa-scribe"

// LogConfig holds logging configuration
type LogConfig struct {
	Level   string // "debug", "info", "warn", "error"
	Format  string // "json", "console"
	Service string
}

// Initialize sets up the global logger from LOG_LEVEL and LOG_FORMAT
func Initialize() error {
	return InitializeWithConfig(LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	})
}

// InitializeWithConfig sets up the global logger with provided configuration
func InitializeWithConfig(config LogConfig) error {
	zapConfig := zap.NewDevelopmentConfig()
	if strings.EqualFold(config.Format, "json") {
		zapConfig = zap.NewProductionConfig()
		// Job lifecycle lines must never be sampled away.
		zapConfig.Sampling = nil
	}

	level, err := zap.ParseAtomicLevel(strings.ToLower(config.Level))
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level

	service := config.Service
	if service == "" {
		service = DefaultService
	}
	zapConfig.InitialFields = map[string]interface{}{"service": service}

	logger, err := zapConfig.Build(
		zap.AddCallerSkip(1), // Skip the wrapper functions
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		return err
	}

	Logger = logger
	Sugar = logger.Sugar()

	Sugar.Infof("Structured logging initialized (level: %s, format: %s)",
		level.String(), zapConfig.Encoding)
	return nil
}

// Sync flushes any buffered log entries
func Sync() {
	if Logger == nil {
		return
	}
	// Sync reports EINVAL for stdout/stderr on some platforms
	_ = Logger.Sync()
}

// Close cleans up the logger
func Close() {
	Sync()
}

// Component returns the global logger tagged with a component name. It is a
// no-op logger before initialization.
func Component(name string) *zap.Logger {
	if Logger == nil {
		return zap.NewNop()
	}
	return Logger.With(zap.String("component", name))
}

func logInfo(component, message string, base []zap.Field, fields []zap.Field) {
	if Logger == nil {
		return
	}
	all := make([]zap.Field, 0, len(base)+len(fields)+1)
	all = append(all, zap.String("component", component))
	all = append(all, base...)
	all = append(all, fields...)
	Logger.Info(message, all...)
}

// jobIdentifier is satisfied by events.JobEvent
type jobIdentifier interface {
	GetJobID() string
}

// LogJobEvent logs a step in a transcription job's life
func LogJobEvent(event jobIdentifier, message string, fields ...zap.Field) {
	var base []zap.Field
	if event != nil {
		if id := event.GetJobID(); id != "" {
			base = append(base, zap.String("job_id", id))
		}
	}
	logInfo("dispatcher", message, base, fields)
}

// LogSessionEvent logs connection/session lifecycle events
func LogSessionEvent(sessionID, action string, fields ...zap.Field) {
	logInfo("session", "Session event", []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("action", action),
	}, fields)
}

// LogEngineOperation logs recognition engine operations
func LogEngineOperation(backend, operation string, fields ...zap.Field) {
	logInfo("engine", "Engine operation", []zap.Field{
		zap.String("backend", backend),
		zap.String("operation", operation),
	}, fields)
}

// LogNATSEvent logs NATS messaging events
func LogNATSEvent(subject, action string, fields ...zap.Field) {
	logInfo("messaging", "NATS event", []zap.Field{
		zap.String("subject", subject),
		zap.String("action", action),
	}, fields)
}

// LogDatabaseOperation logs database operations
func LogDatabaseOperation(operation, table string, fields ...zap.Field) {
	logInfo("database", "Database operation", []zap.Field{
		zap.String("operation", operation),
		zap.String("table", table),
	}, fields)
}

// LogError logs errors with context
func LogError(err error, message string, fields ...zap.Field) {
	if Logger == nil {
		return
	}
	Logger.Error(message, append([]zap.Field{zap.Error(err)}, fields...)...)
}

// LogWarn logs warnings with context
func LogWarn(message string, fields ...zap.Field) {
	if Logger == nil {
		return
	}
	Logger.Warn(message, fields...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
