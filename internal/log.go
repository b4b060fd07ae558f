package internal

import (
	"io"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu     sync.Mutex
	globalLogger *SecureLogger
)

// InitLogger builds the global logger from config. With LogFile set, lines go
// to that file instead of stderr; the file stays open for the process
// lifetime.
func InitLogger(config *Config) error {
	var output io.Writer = os.Stderr
	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return NewValidationErrorWithValue("log_file", "failed to open log file", config.LogFile).
				WithSuggestion("Check file permissions and path validity")
		}
		output = file
	}

	level := parseLogLevel(config.LogLevel)
	if config.QuietMode {
		level = LogLevelError
	}
	if config.EnableDebug {
		level = LogLevelDebug
	}

	loggerMu.Lock()
	globalLogger = NewSecureLogger(output, level)
	loggerMu.Unlock()
	return nil
}

// GetLogger returns the global logger, creating a default stderr logger on
// first use when InitLogger was never called.
func GetLogger() *SecureLogger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if globalLogger == nil {
		globalLogger = NewDefaultLogger(false, false)
	}
	return globalLogger
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogError logs an error message using the global logger.
func LogError(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// LogWarn logs a warning message using the global logger.
func LogWarn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// LogInfo logs an info message using the global logger.
func LogInfo(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// LogDebug logs a debug message using the global logger.
func LogDebug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// LogBiliError routes a BiliError to the level matching its severity.
func LogBiliError(err *BiliError) {
	logger := GetLogger()

	switch err.Severity {
	case SeverityCritical:
		logger.Error("CRITICAL: %s", err.DetailedError())
	case SeverityWarning:
		logger.Warn("%s", err.DetailedError())
	case SeverityInfo:
		logger.Info("%s", err.DetailedError())
	default:
		logger.Error("%s", err.DetailedError())
	}
}
