// Package logger provides the process-wide structured logger.
//
// It wraps a zap SugaredLogger so call sites can log with key/value pairs
// (Info("msg", "key", value)) or printf-style (Infof("msg %s", value)).
package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel is the environment variable consulted for the log level.
const EnvLogLevel = "CONTENT_MIRROR_LOG_LEVEL"

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	current.Store(newLogger(levelFromEnv(), false))
}

// Initialize replaces the global logger. When debug is true the level is
// forced to debug regardless of the environment.
func Initialize(debug bool) {
	level := levelFromEnv()
	if debug {
		level = zapcore.DebugLevel
	}
	current.Store(newLogger(level, debug))
}

// Set replaces the global logger. Intended for tests.
func Set(l *zap.Logger) {
	current.Store(l.Sugar())
}

// Get returns the global sugared logger.
func Get() *zap.SugaredLogger {
	return current.Load()
}

// With returns a child logger carrying the given key/value pairs.
func With(keysAndValues ...any) *zap.SugaredLogger {
	return Get().With(keysAndValues...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Get().Sync()
}

// Debug logs a message at debug level with key/value pairs.
func Debug(msg string, keysAndValues ...any) { Get().Debugw(msg, keysAndValues...) }

// Info logs a message at info level with key/value pairs.
func Info(msg string, keysAndValues ...any) { Get().Infow(msg, keysAndValues...) }

// Warn logs a message at warn level with key/value pairs.
func Warn(msg string, keysAndValues ...any) { Get().Warnw(msg, keysAndValues...) }

// Error logs a message at error level with key/value pairs.
func Error(msg string, keysAndValues ...any) { Get().Errorw(msg, keysAndValues...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { Get().Debugf(format, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { Get().Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { Get().Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { Get().Errorf(format, args...) }

// Fatalf logs a formatted message and exits the process.
func Fatalf(format string, args ...any) { Get().Fatalf(format, args...) }

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv(EnvLogLevel)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level zapcore.Level, development bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	// stdout is reserved for command output such as `version --format json`
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
