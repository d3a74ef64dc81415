// Package logging provides the process-wide leveled logger.
// It is a thin facade over zap so call sites can stay printf-style.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger("text", os.Stderr)
)

// ParseLevel converts a verbosity string to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
}

func newLogger(format string, out *os.File) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(out), level)
	return zap.New(core).Sugar()
}

// Configure replaces the global logger. Format is "text" or "json".
func Configure(format, verbosity string) error {
	lvl, err := ParseLevel(verbosity)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(lvl)
	logger = newLogger(format, os.Stderr)
	return nil
}

// SetLevel sets the global log level.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// IsDebug returns true if debug logging is enabled.
func IsDebug() bool {
	return level.Enabled(zapcore.DebugLevel)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a debug message.
func Debug(format string, args ...any) {
	current().Debugf(format, args...)
}

// Info logs an info message.
func Info(format string, args ...any) {
	current().Infof(format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...any) {
	current().Warnf(format, args...)
}

// Error logs an error message.
func Error(format string, args ...any) {
	current().Errorf(format, args...)
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = current().Sync()
}
