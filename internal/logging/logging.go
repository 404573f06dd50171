// Package logging is a thin printf-style facade over log/slog shared by
// every package of the service.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// ParseLevel converts a case-insensitive level name into a slog.Level.
// An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}

// Setup replaces the process logger. A nil writer logs to stderr.
func Setup(level string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stderr
	}

	mu.Lock()
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	mu.Unlock()
	return nil
}

// Logger returns the current structured logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(format string, args ...interface{}) {
	Logger().Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	Logger().Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...interface{}) {
	Logger().Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	Logger().Error(fmt.Sprintf(format, args...))
}

// CronAdapter routes robfig/cron's internal events (including recovered
// panics from job functions) into the process logger.
type CronAdapter struct{}

// CronLogger returns a value satisfying cron.Logger.
func CronLogger() CronAdapter {
	return CronAdapter{}
}

func (CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	Logger().Debug("cron: "+msg, keysAndValues...)
}

func (CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	Logger().Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
