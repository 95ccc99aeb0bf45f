// Package logging provides a small component-scoped logger over log/slog.
//
// Every orchestration component logs through the printf-style Logger
// interface of this package, obtained from NewComponentLogger; all of them
// write through the same process-wide slog handler.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Logger is a component-scoped, printf-style logging facade.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(key string, value any) Logger
}

var (
	baseMu      sync.RWMutex
	baseHandler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
)

// SetHandler replaces the process-wide slog handler used by every
// component logger created afterward. Intended for wiring a JSON handler
// or a higher verbosity level from main().
func SetHandler(h slog.Handler) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseHandler = h
}

type componentLogger struct {
	slog *slog.Logger
}

// NewComponentLogger returns a Logger tagged with the given component name.
func NewComponentLogger(component string) Logger {
	baseMu.RLock()
	h := baseHandler
	baseMu.RUnlock()
	return &componentLogger{slog: slog.New(h).With(slog.String("component", component))}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.slog.Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.slog.Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.slog.Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.slog.Error(fmt.Sprintf(format, args...))
}

func (l *componentLogger) With(key string, value any) Logger {
	return &componentLogger{slog: l.slog.With(slog.Any(key, value))}
}
