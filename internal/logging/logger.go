package logging

import (
	"fmt"
	"log/slog"
	"reflect"

	"runcore/internal/observability"
)

// Logger defines a minimal, printf-style logging contract shared by every
// runtime component.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns the default application logger scoped to a component.
// The underlying observability logger is resolved on every call so components
// built before SetDefault still follow the configured level and format.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

type componentLogger struct {
	component string
}

func (l *componentLogger) base() *observability.Logger {
	return observability.Default().With("component", l.component)
}

func (l *componentLogger) Debug(format string, args ...any) { emit(l.base(), slog.LevelDebug, format, args) }
func (l *componentLogger) Info(format string, args ...any)  { emit(l.base(), slog.LevelInfo, format, args) }
func (l *componentLogger) Warn(format string, args ...any)  { emit(l.base(), slog.LevelWarn, format, args) }
func (l *componentLogger) Error(format string, args ...any) { emit(l.base(), slog.LevelError, format, args) }

type observabilityPrintfLogger struct {
	logger *observability.Logger
}

// FromObservabilityWithComponent wraps an observability logger and preserves
// printf-style call sites by formatting the message before emitting it.
func FromObservabilityWithComponent(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	scoped := logger
	if component != "" {
		scoped = scoped.With("component", component)
	}
	return &observabilityPrintfLogger{logger: scoped}
}

func (l *observabilityPrintfLogger) Debug(format string, args ...any) {
	emit(l.logger, slog.LevelDebug, format, args)
}

func (l *observabilityPrintfLogger) Info(format string, args ...any) {
	emit(l.logger, slog.LevelInfo, format, args)
}

func (l *observabilityPrintfLogger) Warn(format string, args ...any) {
	emit(l.logger, slog.LevelWarn, format, args)
}

func (l *observabilityPrintfLogger) Error(format string, args ...any) {
	emit(l.logger, slog.LevelError, format, args)
}

func emit(logger *observability.Logger, level slog.Level, format string, args []any) {
	if !logger.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case slog.LevelDebug:
		logger.Debug(msg)
	case slog.LevelWarn:
		logger.Warn(msg)
	case slog.LevelError:
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}
