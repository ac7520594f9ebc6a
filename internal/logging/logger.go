// Package logging provides the printf-style logging contract shared by every
// long-lived component. Components accept a Logger and normalise it with
// OrNop so callers may pass nil.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// Logger defines a minimal, printf-style logging contract.
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

var debugEnabled atomic.Bool

// SetDebug toggles emission of Debug-level lines for component loggers.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

type componentLogger struct {
	component string
	out       *log.Logger
}

// NewComponentLogger returns the default application logger scoped to a
// component. Lines render as "LEVEL [Component] message" on stderr.
func NewComponentLogger(component string) Logger {
	return &componentLogger{
		component: component,
		out:       log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// NewWriterLogger returns a component logger writing to w. Used by tests.
func NewWriterLogger(component string, w io.Writer) Logger {
	return &componentLogger{
		component: component,
		out:       log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *componentLogger) emit(level, format string, args ...any) {
	l.out.Printf("%s [%s] %s", level, l.component, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) {
	if !debugEnabled.Load() {
		return
	}
	l.emit("DEBUG", format, args...)
}

func (l *componentLogger) Info(format string, args ...any)  { l.emit("INFO", format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.emit("WARN", format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.emit("ERROR", format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
