// Package async spawns background goroutines that survive panics. Every
// long-lived loop and worker in the orchestrator goes through Go so a
// panicking adapter, gate, or hook cannot take the whole process down.
package async

import "runtime/debug"

// PanicLogger is the minimal logging surface a panic report needs.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine. A panic in fn is logged with the worker
// name and its stack instead of crashing the process.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported so synchronous callers can
// guard their own frames the same way.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "goroutine"
	}
	logger.Error("panic in %s: %v\n%s", name, r, debug.Stack())
}
