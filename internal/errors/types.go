// Package errors defines the domain error taxonomy. The HTTP layer maps
// these onto status codes; everything else just wraps with %w and lets
// errors.As recover the concrete kind.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
)

// ValidationError reports malformed input: missing fields, unknown columns,
// duplicate or unknown DAG keys, self-dependencies, cycles. Maps to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports a missing entity. Maps to HTTP 404.
type NotFoundError struct {
	Kind string // "task", "pipeline", "template"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransitionError reports an attempted status transition outside the
// permitted set, or a concurrent claim losing the race. Maps to HTTP 409.
type TransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// IsTransition reports whether err is (or wraps) a TransitionError.
func IsTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// AdapterError reports a failed adapter execution: non-zero exit or a thrown
// error. The dispatcher records it in last_error and releases the task.
type AdapterError struct {
	Adapter  string
	TaskID   string
	ExitCode int
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adapter %s failed on task %s: %v", e.Adapter, e.TaskID, e.Err)
	}
	return fmt.Sprintf("adapter %s failed on task %s: exit code %d", e.Adapter, e.TaskID, e.ExitCode)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// HTTPStatusError carries a status code from a backend HTTP call, together
// with an optional Retry-After hint in seconds.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsTransient reports whether err is worth retrying: network failures,
// throttling, and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var hse *HTTPStatusError
	if errors.As(err, &hse) {
		switch hse.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if isNetworkError(err) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

// RetryAfterSeconds extracts a Retry-After hint from err, or 0.
func RetryAfterSeconds(err error) int {
	var hse *HTTPStatusError
	if errors.As(err, &hse) {
		return hse.RetryAfter
	}
	return 0
}

// ParseRetryAfter interprets a Retry-After header value as whole seconds.
// HTTP-date forms are not supported; malformed values yield 0.
func ParseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	return false
}
