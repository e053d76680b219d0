package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

var (
	// ErrNotFound is the root of every lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrToolNotFound reports an unknown tool name.
	ErrToolNotFound = fmt.Errorf("tool %w", ErrNotFound)
	// ErrSessionNotFound reports a session without a run record.
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	// ErrDuplicateTool reports a second registration under the same name.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrCancelled is the distinguishable outcome of a cancelled operation.
	ErrCancelled = errors.New("operation cancelled")
	// ErrTimeout reports a tool attempt that overran its deadline.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrInvalidSession rejects empty session ids.
	ErrInvalidSession = errors.New("session id must not be empty")
)

// Cancelled wraps ErrCancelled with the point where cancellation was observed.
func Cancelled(where string) error {
	if where == "" {
		return ErrCancelled
	}
	return fmt.Errorf("%s: %w", where, ErrCancelled)
}

// IsCancelled reports whether err represents cooperative or forced cancellation.
// Deadline expiry is not cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// ValidationError reports a malformed action, argument or configuration value.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ToolExecutionError wraps a single failed tool attempt.
type ToolExecutionError struct {
	Tool    string
	Attempt int
	Err     error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s attempt %d: %v", e.Tool, e.Attempt, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolError is the terminal failure of a governed tool call after its retry
// budget is spent.
type ToolError struct {
	Tool     string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempt(s) in %s: %v", e.Tool, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ParseError reports model output that carries no decodable JSON action.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("parse action: %v", e.Err)
	}
	return fmt.Sprintf("parse action from %q: %v", e.Snippet, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownActionError reports an action whose type is neither tool nor final.
type UnknownActionError struct {
	Type string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unrecognized action type %q", e.Type)
}

// StepsExceededError reports a reasoning loop that ran out of steps.
type StepsExceededError struct {
	MaxSteps int
}

func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("no final answer within %d steps", e.MaxSteps)
}

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ClassifyHTTPStatus wraps err as transient or permanent based on an upstream status code.
func ClassifyHTTPStatus(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if IsTransientHTTPStatus(statusCode) {
		return &TransientError{Err: err, StatusCode: statusCode}
	}
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	return isNetworkError(err) || isSyscallError(err)
}

// IsTransientHTTPStatus reports upstream overload and gateway failures.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529: // provider "overloaded"
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
