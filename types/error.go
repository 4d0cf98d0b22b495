package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Orchestration error codes
const (
	ErrConfiguration         ErrorCode = "CONFIGURATION"
	ErrTransientExternal     ErrorCode = "TRANSIENT_EXTERNAL"
	ErrPermanentExternal     ErrorCode = "PERMANENT_EXTERNAL"
	ErrCacheIO               ErrorCode = "CACHE_IO"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrDependencyUnsatisfied ErrorCode = "DEPENDENCY_UNSATISFIED"
	ErrDeadlineExceeded      ErrorCode = "DEADLINE_EXCEEDED"
	ErrInternal              ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and the
// processor/entity it is scoped to.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Processor  string    `json:"processor,omitempty"`
	Entity     string    `json:"entity,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// TRANSIENT_EXTERNAL errors start out retryable.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == ErrTransientExternal}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProcessor sets the processor name.
func (e *Error) WithProcessor(name string) *Error {
	e.Processor = name
	return e
}

// WithEntity sets the entity key.
func (e *Error) WithEntity(key string) *Error {
	e.Entity = key
	return e
}

// Transient wraps err as a retryable external failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrTransientExternal, "transient external failure").WithCause(err)
}

// Permanent wraps err as a non-retryable external failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrPermanentExternal, "permanent external failure").WithCause(err)
}

// ConfigError builds a CONFIGURATION error.
func ConfigError(format string, args ...any) *Error {
	return NewError(ErrConfiguration, fmt.Sprintf(format, args...))
}

// IsRetryable checks if an error is a *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsTransient reports whether err belongs to a transient failure class:
// retryable *Error values, net timeouts and context deadline errors raised
// by a callee. Cancellation of the caller's own context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatusCode classifies an HTTP response status: 408, 429 and 5xx are
// transient, other 4xx are permanent. 2xx/3xx return nil.
func HTTPStatusCode(status int, message string) error {
	switch {
	case status < 400:
		return nil
	case status == 408 || status == 429 || status >= 500:
		return NewError(ErrTransientExternal, message).WithHTTPStatus(status)
	default:
		return NewError(ErrPermanentExternal, message).WithHTTPStatus(status)
	}
}
