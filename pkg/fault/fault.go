// Package fault defines the wire-neutral error taxonomy for the fusion
// engine. Errors are values carrying a code plus integration context, so the
// transport layer can map them without string matching.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code is a wire-neutral error code.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeAccessDenied        Code = "ACCESS_DENIED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeDuplicateEntry      Code = "DUPLICATE_ENTRY"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeConnectionRefused   Code = "CONNECTION_REFUSED"
	CodeConnectionTimeout   Code = "CONNECTION_TIMEOUT"
	CodeAuthenticationFail  Code = "AUTHENTICATION_FAILED"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeIntegration         Code = "INTEGRATION_ERROR"
	CodeCorrelation         Code = "CORRELATION_ERROR"
	CodeDatabase            Code = "DATABASE_ERROR"
	CodeSyncQueueFull       Code = "SYNC_QUEUE_FULL"
	CodeUnsupportedPlatform Code = "UNSUPPORTED_PLATFORM"
)

// Error is the taxonomy error value.
type Error struct {
	Code          Code
	Message       string
	IntegrationID string
	ToolType      string
	Platform      string
	Detail        string
	// RetryAfter carries the vendor's Retry-After hint for rate limit errors.
	RetryAfter time.Duration
	// Transient marks a retryable server-side condition (5xx, flaky network)
	// that has no dedicated code.
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a taxonomy error around a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithIntegration attaches integration context. Returns the receiver for
// chaining.
func (e *Error) WithIntegration(id, toolType, platform string) *Error {
	e.IntegrationID = id
	e.ToolType = toolType
	e.Platform = platform
	return e
}

// WithDetail attaches a human detail string.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the taxonomy code from any error. Non-taxonomy errors map
// to INTEGRATION_ERROR.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeIntegration
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

// Retryable reports whether an operation failing with err is worth retrying:
// connection refusals, timeouts, 5xx responses and transient network faults.
// Rate limit errors are surfaced with their Retry-After hint instead of
// being retried blindly.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case CodeConnectionRefused, CodeConnectionTimeout:
			return true
		}
		if fe.Transient {
			return true
		}
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	return false
}
