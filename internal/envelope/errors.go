// Package envelope carries the cross-cutting request plumbing shared by every
// component: the error taxonomy, correlation IDs, credential sanitization and
// input validation primitives.
package envelope

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. Every error that crosses a component boundary
// carries exactly one Kind.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindUpstreamRejected    Kind = "UPSTREAM_REJECTED"
	KindTimeout             Kind = "TIMEOUT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindConflict            Kind = "CONFLICT"
	KindInternal            Kind = "INTERNAL"
	KindDataCorrupt         Kind = "DATA_CORRUPT"
)

// Error is the single error shape used across the pipeline. Component errors
// are wrapped once at the stage boundary; the HTTP envelope conversion happens
// only in the API layer.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	CorrelationID string
	Retryable     bool
	Details       map[string]string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error. Retryability follows the kind's default
// classification and can be overridden with WithRetryable.
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: kindRetryable(kind),
	}
}

// Wrap attaches a cause to a new taxonomy error. If err is already an
// envelope Error it is returned unchanged: double-wrapping is forbidden.
func Wrap(err error, kind Kind, code, message string) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	e := New(kind, code, message)
	e.cause = err
	return e
}

// WithCorrelation stamps the error with the request's correlation ID.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithRetryable overrides the default retryability hint.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// WithDetail attaches a sanitized key/value to the error details.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = SanitizeValue(key, value)
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindUpstreamUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// KindOf extracts the taxonomy kind from any error chain. Unknown errors
// classify as INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from any error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

// IsRetryable reports the retryability hint of any error chain.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus maps a taxonomy kind to the status code the API surface returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	case KindUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
