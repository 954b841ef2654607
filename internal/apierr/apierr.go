// Package apierr defines the gateway's error taxonomy and its mapping to
// HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for callers and for status-code mapping.
type Kind string

const (
	NotFound            Kind = "not_found"
	Unauthenticated     Kind = "unauthenticated"
	Forbidden           Kind = "forbidden"
	RateLimited         Kind = "rate_limited"
	QuotaExceeded       Kind = "quota_exceeded"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamTimeout     Kind = "upstream_timeout"
	Conflict            Kind = "conflict"
	ValidationFailed    Kind = "validation_failed"
	PayloadTooLarge     Kind = "payload_too_large"
	Internal            Kind = "internal"
)

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string

	// Fields carries per-field messages for ValidationFailed.
	Fields map[string]string

	// RetryAfter is set only for RateLimited.
	RetryAfter time.Duration

	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case NotFound:
		return http.StatusNotFound
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited, QuotaExceeded:
		return http.StatusTooManyRequests
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case Conflict:
		return http.StatusConflict
	case ValidationFailed:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// Upstream reports whether the error originated past the gateway boundary.
func (e *Error) Upstream() bool {
	return e.Kind == UpstreamUnavailable || e.Kind == UpstreamTimeout
}

// New creates a new classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound creates a NotFound error for the named resource.
func NewNotFound(resource string) *Error {
	return New(NotFound, resource+" not found", nil)
}

// NewValidation creates a ValidationFailed error with per-field messages.
func NewValidation(message string, fields map[string]string) *Error {
	return &Error{Kind: ValidationFailed, Message: message, Fields: fields}
}

// NewRateLimited creates a RateLimited error carrying a retry-after hint.
func NewRateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: message, RetryAfter: retryAfter}
}

// As extracts an *Error from err. Unclassified errors are reported as Internal
// with a generic message so that causes are never echoed to callers.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Message: "internal error", Cause: err}
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
