// Package httperr defines the error taxonomy shared by the proxy surface.
// Every user-facing failure is one of these kinds so that all errors render
// through a single formatting path with a consistent status code.
package httperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error into the externally observable categories.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindBadClientData     Kind = "bad_client_data"
	KindConnectionRefused Kind = "connection_refused"
	KindInternal          Kind = "internal_error"
	KindTimeout           Kind = "timeout"
	KindRatelimit         Kind = "ratelimit"
)

// Error is a user-facing error with an HTTP status derived from its kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBadClientData:
		return http.StatusBadRequest
	case KindConnectionRefused:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRatelimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Name returns the human readable name rendered on error pages.
func (e *Error) Name() string {
	switch e.Kind {
	case KindNotFound:
		return "Not Found"
	case KindUnauthorized:
		return "Unauthorized"
	case KindBadClientData:
		return "Bad Request"
	case KindConnectionRefused:
		return "Service Unavailable"
	case KindTimeout:
		return "Gateway Timeout"
	case KindRatelimit:
		return "Too Many Requests"
	default:
		return "Internal Server Error"
	}
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// BadClientData creates a malformed input error.
func BadClientData(message string) *Error {
	return &Error{Kind: KindBadClientData, Message: message}
}

// ConnectionRefused creates an upstream unavailable error.
func ConnectionRefused(message string, cause error) *Error {
	return &Error{Kind: KindConnectionRefused, Message: message, Cause: cause}
}

// Internal creates a local processing error.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// Timeout creates an upstream timeout error.
func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Cause: cause}
}

// From converts err into an *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
