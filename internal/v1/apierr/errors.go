// Package apierr defines the error kinds the core distinguishes and the
// mapping onto HTTP status codes used by the REST adapter.
//
// Core APIs return these as tagged results; panics are reserved for invariant
// violations. The router and hubs recover locally from QueueFull and Timeout,
// every other kind propagates to the caller.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind labels a class of failure. The names are domain labels, not transport
// codes; HTTPStatus performs the transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidInput
	KindUnauthorized
	KindForbidden
	KindProtocolMismatch
	KindQueueFull
	KindRateLimited
	KindInvalidPhase
	KindTimeout
	KindInternal
)

// String returns the canonical label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindQueueFull:
		return "queue_full"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidPhase:
		return "invalid_phase"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// FieldError is one structured validation failure, used by KindInvalidInput
// errors (e.g. JSON Schema violations).
type FieldError struct {
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

// Error is the tagged error type returned across the core boundary.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two apierr errors by kind, so sentinel comparisons like
// errors.Is(err, apierr.New(apierr.KindNotFound, "")) work as expected.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message while keeping the cause
// reachable via errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithFields attaches structured validation failures to the error.
func (e *Error) WithFields(fields ...FieldError) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// KindOf extracts the kind from an error chain, KindUnknown when the chain
// carries no tagged error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps an error chain onto the HTTP status the REST adapter
// should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindQueueFull:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProtocolMismatch, KindInvalidPhase:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
