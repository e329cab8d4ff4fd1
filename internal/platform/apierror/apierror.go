// Package apierror defines the error taxonomy surfaced by the gateway and the
// Echo error handler that renders it in the response envelope.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for the client. The status code is derived from it.
type Kind string

const (
	KindMissingCredential     Kind = "MissingCredential"
	KindInvalidCredential     Kind = "InvalidCredential"
	KindForbidden             Kind = "Forbidden"
	KindDiscoveryFailed       Kind = "DiscoveryFailed"
	KindTokenExchangeFailed   Kind = "TokenExchangeFailed"
	KindClaimValidationFailed Kind = "ClaimValidationFailed"
	KindStateMismatch         Kind = "StateMismatch"
	KindUpstreamUnavailable   Kind = "UpstreamUnavailable"
	KindUpstreamRejected      Kind = "UpstreamRejected"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindValidationFailed      Kind = "ValidationFailed"
	KindNotFound              Kind = "NotFound"
	KindRateLimited           Kind = "RateLimited"
	KindInternal              Kind = "Internal"
)

var statusByKind = map[Kind]int{
	KindMissingCredential:     http.StatusUnauthorized,
	KindInvalidCredential:     http.StatusUnauthorized,
	KindForbidden:             http.StatusForbidden,
	KindDiscoveryFailed:       http.StatusBadGateway,
	KindTokenExchangeFailed:   http.StatusUnauthorized,
	KindClaimValidationFailed: http.StatusUnauthorized,
	KindStateMismatch:         http.StatusBadRequest,
	KindUpstreamUnavailable:   http.StatusBadGateway,
	KindUpstreamRejected:      http.StatusBadGateway,
	KindUpstreamTimeout:       http.StatusGatewayTimeout,
	KindValidationFailed:      http.StatusBadRequest,
	KindNotFound:              http.StatusNotFound,
	KindRateLimited:           http.StatusTooManyRequests,
	KindInternal:              http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a kind, 500 for unknown kinds.
func StatusFor(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Detail is a single field-level validation problem.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a classified failure. Message is safe to show to clients; Err is
// kept for logs and errors.Is/As and is never rendered.
type Error struct {
	Kind    Kind
	Message string
	Details []Detail
	Status  int // overrides StatusFor(Kind) when non-zero
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status the error renders with.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return StatusFor(e.Kind)
}

// New creates an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error carrying err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a ValidationFailed error with field details.
func Validation(details ...Detail) *Error {
	return &Error{Kind: KindValidationFailed, Message: "Validation failed", Details: details}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
