package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/carelink/gateway/internal/platform/apierror"
)

var (
	// ErrUpstreamUnavailable covers network failures and timeouts.
	ErrUpstreamUnavailable = errors.New("FHIR server unavailable")
	// ErrUpstreamTimeout is wrapped together with ErrUpstreamUnavailable when
	// a call ran out of time.
	ErrUpstreamTimeout = errors.New("FHIR server timed out")
	// ErrUpstreamRejected is the sentinel behind every *UpstreamError.
	ErrUpstreamRejected = errors.New("FHIR server rejected request")
	// ErrInvalidID is returned before any I/O for malformed ids and types.
	ErrInvalidID = errors.New("invalid FHIR id")
)

const maxDiagnosticsLen = 512

// UpstreamError is a non-2xx response from the FHIR server.
type UpstreamError struct {
	Op          string
	Status      int
	Diagnostics string
	Outcome     *OperationOutcome
}

func (e *UpstreamError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, e.Diagnostics)
	}
	return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstreamRejected }

// newUpstreamError keeps the OperationOutcome diagnostics when the body is
// one, and a truncated copy of the body otherwise.
func newUpstreamError(op string, status int, body []byte) *UpstreamError {
	ue := &UpstreamError{Op: op, Status: status}

	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err == nil && oo.ResourceType == "OperationOutcome" {
		ue.Outcome = &oo
		ue.Diagnostics = oo.Diagnostics()
	}
	if ue.Diagnostics == "" {
		ue.Diagnostics = truncate(strings.TrimSpace(string(body)), maxDiagnosticsLen)
	}
	return ue
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}

// APIError classifies a client error for the HTTP layer. An upstream 404 is
// reported as NotFound; every other rejection is UpstreamRejected.
func APIError(err error) *apierror.Error {
	var ae *apierror.Error
	var ue *UpstreamError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, ErrInvalidID):
		return apierror.Validation(apierror.Detail{Field: "id", Message: "must be a valid FHIR id"})
	case errors.As(err, &ue):
		if ue.Status == http.StatusNotFound {
			return apierror.Wrap(apierror.KindNotFound, "Resource not found", err)
		}
		msg := "FHIR server rejected the request"
		if ue.Diagnostics != "" {
			msg += ": " + ue.Diagnostics
		}
		return apierror.Wrap(apierror.KindUpstreamRejected, msg, err)
	case errors.Is(err, ErrUpstreamTimeout):
		return apierror.Wrap(apierror.KindUpstreamTimeout, "FHIR server timed out", err)
	case errors.Is(err, ErrUpstreamUnavailable):
		return apierror.Wrap(apierror.KindUpstreamUnavailable, "FHIR server unavailable", err)
	default:
		return apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}
}
