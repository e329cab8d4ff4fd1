package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/platform/apierror"
)

type recordedRequest struct {
	Method      string
	Path        string
	Query       string
	Accept      string
	ContentType string
	Body        string
}

// fakeFHIR records requests and answers with a canned status and body.
type fakeFHIR struct {
	*httptest.Server
	mu     sync.Mutex
	reqs   []recordedRequest
	status int
	body   string
	delay  time.Duration
}

func newFakeFHIR(t *testing.T) *fakeFHIR {
	t.Helper()
	f := &fakeFHIR{status: http.StatusOK, body: `{"resourceType":"Bundle","entry":[]}`}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.reqs = append(f.reqs, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.RawQuery,
			Accept:      r.Header.Get("Accept"),
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(b),
		})
		status, body, delay := f.status, f.body, f.delay
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeFHIR) respond(status int, body string) {
	f.mu.Lock()
	f.status, f.body = status, body
	f.mu.Unlock()
}

func (f *fakeFHIR) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no request reached the FHIR server")
	}
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeFHIR) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func newTestClient(t *testing.T, f *fakeFHIR, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(f.URL+"/", timeout, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("expected default base URL, got %q", c.BaseURL())
	}
	for _, bad := range []string{"not a url", "ftp://x", "http://"} {
		if _, err := NewClient(bad, 0, zerolog.Nop()); err == nil {
			t.Errorf("NewClient(%q): expected error", bad)
		}
	}
}

func TestClient_RequestShapes(t *testing.T) {
	f := newFakeFHIR(t)
	c := newTestClient(t, f, time.Second)
	ctx := context.Background()

	tests := []struct {
		name     string
		call     func() (json.RawMessage, error)
		method   string
		path     string
		query    string
		wantBody bool
	}{
		{"patient", func() (json.RawMessage, error) { return c.GetPatient(ctx, "123") }, http.MethodGet, "/Patient/123", "", false},
		{"observations", func() (json.RawMessage, error) { return c.GetObservations(ctx, "123", "") }, http.MethodGet, "/Observation", "subject=Patient%2F123", false},
		{"observations by category", func() (json.RawMessage, error) { return c.GetObservations(ctx, "123", "vital-signs") }, http.MethodGet, "/Observation", "category=vital-signs&subject=Patient%2F123", false},
		{"care plans", func() (json.RawMessage, error) { return c.GetCarePlans(ctx, "123") }, http.MethodGet, "/CarePlan", "subject=Patient%2F123", false},
		{"appointments", func() (json.RawMessage, error) { return c.GetAppointments(ctx, "123") }, http.MethodGet, "/Appointment", "actor=Patient%2F123", false},
		{"medications", func() (json.RawMessage, error) { return c.GetMedications(ctx, "123") }, http.MethodGet, "/MedicationRequest", "subject=Patient%2F123", false},
		{"conditions", func() (json.RawMessage, error) { return c.GetConditions(ctx, "123") }, http.MethodGet, "/Condition", "subject=Patient%2F123", false},
		{"search", func() (json.RawMessage, error) { return c.SearchPatients(ctx, SearchParams{Name: "smith", Birthdate: "1970-01-01"}) }, http.MethodGet, "/Patient", "birthdate=1970-01-01&name=smith", false},
		{"capabilities", func() (json.RawMessage, error) { return c.GetCapabilities(ctx) }, http.MethodGet, "/metadata", "", false},
		{"create observation", func() (json.RawMessage, error) {
			return c.CreateObservation(ctx, map[string]any{"resourceType": "Observation"})
		}, http.MethodPost, "/Observation", "", true},
		{"update care plan", func() (json.RawMessage, error) {
			return c.UpdateCarePlan(ctx, "cp-1", map[string]any{"resourceType": "CarePlan"})
		}, http.MethodPut, "/CarePlan/cp-1", "", true},
		{"validate", func() (json.RawMessage, error) {
			return c.ValidateResource(ctx, "Observation", map[string]any{"resourceType": "Observation"})
		}, http.MethodPost, "/Observation/$validate", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.call(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := f.last(t)
			if got.Method != tt.method || got.Path != tt.path || got.Query != tt.query {
				t.Fatalf("got %s %s?%s, want %s %s?%s", got.Method, got.Path, got.Query, tt.method, tt.path, tt.query)
			}
			if got.Accept != ContentType {
				t.Fatalf("Accept = %q, want %q", got.Accept, ContentType)
			}
			if tt.wantBody {
				if got.ContentType != ContentType {
					t.Fatalf("Content-Type = %q, want %q", got.ContentType, ContentType)
				}
				if !strings.Contains(got.Body, `"resourceType"`) {
					t.Fatalf("expected JSON body, got %q", got.Body)
				}
			}
		})
	}
}

func TestClient_ReturnsUpstreamJSON(t *testing.T) {
	f := newFakeFHIR(t)
	f.respond(http.StatusOK, `{"resourceType":"Patient","id":"123"}`)
	c := newTestClient(t, f, time.Second)

	raw, err := c.GetPatient(context.Background(), "123")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	var p struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID != "123" {
		t.Fatalf("unexpected body %s (%v)", raw, err)
	}
}

func TestClient_InvalidIDNeverReachesServer(t *testing.T) {
	f := newFakeFHIR(t)
	c := newTestClient(t, f, time.Second)
	ctx := context.Background()

	for _, id := range []string{"", "../admin", "a b", strings.Repeat("x", 65)} {
		if _, err := c.GetPatient(ctx, id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("GetPatient(%q): expected ErrInvalidID, got %v", id, err)
		}
	}
	if _, err := c.ValidateResource(ctx, "observation/../x", nil); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for bad resource type, got %v", err)
	}
	if f.count() != 0 {
		t.Fatalf("expected no upstream requests, got %d", f.count())
	}
}

func TestClient_RejectedWithOperationOutcome(t *testing.T) {
	f := newFakeFHIR(t)
	f.respond(http.StatusUnprocessableEntity, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"Observation.status is required"}]}`)
	c := newTestClient(t, f, time.Second)

	_, err := c.CreateObservation(context.Background(), map[string]any{})
	if !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %T", err)
	}
	if ue.Status != http.StatusUnprocessableEntity || ue.Diagnostics != "Observation.status is required" {
		t.Fatalf("unexpected upstream error: %+v", ue)
	}
	if ue.Outcome == nil || len(ue.Outcome.Issue) != 1 {
		t.Fatalf("expected parsed OperationOutcome, got %+v", ue.Outcome)
	}

	ae := APIError(err)
	if ae.Kind != apierror.KindUpstreamRejected || !strings.Contains(ae.Message, "Observation.status is required") {
		t.Fatalf("unexpected api error: %+v", ae)
	}
	if ae.StatusCode() != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", ae.StatusCode())
	}
}

func TestClient_RejectedPlainBody(t *testing.T) {
	f := newFakeFHIR(t)
	f.respond(http.StatusInternalServerError, strings.Repeat("e", 2000))
	c := newTestClient(t, f, time.Second)

	_, err := c.GetCapabilities(context.Background())
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if len(ue.Diagnostics) > maxDiagnosticsLen+3 {
		t.Fatalf("diagnostics not truncated: %d bytes", len(ue.Diagnostics))
	}
}

func TestClient_NotFoundMapsToNotFound(t *testing.T) {
	f := newFakeFHIR(t)
	f.respond(http.StatusNotFound, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"Patient/999 not found"}]}`)
	c := newTestClient(t, f, time.Second)

	_, err := c.GetPatient(context.Background(), "999")
	if ae := APIError(err); ae.Kind != apierror.KindNotFound {
		t.Fatalf("expected NotFound, got %+v", ae)
	}
}

func TestClient_Unavailable(t *testing.T) {
	f := newFakeFHIR(t)
	c := newTestClient(t, f, time.Second)
	f.Close()

	_, err := c.GetPatient(context.Background(), "123")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if ae := APIError(err); ae.Kind != apierror.KindUpstreamUnavailable {
		t.Fatalf("expected UpstreamUnavailable, got %s", ae.Kind)
	}
}

func TestClient_Timeout(t *testing.T) {
	f := newFakeFHIR(t)
	f.delay = 2 * time.Second
	c := newTestClient(t, f, 100*time.Millisecond)

	_, err := c.GetPatient(context.Background(), "123")
	if !errors.Is(err, ErrUpstreamTimeout) || !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected timeout wrapped as unavailable, got %v", err)
	}
	if ae := APIError(err); ae.StatusCode() != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", ae.StatusCode())
	}
}

func TestClient_NonJSONSuccess(t *testing.T) {
	f := newFakeFHIR(t)
	f.respond(http.StatusOK, "<html>maintenance</html>")
	c := newTestClient(t, f, time.Second)

	if _, err := c.GetCapabilities(context.Background()); !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected for non-JSON body, got %v", err)
	}
}

func TestClient_EmptySuccessBody(t *testing.T) {
	f := newFakeFHIR(t)
	f.respond(http.StatusOK, "")
	c := newTestClient(t, f, time.Second)

	raw, err := c.UpdateCarePlan(context.Background(), "cp-1", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected {}, got %s", raw)
	}
}

func TestOperationOutcome_Diagnostics(t *testing.T) {
	oo := &OperationOutcome{Issue: []OperationOutcomeIssue{
		{Diagnostics: "first"},
		{Details: &CodeableConcept{Text: "second"}},
		{},
	}}
	if got := oo.Diagnostics(); got != "first; second" {
		t.Fatalf("Diagnostics() = %q", got)
	}
	var nilOO *OperationOutcome
	if nilOO.Diagnostics() != "" {
		t.Fatal("nil outcome has no diagnostics")
	}
	if NewOperationOutcome("error", "invalid", "x").Diagnostics() != "x" {
		t.Fatal("unexpected diagnostics from NewOperationOutcome")
	}
}

func TestAPIError_InvalidID(t *testing.T) {
	ae := APIError(ErrInvalidID)
	if ae.Kind != apierror.KindValidationFailed || len(ae.Details) != 1 {
		t.Fatalf("unexpected api error: %+v", ae)
	}
	if APIError(nil) != nil {
		t.Fatal("APIError(nil) should be nil")
	}
}
