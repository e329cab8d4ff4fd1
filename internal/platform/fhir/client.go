// Package fhir is a thin client for the upstream FHIR R4 server plus helpers
// that flatten bundles for the dashboard. It performs no authorization.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/platform/telemetry"
)

const (
	// DefaultBaseURL is the public HAPI test server.
	DefaultBaseURL = "https://hapi.fhir.org/baseR4"

	defaultTimeout  = 10 * time.Second
	maxResponseSize = 10 << 20
)

// SearchParams filters a Patient search. Empty fields are omitted.
type SearchParams struct {
	Name       string
	Identifier string
	Birthdate  string
}

func (p SearchParams) values() url.Values {
	v := url.Values{}
	if p.Name != "" {
		v.Set("name", p.Name)
	}
	if p.Identifier != "" {
		v.Set("identifier", p.Identifier)
	}
	if p.Birthdate != "" {
		v.Set("birthdate", p.Birthdate)
	}
	return v
}

// Client calls one FHIR server. Responses are returned as raw JSON.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for baseURL. A non-positive timeout selects
// 10 seconds.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid FHIR server URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "fhir").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server root without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) GetPatient(ctx context.Context, id string) (json.RawMessage, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	return c.do(ctx, "get_patient", http.MethodGet, "/Patient/"+id, nil, nil)
}

// GetObservations lists a patient's observations, optionally filtered by
// category (for example "vital-signs").
func (c *Client) GetObservations(ctx context.Context, patientID, category string) (json.RawMessage, error) {
	if !ValidID(patientID) {
		return nil, ErrInvalidID
	}
	q := url.Values{"subject": {"Patient/" + patientID}}
	if category != "" {
		q.Set("category", category)
	}
	return c.do(ctx, "get_observations", http.MethodGet, "/Observation", q, nil)
}

func (c *Client) GetCarePlans(ctx context.Context, patientID string) (json.RawMessage, error) {
	return c.searchBySubject(ctx, "get_care_plans", "/CarePlan", "subject", patientID)
}

func (c *Client) GetAppointments(ctx context.Context, patientID string) (json.RawMessage, error) {
	return c.searchBySubject(ctx, "get_appointments", "/Appointment", "actor", patientID)
}

func (c *Client) GetMedications(ctx context.Context, patientID string) (json.RawMessage, error) {
	return c.searchBySubject(ctx, "get_medications", "/MedicationRequest", "subject", patientID)
}

func (c *Client) GetConditions(ctx context.Context, patientID string) (json.RawMessage, error) {
	return c.searchBySubject(ctx, "get_conditions", "/Condition", "subject", patientID)
}

func (c *Client) SearchPatients(ctx context.Context, params SearchParams) (json.RawMessage, error) {
	return c.do(ctx, "search_patients", http.MethodGet, "/Patient", params.values(), nil)
}

// CreateObservation posts an Observation resource.
func (c *Client) CreateObservation(ctx context.Context, observation any) (json.RawMessage, error) {
	return c.do(ctx, "create_observation", http.MethodPost, "/Observation", nil, observation)
}

// UpdateCarePlan replaces CarePlan id.
func (c *Client) UpdateCarePlan(ctx context.Context, id string, carePlan any) (json.RawMessage, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	return c.do(ctx, "update_care_plan", http.MethodPut, "/CarePlan/"+id, nil, carePlan)
}

// GetCapabilities fetches the server's CapabilityStatement.
func (c *Client) GetCapabilities(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, "get_capabilities", http.MethodGet, "/metadata", nil, nil)
}

// ValidateResource runs the server's $validate operation for resourceType.
func (c *Client) ValidateResource(ctx context.Context, resourceType string, resource any) (json.RawMessage, error) {
	if !ValidResourceType(resourceType) {
		return nil, ErrInvalidID
	}
	return c.do(ctx, "validate_resource", http.MethodPost, "/"+resourceType+"/$validate", nil, resource)
}

func (c *Client) searchBySubject(ctx context.Context, op, path, param, patientID string) (json.RawMessage, error) {
	if !ValidID(patientID) {
		return nil, ErrInvalidID
	}
	return c.do(ctx, op, http.MethodGet, path, url.Values{param: {"Patient/" + patientID}}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (json.RawMessage, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", ContentType)
	if body != nil {
		req.Header.Set("Content-Type", ContentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		telemetry.ObserveUpstream(telemetry.TargetFHIR, op, "unavailable", elapsed)
		c.logger.Warn().Err(err).Str("op", op).Dur("elapsed", elapsed).Msg("FHIR request failed")
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrUpstreamUnavailable, ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	elapsed := time.Since(start)
	if err != nil {
		telemetry.ObserveUpstream(telemetry.TargetFHIR, op, "unavailable", elapsed)
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w: %w: %w", op, ErrUpstreamUnavailable, ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%s: read response: %w: %w", op, ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.ObserveUpstream(telemetry.TargetFHIR, op, "rejected", elapsed)
		ue := newUpstreamError(op, resp.StatusCode, data)
		c.logger.Warn().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("diagnostics", ue.Diagnostics).
			Dur("elapsed", elapsed).
			Msg("FHIR server rejected request")
		return nil, ue
	}

	telemetry.ObserveUpstream(telemetry.TargetFHIR, op, "ok", elapsed)
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("FHIR request completed")

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, &UpstreamError{Op: op, Status: resp.StatusCode, Diagnostics: "response is not valid JSON"}
	}
	return json.RawMessage(data), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
