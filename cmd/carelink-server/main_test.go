package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/config"
	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
)

func testConfig(fhirURL string) *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "debug",
		JWTSecret:         "main-test-secret-0123456789abcdefghij",
		JWTTTL:            time.Hour,
		FHIRServerURL:     fhirURL,
		SMARTIssuer:       fhirURL,
		SMARTIssuers:      []string{fhirURL},
		SMARTClientID:     "carelink-client",
		BaseURL:           "http://localhost:8000",
		UpstreamTimeout:   2 * time.Second,
		DiscoveryMaxTries: 1,
		StateStore:        config.StateStoreMemory,
		StateTTL:          time.Minute,
		CORSOrigins:       []string{"http://localhost:3000"},
		RequestTimeout:    5 * time.Second,
	}
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		if r.URL.Path == "/metadata" {
			_, _ = io.WriteString(w, `{"resourceType":"CapabilityStatement"}`)
			return
		}
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","entry":[]}`)
	}))
	t.Cleanup(upstream.Close)

	e, err := newServer(testConfig(upstream.URL), zerolog.Nop(), serverDeps{states: auth.NewMemoryStateStore()})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func call(t *testing.T, e *echo.Echo, method, target, token, body string) (*httptest.ResponseRecorder, apierror.Envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out apierror.Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestServer_LoginMeFHIRFlow(t *testing.T) {
	e := newTestServer(t)

	rec, out := call(t, e, http.MethodPost, "/auth/login", "", `{"username":"demo","password":"demo"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	data, _ := out.Data.(map[string]any)
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatalf("no token in %s", rec.Body.String())
	}

	rec, _ = call(t, e, http.MethodGet, "/auth/me", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("me: %d", rec.Code)
	}

	// local sessions carry no SMART scopes
	rec, out = call(t, e, http.MethodGet, "/fhir/patients/example-patient-123", token, "")
	if rec.Code != http.StatusForbidden || out.Error != "Scope 'patient/*.read' required" {
		t.Fatalf("fhir without scope: %d %q", rec.Code, out.Error)
	}

	rec, out = call(t, e, http.MethodGet, "/fhir/capabilities", "", "")
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("capabilities: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = call(t, e, http.MethodGet, "/patients/1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard patient: %d", rec.Code)
	}
	rec, _ = call(t, e, http.MethodGet, "/patients", token, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("patient list as patient: %d, want 403", rec.Code)
	}
}

func TestServer_Infrastructure(t *testing.T) {
	e := newTestServer(t)

	rec, _ := call(t, e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var h healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "OK" || h.Environment != "development" || h.Version != version {
		t.Fatalf("health = %+v", h)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("request id missing")
	}

	rec, _ = call(t, e, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}

	rec, out := call(t, e, http.MethodGet, "/nope", "", "")
	if rec.Code != http.StatusNotFound || out.Success {
		t.Fatalf("unknown route: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = call(t, e, http.MethodGet, "/health/db", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/health/db without a database: %d, want 404", rec.Code)
	}

	rec, out = call(t, e, http.MethodGet, "/chat/ws", "", "")
	if rec.Code != http.StatusUnauthorized || out.Error != "Access token required" {
		t.Fatalf("chat ws without token: %d %q", rec.Code, out.Error)
	}
}

func TestMintToken(t *testing.T) {
	cfg := testConfig("https://fhir.example.org")
	tok, err := mintToken(cfg, "prov-1", "Dr P", "p@example.org", "provider", "pat-7", "patient/*.read observation/*.read", time.Minute)
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	codec, err := auth.NewTokenCodec([]byte(cfg.JWTSecret), cfg.JWTTTL)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	p, err := codec.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "prov-1" || p.Role != auth.RoleProvider || p.FHIRPatientID != "pat-7" || !auth.HasScope(p, "observation/*.read") {
		t.Fatalf("principal = %+v", p)
	}

	if _, err := mintToken(cfg, "x", "", "", "superuser", "", "", 0); err == nil {
		t.Fatal("expected unknown role to fail")
	}
}

func TestOpenStateStore(t *testing.T) {
	cfg := testConfig("https://fhir.example.org")
	store, closeFn, err := openStateStore(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*auth.MemoryStateStore); !ok {
		t.Fatalf("store = %T, want *auth.MemoryStateStore", store)
	}

	cfg.StateStore = config.StateStorePostgres
	if _, _, err := openStateStore(t.Context(), cfg, nil); err == nil {
		t.Fatal("postgres store without a pool should fail")
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig("https://fhir.example.org")
	cfg.Env = "production"
	cfg.LogLevel = "warn"
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Fatalf("level = %v, want warn", got)
	}
	cfg.LogLevel = "bogus"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("level = %v, want info fallback", got)
	}
}

func TestServer_RateLimitIgnoresSpoofedForwarding(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	e, err := newServer(cfg, zerolog.Nop(), serverDeps{states: auth.NewMemoryStateStore()})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}

	codes := make([]int, 0, 3)
	for _, xff := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set(echo.HeaderXForwardedFor, xff)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected one bucket for the peer, got statuses %v", codes)
	}
}

func TestNewServer_RejectsBadTrustedProxy(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.TrustedProxies = []string{"lb.internal"}
	if _, err := newServer(cfg, zerolog.Nop(), serverDeps{states: auth.NewMemoryStateStore()}); err == nil {
		t.Fatal("expected error for an invalid trusted proxy")
	}
}
