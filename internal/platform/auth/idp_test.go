package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	testClientID     = "carelink-client"
	testClientSecret = "super-secret-value"
	testRedirectURL  = "http://localhost:8000/auth/smart/callback"
)

// mockOIDCServer is a minimal OpenID provider: discovery, JWKS and a token
// endpoint whose behaviour tests can replace.
type mockOIDCServer struct {
	*httptest.Server
	issuer     string
	privateKey *rsa.PrivateKey
	keyID      string

	discoveryHits     atomic.Int32
	discoveryFailures atomic.Int32 // fail this many discovery requests first
	tokenCalls        atomic.Int32

	mu           sync.Mutex
	tokenHandler func(w http.ResponseWriter, r *http.Request)
	lastForm     url.Values
}

func newMockOIDCServer(t *testing.T) *mockOIDCServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	m := &mockOIDCServer{privateKey: key, keyID: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", m.handleDiscovery)
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/jwks", m.handleJWKS)

	m.Server = httptest.NewServer(mux)
	m.issuer = m.URL
	t.Cleanup(m.Close)
	return m
}

func (m *mockOIDCServer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	m.discoveryHits.Add(1)
	if m.discoveryFailures.Load() > 0 {
		m.discoveryFailures.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	doc := map[string]any{
		"issuer":                                m.issuer,
		"authorization_endpoint":                m.issuer + "/authorize",
		"token_endpoint":                        m.issuer + "/token",
		"jwks_uri":                              m.issuer + "/jwks",
		"scopes_supported":                      []string{"openid", "profile", "launch"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (m *mockOIDCServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	jwks := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": m.keyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(m.privateKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(m.privateKey.E)).Bytes()),
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

func (m *mockOIDCServer) handleToken(w http.ResponseWriter, r *http.Request) {
	m.tokenCalls.Add(1)
	_ = r.ParseForm()
	m.mu.Lock()
	m.lastForm = r.PostForm
	h := m.tokenHandler
	m.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}
	http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
}

func (m *mockOIDCServer) setTokenHandler(h func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	m.tokenHandler = h
	m.mu.Unlock()
}

func (m *mockOIDCServer) form() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

// idToken signs claims with the server key. iss, aud, iat and exp default to
// a valid token for testClientID.
func (m *mockOIDCServer) idToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	base := jwt.MapClaims{
		"iss": m.issuer,
		"aud": testClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	tok.Header["kid"] = m.keyID
	signed, err := tok.SignedString(m.privateKey)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return signed
}

func writeTokenResponse(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newTestGateway(t *testing.T, cfg GatewayConfig) (*Gateway, *MemoryStateStore) {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = testClientID
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = testClientSecret
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = testRedirectURL
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	states := NewMemoryStateStore()
	return NewGateway(cfg, NewDiscoveryCache(), states, zerolog.Nop()), states
}

func TestGateway_BuildLaunchRedirect(t *testing.T) {
	idp := newMockOIDCServer(t)
	gw, states := newTestGateway(t, GatewayConfig{})
	ctx := context.Background()

	lr, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "launch-xyz")
	if err != nil {
		t.Fatalf("BuildLaunchRedirect: %v", err)
	}

	u, err := url.Parse(lr.URL)
	if err != nil {
		t.Fatalf("parse launch url: %v", err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != idp.issuer+"/authorize" {
		t.Fatalf("authorize endpoint = %q, want %q", got, idp.issuer+"/authorize")
	}
	q := u.Query()
	checks := map[string]string{
		"response_type": "code",
		"client_id":     testClientID,
		"redirect_uri":  testRedirectURL,
		"scope":         DefaultLaunchScope,
		"launch":        "launch-xyz",
		"aud":           idp.issuer,
		"state":         lr.State,
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
	if raw, err := hex.DecodeString(lr.State); err != nil || len(raw) != 32 {
		t.Fatalf("state should be 32 random bytes as hex, got %q", lr.State)
	}
	if states.Len() != 1 {
		t.Fatalf("expected pending grant to be stored, got %d", states.Len())
	}

	second, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "launch-xyz")
	if err != nil {
		t.Fatalf("second BuildLaunchRedirect: %v", err)
	}
	if second.State == lr.State {
		t.Fatal("expected distinct state across launches")
	}
	if hits := idp.discoveryHits.Load(); hits != 1 {
		t.Fatalf("expected discovery to be cached, got %d fetches", hits)
	}
}

func TestGateway_BuildLaunchRedirect_NoLaunchParam(t *testing.T) {
	idp := newMockOIDCServer(t)
	gw, _ := newTestGateway(t, GatewayConfig{})

	lr, err := gw.BuildLaunchRedirect(context.Background(), idp.issuer, "")
	if err != nil {
		t.Fatalf("BuildLaunchRedirect: %v", err)
	}
	u, _ := url.Parse(lr.URL)
	if _, ok := u.Query()["launch"]; ok {
		t.Fatal("expected no launch parameter for standalone launch")
	}
}

func TestGateway_DiscoveryRetries(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.discoveryFailures.Store(2)
	gw, _ := newTestGateway(t, GatewayConfig{DiscoveryMaxTries: 3})

	if _, err := gw.BuildLaunchRedirect(context.Background(), idp.issuer, "l"); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if hits := idp.discoveryHits.Load(); hits != 3 {
		t.Fatalf("expected 3 discovery attempts, got %d", hits)
	}
}

func TestGateway_DiscoveryExhausted(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.discoveryFailures.Store(10)
	gw, states := newTestGateway(t, GatewayConfig{DiscoveryMaxTries: 2})

	_, err := gw.BuildLaunchRedirect(context.Background(), idp.issuer, "l")
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("expected ErrDiscoveryFailed, got %v", err)
	}
	if hits := idp.discoveryHits.Load(); hits != 2 {
		t.Fatalf("expected 2 discovery attempts, got %d", hits)
	}
	if states.Len() != 0 {
		t.Fatal("no grant should be stored when discovery fails")
	}
	if _, ok := gw.cache.Get(idp.issuer); ok {
		t.Fatal("failed discovery must not be cached")
	}
}

func TestGateway_InvalidIssuer(t *testing.T) {
	gw, _ := newTestGateway(t, GatewayConfig{})
	for _, iss := range []string{"", "not-a-url", "ftp://idp.example.com", "/relative"} {
		if _, err := gw.BuildLaunchRedirect(context.Background(), iss, "l"); !errors.Is(err, ErrDiscoveryFailed) {
			t.Errorf("issuer %q: expected ErrDiscoveryFailed, got %v", iss, err)
		}
	}
}

func TestGateway_ExchangeCode(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testClientID || pass != testClientSecret {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		writeTokenResponse(w, map[string]any{
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token": idp.idToken(t, jwt.MapClaims{
				"sub":             "smart-user-1",
				"name":            "Jane Smart",
				"email":           "jane@example.com",
				"role":            "provider",
				"fhir_patient_id": "pat-42",
				"scope":           "patient/*.read observation/*.read",
			}),
		})
	})
	gw, _ := newTestGateway(t, GatewayConfig{})
	ctx := context.Background()

	lr, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "l")
	if err != nil {
		t.Fatalf("BuildLaunchRedirect: %v", err)
	}

	ex, err := gw.ExchangeCode(ctx, "auth-code-1", lr.State)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	p := ex.Principal
	if p.ID != "smart-user-1" || p.Name != "Jane Smart" || p.Email != "jane@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.Role != RoleProvider || p.FHIRPatientID != "pat-42" {
		t.Fatalf("unexpected role/patient: %+v", p)
	}
	if strings.Join(p.Scopes, " ") != "patient/*.read observation/*.read" {
		t.Fatalf("unexpected scopes: %v", p.Scopes)
	}
	if ex.AccessToken != "upstream-access" || ex.RefreshToken != "upstream-refresh" {
		t.Fatalf("unexpected upstream tokens: %+v", ex)
	}

	form := idp.form()
	if form.Get("code") != "auth-code-1" || form.Get("redirect_uri") != testRedirectURL || form.Get("grant_type") != "authorization_code" {
		t.Fatalf("unexpected token request form: %v", form)
	}

	// State is single use.
	_, err = gw.ExchangeCode(ctx, "auth-code-1", lr.State)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch on replay, got %v", err)
	}
	if calls := idp.tokenCalls.Load(); calls != 1 {
		t.Fatalf("replayed state must not reach the token endpoint, got %d calls", calls)
	}
}

func TestGateway_ExchangeCode_UnknownState(t *testing.T) {
	idp := newMockOIDCServer(t)
	gw, _ := newTestGateway(t, GatewayConfig{})

	_, err := gw.ExchangeCode(context.Background(), "code", "forged-state")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
	if idp.tokenCalls.Load() != 0 {
		t.Fatal("token endpoint must not be called for unknown state")
	}
}

func TestGateway_ExchangeCode_Rejected(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.setTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"client_secret=super-secret-value"}`))
	})
	gw, _ := newTestGateway(t, GatewayConfig{})
	ctx := context.Background()

	lr, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "l")
	if err != nil {
		t.Fatalf("BuildLaunchRedirect: %v", err)
	}
	_, err = gw.ExchangeCode(ctx, "bad-code", lr.State)
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed, got %v", err)
	}
	if strings.Contains(err.Error(), testClientSecret) {
		t.Fatalf("error leaks client secret: %v", err)
	}
	if calls := idp.tokenCalls.Load(); calls != 1 {
		t.Fatalf("code exchange must not be retried, got %d calls", calls)
	}
}

func TestGateway_ExchangeCode_ClaimFailures(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		omitID bool
	}{
		{name: "missing id_token", omitID: true},
		{name: "wrong audience", claims: jwt.MapClaims{"sub": "u", "aud": "someone-else"}},
		{name: "expired", claims: jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}},
		{name: "unknown role", claims: jwt.MapClaims{"sub": "u", "role": "superuser"}},
		{name: "wrong issuer", claims: jwt.MapClaims{"sub": "u", "iss": "https://elsewhere.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := newMockOIDCServer(t)
			idp.setTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
				body := map[string]any{"access_token": "a", "token_type": "Bearer"}
				if !tt.omitID {
					body["id_token"] = idp.idToken(t, tt.claims)
				}
				writeTokenResponse(w, body)
			})
			gw, _ := newTestGateway(t, GatewayConfig{})
			ctx := context.Background()

			lr, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "l")
			if err != nil {
				t.Fatalf("BuildLaunchRedirect: %v", err)
			}
			if _, err := gw.ExchangeCode(ctx, "code", lr.State); !errors.Is(err, ErrClaimValidationFailed) {
				t.Fatalf("expected ErrClaimValidationFailed, got %v", err)
			}
		})
	}
}

func TestGateway_ExchangeCode_ScopeFallsBackToTokenResponse(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.setTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
		writeTokenResponse(w, map[string]any{
			"access_token": "a",
			"token_type":   "Bearer",
			"scope":        "launch patient/*.read",
			"id_token":     idp.idToken(t, jwt.MapClaims{"sub": "u1"}),
		})
	})
	gw, _ := newTestGateway(t, GatewayConfig{})
	ctx := context.Background()

	lr, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "l")
	if err != nil {
		t.Fatalf("BuildLaunchRedirect: %v", err)
	}
	ex, err := gw.ExchangeCode(ctx, "code", lr.State)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if strings.Join(ex.Principal.Scopes, " ") != "launch patient/*.read" {
		t.Fatalf("expected token response scope, got %v", ex.Principal.Scopes)
	}
	if ex.Principal.Role != RolePatient {
		t.Fatalf("expected default patient role, got %q", ex.Principal.Role)
	}
}

func TestGateway_ExchangeCode_Timeout(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	gw, _ := newTestGateway(t, GatewayConfig{Timeout: 200 * time.Millisecond})
	ctx := context.Background()

	lr, err := gw.BuildLaunchRedirect(ctx, idp.issuer, "l")
	if err != nil {
		t.Fatalf("BuildLaunchRedirect: %v", err)
	}
	_, err = gw.ExchangeCode(ctx, "code", lr.State)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestGateway_Refresh(t *testing.T) {
	idp := newMockOIDCServer(t)
	idp.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "rt-1" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		writeTokenResponse(w, map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idp.idToken(t, jwt.MapClaims{"sub": "u1", "role": "patient", "fhir_patient_id": "p1"}),
		})
	})
	gw, _ := newTestGateway(t, GatewayConfig{})

	ex, err := gw.Refresh(context.Background(), idp.issuer, "rt-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ex.Principal.ID != "u1" || ex.Principal.FHIRPatientID != "p1" {
		t.Fatalf("unexpected principal: %+v", ex.Principal)
	}
	if ex.AccessToken != "fresh-access" || ex.RefreshToken != "rt-1" {
		t.Fatalf("unexpected tokens: %+v", ex)
	}

	if _, err := gw.Refresh(context.Background(), idp.issuer, "revoked"); !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed for rejected refresh, got %v", err)
	}
	if _, err := gw.Refresh(context.Background(), idp.issuer, ""); !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed for empty refresh token, got %v", err)
	}
}

func TestGateway_VerifyIDToken(t *testing.T) {
	idp := newMockOIDCServer(t)
	gw, _ := newTestGateway(t, GatewayConfig{})
	ctx := context.Background()

	raw := idp.idToken(t, jwt.MapClaims{"sub": "u7", "scope": "patient/*.read"})
	p, err := gw.VerifyIDToken(ctx, idp.issuer, raw)
	if err != nil {
		t.Fatalf("VerifyIDToken: %v", err)
	}
	if p.ID != "u7" || !HasScope(p, "patient/*.read") {
		t.Fatalf("unexpected principal: %+v", p)
	}

	parts := strings.Split(raw, ".")
	payload := []byte(parts[1])
	if payload[1] == 'A' {
		payload[1] = 'B'
	} else {
		payload[1] = 'A'
	}
	parts[1] = string(payload)
	if _, err := gw.VerifyIDToken(ctx, idp.issuer, strings.Join(parts, ".")); !errors.Is(err, ErrClaimValidationFailed) {
		t.Fatalf("expected ErrClaimValidationFailed for tampered token, got %v", err)
	}
}

func TestGateway_VerifyIDToken_ScreensBeforeDiscovery(t *testing.T) {
	idp := newMockOIDCServer(t)
	gw, _ := newTestGateway(t, GatewayConfig{})
	ctx := context.Background()

	tokens := map[string]string{
		"not a jwt":      "not-a-jwt",
		"no issuer":      idp.idToken(t, jwt.MapClaims{"sub": "u1", "iss": nil}),
		"foreign issuer": idp.idToken(t, jwt.MapClaims{"sub": "u1", "iss": "https://other.example.org"}),
	}
	for name, raw := range tokens {
		if _, err := gw.VerifyIDToken(ctx, idp.issuer, raw); !errors.Is(err, ErrClaimValidationFailed) {
			t.Errorf("%s: expected ErrClaimValidationFailed, got %v", name, err)
		}
	}
	if hits := idp.discoveryHits.Load(); hits != 0 {
		t.Fatalf("expected no discovery fetches, got %d", hits)
	}

	raw := idp.idToken(t, jwt.MapClaims{"sub": "u1"})
	if _, err := gw.VerifyIDToken(ctx, idp.issuer, raw); err != nil {
		t.Fatalf("VerifyIDToken: %v", err)
	}
	if hits := idp.discoveryHits.Load(); hits != 1 {
		t.Fatalf("expected one discovery fetch, got %d", hits)
	}
}

func TestDiscoveryCache_GetOrPopulate(t *testing.T) {
	cache := NewDiscoveryCache()
	calls := 0
	fetch := func(_ context.Context, issuer string) (*Discovery, error) {
		calls++
		return &Discovery{Issuer: issuer}, nil
	}

	for i := 0; i < 3; i++ {
		d, err := cache.GetOrPopulate(context.Background(), "https://a.example.com", fetch)
		if err != nil || d.Issuer != "https://a.example.com" {
			t.Fatalf("unexpected result: %+v, %v", d, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single fetch, got %d", calls)
	}

	failing := func(context.Context, string) (*Discovery, error) { return nil, errors.New("down") }
	if _, err := cache.GetOrPopulate(context.Background(), "https://b.example.com", failing); err == nil {
		t.Fatal("expected fetch error")
	}
	if cache.Len() != 1 {
		t.Fatalf("expected only the successful issuer cached, got %d", cache.Len())
	}
}

func TestProviderMetadata_SupportsScope(t *testing.T) {
	if !(ProviderMetadata{}).SupportsScope("anything") {
		t.Fatal("empty scopes_supported accepts every scope")
	}
	m := ProviderMetadata{ScopesSupported: []string{"openid", "launch"}}
	if !m.SupportsScope("launch") || m.SupportsScope("offline_access") {
		t.Fatal("unexpected SupportsScope result")
	}
}
