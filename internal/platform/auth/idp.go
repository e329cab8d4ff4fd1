package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/carelink/gateway/internal/platform/telemetry"
)

// DefaultLaunchScope is requested on every SMART launch.
const DefaultLaunchScope = "openid profile launch patient/*.read observation/*.read careplan/*.read appointment/*.read medicationrequest/*.read condition/*.read"

const (
	defaultUpstreamTimeout   = 10 * time.Second
	defaultDiscoveryMaxTries = 3
	defaultRetryInterval     = 250 * time.Millisecond
)

var (
	ErrDiscoveryFailed       = errors.New("identity provider discovery failed")
	ErrTokenExchangeFailed   = errors.New("authorization code exchange failed")
	ErrClaimValidationFailed = errors.New("identity token validation failed")
	ErrStateMismatch         = errors.New("authorization state mismatch")
	ErrUpstreamTimeout       = errors.New("identity provider timed out")
)

// GatewayConfig is the client registration the gateway uses with every issuer.
type GatewayConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scope        string

	Timeout           time.Duration
	DiscoveryMaxTries int
	RetryInterval     time.Duration
	StateTTL          time.Duration
}

// LaunchRedirect is the result of starting a SMART launch.
type LaunchRedirect struct {
	URL       string
	State     string
	ClientID  string
	Scope     string
	Issuer    string
	ExpiresAt time.Time
}

// Exchange is the outcome of a successful code exchange or refresh.
type Exchange struct {
	Principal    *Principal
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Issuer       string
}

// Gateway talks OpenID Connect to SMART identity providers.
type Gateway struct {
	cfg        GatewayConfig
	cache      *DiscoveryCache
	states     StateStore
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient replaces the client used for every upstream call.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = c }
}

// WithGatewayClock replaces time.Now.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway. cache and states are shared with the rest of
// the process and must not be nil.
func NewGateway(cfg GatewayConfig, cache *DiscoveryCache, states StateStore, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	if cfg.Scope == "" {
		cfg.Scope = DefaultLaunchScope
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultUpstreamTimeout
	}
	if cfg.DiscoveryMaxTries <= 0 {
		cfg.DiscoveryMaxTries = defaultDiscoveryMaxTries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	g := &Gateway{
		cfg:        cfg,
		cache:      cache,
		states:     states,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "idp").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ClientID returns the registered client id.
func (g *Gateway) ClientID() string { return g.cfg.ClientID }

// BuildLaunchRedirect discovers issuer, records a pending grant and returns
// the authorization URL to send the user to.
func (g *Gateway) BuildLaunchRedirect(ctx context.Context, issuer, launch string) (*LaunchRedirect, error) {
	d, err := g.discover(ctx, issuer)
	if err != nil {
		return nil, err
	}

	state, err := newState()
	if err != nil {
		return nil, err
	}
	now := g.now()
	grant := &PendingGrant{
		State:       state,
		Issuer:      issuer,
		Launch:      launch,
		ClientID:    g.cfg.ClientID,
		RedirectURI: g.cfg.RedirectURL,
		Scope:       g.cfg.Scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.cfg.StateTTL),
	}
	if err := g.states.Save(ctx, grant); err != nil {
		return nil, fmt.Errorf("record pending grant: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("aud", issuer)}
	if launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", launch))
	}
	authURL := g.oauthConfig(d, grant.RedirectURI, grant.Scope).AuthCodeURL(state, opts...)

	g.logger.Info().Str("issuer", issuer).Msg("smart launch started")
	return &LaunchRedirect{
		URL:       authURL,
		State:     state,
		ClientID:  g.cfg.ClientID,
		Scope:     grant.Scope,
		Issuer:    issuer,
		ExpiresAt: grant.ExpiresAt,
	}, nil
}

// ExchangeCode consumes state and trades code for tokens at the issuer the
// state was issued for. The exchange is attempted once.
func (g *Gateway) ExchangeCode(ctx context.Context, code, state string) (*Exchange, error) {
	grant, err := g.states.Consume(ctx, state)
	if errors.Is(err, ErrUnknownState) {
		return nil, fmt.Errorf("%w: %w", ErrStateMismatch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load pending grant: %w", err)
	}

	d, err := g.discover(ctx, grant.Issuer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	start := time.Now()
	tok, err := g.oauthConfig(d, grant.RedirectURI, grant.Scope).Exchange(ctx, code)
	if err != nil {
		telemetry.ObserveUpstream(telemetry.TargetIdP, "exchange", "error", time.Since(start))
		return nil, g.tokenError("code exchange", grant.Issuer, err)
	}
	telemetry.ObserveUpstream(telemetry.TargetIdP, "exchange", "ok", time.Since(start))

	return g.completeExchange(ctx, d, tok)
}

// Refresh redeems a refresh token at issuer and re-verifies the returned ID
// token.
func (g *Gateway) Refresh(ctx context.Context, issuer, refreshToken string) (*Exchange, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrTokenExchangeFailed)
	}
	d, err := g.discover(ctx, issuer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	start := time.Now()
	src := g.oauthConfig(d, g.cfg.RedirectURL, g.cfg.Scope).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		telemetry.ObserveUpstream(telemetry.TargetIdP, "refresh", "error", time.Since(start))
		return nil, g.tokenError("refresh", issuer, err)
	}
	telemetry.ObserveUpstream(telemetry.TargetIdP, "refresh", "ok", time.Since(start))

	ex, err := g.completeExchange(ctx, d, tok)
	if err != nil {
		return nil, err
	}
	if ex.RefreshToken == "" {
		ex.RefreshToken = refreshToken
	}
	return ex, nil
}

// VerifyIDToken checks an ID token issued by issuer and maps its claims.
// Tokens that are not JWTs or name another issuer are rejected before
// discovery runs.
func (g *Gateway) VerifyIDToken(ctx context.Context, issuer, rawIDToken string) (*Principal, error) {
	if err := screenIDToken(rawIDToken, issuer); err != nil {
		return nil, err
	}
	d, err := g.discover(ctx, issuer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.verify(oidc.ClientContext(ctx, g.httpClient), d, rawIDToken, "")
}

// screenIDToken reads iss without verifying the signature.
func screenIDToken(raw, issuer string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("%w: malformed token: %w", ErrClaimValidationFailed, err)
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClaimValidationFailed, err)
	}
	if strings.TrimRight(iss, "/") != strings.TrimRight(issuer, "/") {
		return fmt.Errorf("%w: token issued by %q", ErrClaimValidationFailed, iss)
	}
	return nil
}

func (g *Gateway) completeExchange(ctx context.Context, d *Discovery, tok *oauth2.Token) (*Exchange, error) {
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrClaimValidationFailed)
	}
	grantedScope, _ := tok.Extra("scope").(string)

	p, err := g.verify(oidc.ClientContext(ctx, g.httpClient), d, rawID, grantedScope)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		Principal:    p,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawID,
		Expiry:       tok.Expiry,
		Issuer:       d.Issuer,
	}, nil
}

// idTokenClaims are the custom claims read from a verified ID token.
type idTokenClaims struct {
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Role          string  `json:"role"`
	FHIRPatientID string  `json:"fhir_patient_id"`
	Scope         *string `json:"scope"`
}

func (g *Gateway) verify(ctx context.Context, d *Discovery, raw, grantedScope string) (*Principal, error) {
	verifier := d.Provider.Verifier(&oidc.Config{ClientID: g.cfg.ClientID, Now: g.now})
	idt, err := verifier.Verify(ctx, raw)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrClaimValidationFailed, err)
	}

	var c idTokenClaims
	if err := idt.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %w", ErrClaimValidationFailed, err)
	}
	if idt.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrClaimValidationFailed)
	}
	role, err := ParseRole(c.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClaimValidationFailed, err)
	}

	scope := grantedScope
	if c.Scope != nil {
		scope = *c.Scope
	}
	return &Principal{
		ID:            idt.Subject,
		Name:          c.Name,
		Email:         c.Email,
		Role:          role,
		FHIRPatientID: c.FHIRPatientID,
		Scopes:        ScopeSet(scope),
	}, nil
}

func (g *Gateway) oauthConfig(d *Discovery, redirectURL, scope string) *oauth2.Config {
	// client_secret_basic only; auto-detection would resend a rejected code.
	ep := d.Provider.Endpoint()
	ep.AuthStyle = oauth2.AuthStyleInHeader
	return &oauth2.Config{
		ClientID:     g.cfg.ClientID,
		ClientSecret: g.cfg.ClientSecret,
		Endpoint:     ep,
		RedirectURL:  redirectURL,
		Scopes:       strings.Fields(scope),
	}
}

func (g *Gateway) tokenError(op, issuer string, err error) error {
	evt := g.logger.Warn().Str("issuer", issuer).Str("op", op)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		// The response body may echo credentials; log the code only.
		evt = evt.Str("error_code", re.ErrorCode)
		if re.Response != nil {
			evt = evt.Int("status", re.Response.StatusCode)
		}
		evt.Msg("token endpoint rejected request")
		return fmt.Errorf("%w: %s", ErrTokenExchangeFailed, re.ErrorCode)
	}
	evt.Err(err).Msg("token endpoint unreachable")
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
}

func (g *Gateway) discover(ctx context.Context, issuer string) (*Discovery, error) {
	if err := validateIssuer(issuer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	return g.cache.GetOrPopulate(ctx, issuer, g.fetchDiscovery)
}

// fetchDiscovery retries with exponential backoff up to DiscoveryMaxTries.
func (g *Gateway) fetchDiscovery(ctx context.Context, issuer string) (*Discovery, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryInterval

	attempt := 0
	op := func() (*Discovery, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		start := time.Now()
		// The provider keeps only the HTTP client from this context, so the
		// per-attempt deadline does not outlive the call.
		provider, err := oidc.NewProvider(oidc.ClientContext(actx, g.httpClient), issuer)
		if err != nil {
			telemetry.ObserveUpstream(telemetry.TargetIdP, "discovery", "error", time.Since(start))
			g.logger.Warn().Err(err).Str("issuer", issuer).Int("attempt", attempt).Msg("discovery attempt failed")
			return nil, err
		}
		telemetry.ObserveUpstream(telemetry.TargetIdP, "discovery", "ok", time.Since(start))

		var meta ProviderMetadata
		if err := provider.Claims(&meta); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode discovery document: %w", err))
		}
		return &Discovery{Issuer: issuer, Provider: provider, Metadata: meta}, nil
	}

	d, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.DiscoveryMaxTries)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	g.logger.Info().Str("issuer", issuer).Int("attempts", attempt).Msg("discovered identity provider")
	return d, nil
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("parse issuer: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("issuer %q is not an absolute http(s) URL", issuer)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
