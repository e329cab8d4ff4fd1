// Package session issues gateway session tokens, either from a SMART on FHIR
// launch or from a local username and password.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
)

const (
	minUsernameLen = 3
	minPasswordLen = 6
	maxPasswordLen = 72 // bcrypt ignores anything longer
)

// IdentityProvider is the part of auth.Gateway the session flows use.
type IdentityProvider interface {
	BuildLaunchRedirect(ctx context.Context, issuer, launch string) (*auth.LaunchRedirect, error)
	ExchangeCode(ctx context.Context, code, state string) (*auth.Exchange, error)
	Refresh(ctx context.Context, issuer, refreshToken string) (*auth.Exchange, error)
}

type Service struct {
	dir     Directory
	codec   *auth.TokenCodec
	idp     IdentityProvider
	issuers []string // first is the default
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService creates the session service. SMART launches and refreshes are
// accepted only for the listed issuers; the first one is the default.
func NewService(dir Directory, codec *auth.TokenCodec, idp IdentityProvider, issuers []string, logger zerolog.Logger) *Service {
	list := make([]string, 0, len(issuers))
	for _, iss := range issuers {
		if iss = normalizeIssuer(iss); iss != "" {
			list = append(list, iss)
		}
	}
	return &Service{
		dir:     dir,
		codec:   codec,
		idp:     idp,
		issuers: list,
		logger:  logger.With().Str("component", "session").Logger(),
		now:     time.Now,
	}
}

func normalizeIssuer(iss string) string {
	return strings.TrimRight(strings.TrimSpace(iss), "/")
}

// allowedIssuer returns the canonical issuer when iss is permitted.
func (s *Service) allowedIssuer(iss string) (string, bool) {
	n := normalizeIssuer(iss)
	for _, a := range s.issuers {
		if a == n {
			return a, true
		}
	}
	return "", false
}

// Launch starts an EHR launch against iss.
func (s *Service) Launch(ctx context.Context, iss, launch string) (*LaunchResponse, error) {
	var details []apierror.Detail
	if strings.TrimSpace(iss) == "" {
		details = append(details, apierror.Detail{Field: "iss", Message: "is required"})
	}
	if strings.TrimSpace(launch) == "" {
		details = append(details, apierror.Detail{Field: "launch", Message: "is required"})
	}
	if len(details) > 0 {
		ae := apierror.Validation(details...)
		ae.Message = "Missing required parameters: iss and launch"
		return nil, ae
	}

	issuer, ok := s.allowedIssuer(iss)
	if !ok {
		s.logger.Warn().Str("issuer", iss).Msg("launch from unlisted issuer rejected")
		return nil, apierror.Validation(apierror.Detail{Field: "iss", Message: "issuer is not allowed"})
	}

	lr, err := s.idp.BuildLaunchRedirect(ctx, issuer, launch)
	if err != nil {
		return nil, auth.APIError(err)
	}
	return &LaunchResponse{
		LaunchURL: lr.URL,
		ClientID:  lr.ClientID,
		Scope:     lr.Scope,
		State:     lr.State,
		ExpiresAt: lr.ExpiresAt,
	}, nil
}

// Callback completes a launch and mints a session for the upstream identity.
func (s *Service) Callback(ctx context.Context, code, state string) (*CallbackResponse, error) {
	if code == "" {
		ae := apierror.Validation(apierror.Detail{Field: "code", Message: "is required"})
		ae.Message = "Authorization code required"
		return nil, ae
	}
	if state == "" {
		return nil, apierror.Validation(apierror.Detail{Field: "state", Message: "is required"})
	}

	ex, err := s.idp.ExchangeCode(ctx, code, state)
	if err != nil {
		s.logger.Warn().Err(err).Msg("smart callback failed")
		return nil, auth.APIError(err)
	}
	token, err := s.codec.Issue(ex.Principal, 0)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}

	s.logger.Info().
		Str("principal", ex.Principal.ID).
		Str("issuer", ex.Issuer).
		Str("role", string(ex.Principal.Role)).
		Msg("smart session issued")
	return &CallbackResponse{
		User:         ex.Principal,
		Token:        token,
		AccessToken:  ex.AccessToken,
		RefreshToken: ex.RefreshToken,
	}, nil
}

// Login authenticates a local account.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*SessionResponse, error) {
	var details []apierror.Detail
	if strings.TrimSpace(req.Username) == "" {
		details = append(details, apierror.Detail{Field: "username", Message: "is required"})
	}
	if req.Password == "" {
		details = append(details, apierror.Detail{Field: "password", Message: "is required"})
	}
	if len(details) > 0 {
		return nil, apierror.Validation(details...)
	}

	u, err := s.dir.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		s.logger.Info().Msg("login rejected")
		return nil, apierror.Wrap(apierror.KindInvalidCredential, "Invalid credentials", err)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return s.issue(u.Principal())
}

// Register creates a patient account. It does not log the user in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	var details []apierror.Detail
	username := strings.TrimSpace(req.Username)
	if len(username) < minUsernameLen {
		details = append(details, apierror.Detail{Field: "username", Message: fmt.Sprintf("must be at least %d characters", minUsernameLen)})
	}
	email := strings.TrimSpace(req.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		details = append(details, apierror.Detail{Field: "email", Message: "must be a valid email address"})
	}
	switch {
	case len(req.Password) < minPasswordLen:
		details = append(details, apierror.Detail{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLen)})
	case len(req.Password) > maxPasswordLen:
		details = append(details, apierror.Detail{Field: "password", Message: fmt.Sprintf("must be at most %d bytes", maxPasswordLen)})
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		details = append(details, apierror.Detail{Field: "name", Message: "is required"})
	}
	if len(details) > 0 {
		return nil, apierror.Validation(details...)
	}

	u := &User{
		Username: username,
		Email:    email,
		Name:     name,
		Role:     auth.RolePatient,
	}
	err := s.dir.Create(ctx, u, req.Password)
	if errors.Is(err, ErrUserExists) {
		return nil, apierror.Validation(apierror.Detail{Field: "username", Message: "is already taken"})
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info().Str("user", u.ID).Msg("user registered")
	return u, nil
}

// Refresh redeems an upstream refresh token and mints a new session from the
// re-verified identity.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*RefreshResponse, error) {
	if strings.TrimSpace(req.RefreshToken) == "" {
		return nil, apierror.Validation(apierror.Detail{Field: "refreshToken", Message: "is required"})
	}
	iss := req.Issuer
	if iss == "" && len(s.issuers) > 0 {
		iss = s.issuers[0]
	}
	issuer, ok := s.allowedIssuer(iss)
	if !ok {
		return nil, apierror.Validation(apierror.Detail{Field: "iss", Message: "issuer is not allowed"})
	}

	ex, err := s.idp.Refresh(ctx, issuer, req.RefreshToken)
	if err != nil {
		s.logger.Warn().Err(err).Str("issuer", issuer).Msg("refresh failed")
		return nil, auth.APIError(err)
	}
	token, err := s.codec.Issue(ex.Principal, 0)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}
	return &RefreshResponse{
		Token:        token,
		AccessToken:  ex.AccessToken,
		RefreshToken: ex.RefreshToken,
	}, nil
}

// issue wraps a freshly signed token for p.
func (s *Service) issue(p *auth.Principal) (*SessionResponse, error) {
	token, err := s.codec.Issue(p, 0)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}
	return &SessionResponse{
		User:      p,
		Token:     token,
		ExpiresAt: s.now().Add(s.codec.TTL()).UTC(),
	}, nil
}
