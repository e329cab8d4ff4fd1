package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/telemetry"
)

// Scheme names a kind of bearer credential.
type Scheme string

const (
	// SchemeSession is a locally issued HS256 session token.
	SchemeSession Scheme = "session"
	// SchemeSMART is an ID token from the configured SMART issuer.
	SchemeSMART Scheme = "smart"
)

// CredentialVerifier turns a raw bearer token into a principal.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, token string) (*Principal, error)
}

// VerifierFunc adapts a function to CredentialVerifier.
type VerifierFunc func(ctx context.Context, token string) (*Principal, error)

func (f VerifierFunc) VerifyCredential(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// SessionVerifier verifies session tokens with codec.
func SessionVerifier(codec *TokenCodec) CredentialVerifier {
	return VerifierFunc(func(_ context.Context, token string) (*Principal, error) {
		return codec.Verify(token)
	})
}

// SMARTVerifier verifies ID tokens from issuer through gw.
func SMARTVerifier(gw *Gateway, issuer string) CredentialVerifier {
	return VerifierFunc(func(ctx context.Context, token string) (*Principal, error) {
		return gw.VerifyIDToken(ctx, issuer, token)
	})
}

// RoutePolicy declares what a route accepts and requires. An empty Schemes
// list accepts session tokens only.
type RoutePolicy struct {
	Schemes               []Scheme
	Roles                 []Role
	Scope                 string
	RequirePatientContext bool
	// PatientParam names the path parameter holding the patient record id.
	// When set, patient-role principals are limited to their own record.
	PatientParam string
}

// Chain authenticates and authorizes requests per route.
type Chain struct {
	verifiers map[Scheme]CredentialVerifier
	logger    zerolog.Logger
}

// NewChain creates a chain with the given verifiers.
func NewChain(logger zerolog.Logger, verifiers map[Scheme]CredentialVerifier) *Chain {
	vs := make(map[Scheme]CredentialVerifier, len(verifiers))
	for k, v := range verifiers {
		if v != nil {
			vs[k] = v
		}
	}
	return &Chain{
		verifiers: vs,
		logger:    logger.With().Str("component", "authz").Logger(),
	}
}

// Require returns middleware enforcing policy. Failures short-circuit with
// an *apierror.Error; on success the principal is attached to the request
// context.
func (ch *Chain) Require(policy RoutePolicy) echo.MiddlewareFunc {
	requested := policy.Schemes
	if len(requested) == 0 {
		requested = []Scheme{SchemeSession}
	}
	schemes := make([]Scheme, 0, len(requested))
	for _, s := range requested {
		if _, ok := ch.verifiers[s]; ok {
			schemes = append(schemes, s)
		}
	}
	if len(schemes) == 0 {
		ch.logger.Error().Interface("schemes", requested).Msg("route accepts no configured credential scheme")
	}
	req := Requirement{
		Roles:                 policy.Roles,
		Scope:                 policy.Scope,
		RequirePatientContext: policy.RequirePatientContext,
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(schemes) == 0 {
				return apierror.New(apierror.KindInternal, "Authentication is not configured for this route")
			}
			token := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				ch.deny(c, "", nil, apierror.KindMissingCredential)
				return apierror.New(apierror.KindMissingCredential, msgMissingToken)
			}

			p, scheme, err := ch.authenticate(c.Request().Context(), schemes, token)
			if err != nil {
				ch.deny(c, "", nil, apierror.KindInvalidCredential)
				return apierror.Wrap(apierror.KindInvalidCredential, msgInvalidToken, err)
			}

			need := req
			if policy.PatientParam != "" {
				need.PatientID = c.Param(policy.PatientParam)
			}
			if err := Authorize(p, need); err != nil {
				ch.deny(c, scheme, p, apierror.KindForbidden)
				return apierror.Wrap(apierror.KindForbidden, forbiddenMessage(p, need), err)
			}

			telemetry.ObserveAuthDecision(string(scheme), "allow")
			ch.logger.Debug().
				Str("route", c.Path()).
				Str("scheme", string(scheme)).
				Str("principal", p.ID).
				Msg("request authorized")

			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// authenticate tries schemes in order; the first that verifies wins.
func (ch *Chain) authenticate(ctx context.Context, schemes []Scheme, token string) (*Principal, Scheme, error) {
	var errs []error
	for _, s := range schemes {
		p, err := ch.verifiers[s].VerifyCredential(ctx, token)
		if err == nil {
			return p, s, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s, err))
	}
	return nil, "", errors.Join(errs...)
}

func (ch *Chain) deny(c echo.Context, scheme Scheme, p *Principal, kind apierror.Kind) {
	telemetry.ObserveAuthDecision(string(scheme), "deny")
	evt := ch.logger.Info().
		Str("route", c.Path()).
		Str("kind", string(kind))
	if p != nil {
		evt = evt.Str("principal", p.ID).Str("role", string(p.Role))
	}
	evt.Msg("request denied")
}

func forbiddenMessage(p *Principal, req Requirement) string {
	switch {
	case len(req.Roles) > 0 && !HasRole(p, req.Roles...):
		return "Insufficient permissions"
	case req.Scope != "" && !HasScope(p, req.Scope):
		return fmt.Sprintf("Scope '%s' required", req.Scope)
	case req.RequirePatientContext && !HasPatientContext(p):
		return "Patient context required"
	case req.PatientID != "" && !OwnsPatientRecord(p, req.PatientID):
		return "Access to this patient record is not permitted"
	default:
		return "Insufficient permissions"
	}
}

// BearerToken extracts the credential from an Authorization header value.
// It returns "" when the header is absent or not a bearer credential.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// PrincipalFrom returns the principal attached by Require.
func PrincipalFrom(c echo.Context) *Principal {
	return PrincipalFromContext(c.Request().Context())
}
