package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultSessionTTL is the lifetime of a session token when none is given.
const DefaultSessionTTL = 24 * time.Hour

// sessionIssuer is the iss claim of locally minted tokens.
const sessionIssuer = "carelink-gateway"

var (
	// ErrInvalidSignature covers every verification failure except expiry:
	// bad signature, unexpected algorithm, malformed token, wrong issuer.
	ErrInvalidSignature = errors.New("invalid session token")
	// ErrExpired means the token verified but its exp has passed.
	ErrExpired = errors.New("session token expired")
)

// SessionClaims is the JWT payload of a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Username      string   `json:"username,omitempty"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Role          Role     `json:"role"`
	FHIRPatientID string   `json:"fhirPatientId,omitempty"`
	Scopes        []string `json:"scopes"`
}

// TokenCodec issues and verifies HS256 session tokens.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) { c.now = now }
}

// NewTokenCodec creates a codec signing with secret. A non-positive ttl
// selects DefaultSessionTTL.
func NewTokenCodec(secret []byte, ttl time.Duration, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the codec's default token lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue signs a token for p valid for ttl (the codec default when ttl <= 0).
func (c *TokenCodec) Issue(p *Principal, ttl time.Duration) (string, error) {
	if p == nil {
		return "", errors.New("principal is required")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	scopes := append(make([]string, 0, len(p.Scopes)), p.Scopes...)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   p.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:      p.Username,
		Name:          p.Name,
		Email:         p.Email,
		Role:          p.Role,
		FHIRPatientID: p.FHIRPatientID,
		Scopes:        scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature first and the claims second, so a forged token
// never reports ErrExpired.
func (c *TokenCodec) Verify(token string) (*Principal, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	validator := jwt.NewValidator(
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(sessionIssuer),
	)
	if err := validator.Validate(claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	scopes := claims.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return &Principal{
		ID:            claims.Subject,
		Username:      claims.Username,
		Name:          claims.Name,
		Email:         claims.Email,
		Role:          claims.Role,
		FHIRPatientID: claims.FHIRPatientID,
		Scopes:        scopes,
	}, nil
}
