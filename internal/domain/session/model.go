package session

import (
	"time"

	"github.com/carelink/gateway/internal/platform/auth"
)

// User is a locally registered account.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Role          auth.Role `json:"role"`
	FHIRPatientID string    `json:"fhirPatientId,omitempty"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Principal returns the identity a session token is issued for. Local
// accounts carry no SMART scopes.
func (u *User) Principal() *auth.Principal {
	return &auth.Principal{
		ID:            u.ID,
		Username:      u.Username,
		Name:          u.Name,
		Email:         u.Email,
		Role:          u.Role,
		FHIRPatientID: u.FHIRPatientID,
		Scopes:        []string{},
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// RefreshRequest redeems an upstream refresh token. Issuer defaults to the
// configured SMART issuer.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	Issuer       string `json:"iss,omitempty"`
}

type LaunchResponse struct {
	LaunchURL string    `json:"launchUrl"`
	ClientID  string    `json:"clientId"`
	Scope     string    `json:"scope"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SessionResponse struct {
	User      *auth.Principal `json:"user"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type CallbackResponse struct {
	User         *auth.Principal `json:"user"`
	Token        string          `json:"token"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken,omitempty"`
}

type RefreshResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type RegisterResponse struct {
	User    *User  `json:"user"`
	Message string `json:"message"`
}
