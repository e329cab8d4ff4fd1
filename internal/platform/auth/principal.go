package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is the coarse-grained kind of actor a principal represents.
type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// ParseRole maps a claim value to a Role. An empty value defaults to patient.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RolePatient:
		return RolePatient, nil
	case RoleProvider:
		return RoleProvider, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Principal is the authenticated actor behind a request. It is never stored
// server-side and is rebuilt from a verified credential on every request.
type Principal struct {
	ID            string   `json:"id"`
	Username      string   `json:"username,omitempty"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Role          Role     `json:"role"`
	FHIRPatientID string   `json:"fhirPatientId,omitempty"`
	Scopes        []string `json:"scopes"`
}

// ScopeSet splits a space-delimited scope string, dropping duplicates and
// empty items. The result is never nil.
func ScopeSet(raw string) []string {
	fields := strings.Fields(raw)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by the middleware
// chain, or nil when the request is unauthenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
