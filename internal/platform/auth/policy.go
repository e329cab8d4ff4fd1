package auth

import (
	"errors"
	"slices"
)

var (
	// ErrUnauthenticated means there is no principal to evaluate.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the principal exists but lacks a role, scope or
	// patient context the operation requires.
	ErrForbidden = errors.New("insufficient permissions")
)

// Requirement is the set of checks an operation demands. Zero-valued fields
// impose no constraint.
type Requirement struct {
	Roles                 []Role
	Scope                 string
	RequirePatientContext bool
	// PatientID is the record being accessed. Patient-role principals may
	// only reach their own bound record.
	PatientID string
}

// HasRole reports whether p's role is one of roles.
func HasRole(p *Principal, roles ...Role) bool {
	if p == nil {
		return false
	}
	return slices.Contains(roles, p.Role)
}

// HasScope reports whether scope is literally among p's granted scopes.
// Wildcards in granted scopes are not expanded.
func HasScope(p *Principal, scope string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Scopes, scope)
}

// HasPatientContext reports whether p is bound to a FHIR patient record.
func HasPatientContext(p *Principal) bool {
	return p != nil && p.FHIRPatientID != ""
}

// OwnsPatientRecord reports whether p may access patientID. Only
// patient-role principals are restricted.
func OwnsPatientRecord(p *Principal, patientID string) bool {
	if p == nil {
		return false
	}
	if p.Role != RolePatient {
		return true
	}
	return p.FHIRPatientID != "" && p.FHIRPatientID == patientID
}

// IsAuthorized is the boolean form of Authorize for a role and scope check.
// An empty roles slice or empty scope imposes no constraint of that kind.
func IsAuthorized(p *Principal, roles []Role, scope string) bool {
	return Authorize(p, Requirement{Roles: roles, Scope: scope}) == nil
}

// Authorize evaluates req against p. It returns ErrUnauthenticated for a nil
// principal and ErrForbidden when any check fails.
func Authorize(p *Principal, req Requirement) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if len(req.Roles) > 0 && !HasRole(p, req.Roles...) {
		return ErrForbidden
	}
	if req.Scope != "" && !HasScope(p, req.Scope) {
		return ErrForbidden
	}
	if req.RequirePatientContext && !HasPatientContext(p) {
		return ErrForbidden
	}
	if req.PatientID != "" && !OwnsPatientRecord(p, req.PatientID) {
		return ErrForbidden
	}
	return nil
}
