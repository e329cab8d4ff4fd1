package fhir

import (
	"regexp"
	"strings"
)

// ContentType is the media type of every request and response body.
const ContentType = "application/fhir+json"

// idPattern matches FHIR logical ids: [A-Za-z0-9\-\.]{1,64}.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// resourceTypePattern matches FHIR resource type names such as "Observation".
var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)

// ValidID reports whether id is a syntactically valid FHIR logical id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidResourceType reports whether name looks like a FHIR resource type.
func ValidResourceType(name string) bool {
	return resourceTypePattern.MatchString(name)
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome is the FHIR error resource returned by upstream servers.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// Diagnostics joins the human-readable text of every issue. An issue without
// diagnostics contributes its details text instead.
func (o *OperationOutcome) Diagnostics() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, len(o.Issue))
	for _, iss := range o.Issue {
		switch {
		case iss.Diagnostics != "":
			parts = append(parts, iss.Diagnostics)
		case iss.Details != nil && iss.Details.Text != "":
			parts = append(parts, iss.Details.Text)
		}
	}
	return strings.Join(parts, "; ")
}
