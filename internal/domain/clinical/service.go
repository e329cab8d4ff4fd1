// Package clinical serves a patient's clinical record from the upstream FHIR
// server. Authorization happens in the route middleware; this package only
// validates input and shapes responses.
package clinical

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/fhir"
)

// Upstream is the part of fhir.Client the handlers use.
type Upstream interface {
	GetPatient(ctx context.Context, id string) (json.RawMessage, error)
	GetObservations(ctx context.Context, patientID, category string) (json.RawMessage, error)
	GetCarePlans(ctx context.Context, patientID string) (json.RawMessage, error)
	GetAppointments(ctx context.Context, patientID string) (json.RawMessage, error)
	GetMedications(ctx context.Context, patientID string) (json.RawMessage, error)
	GetConditions(ctx context.Context, patientID string) (json.RawMessage, error)
	SearchPatients(ctx context.Context, params fhir.SearchParams) (json.RawMessage, error)
	CreateObservation(ctx context.Context, observation any) (json.RawMessage, error)
	UpdateCarePlan(ctx context.Context, id string, carePlan any) (json.RawMessage, error)
	GetCapabilities(ctx context.Context) (json.RawMessage, error)
	ValidateResource(ctx context.Context, resourceType string, resource any) (json.RawMessage, error)
}

// ObservationsResponse carries the raw bundle and its flattened vitals.
type ObservationsResponse struct {
	Observations json.RawMessage  `json:"observations"`
	Vitals       []fhir.VitalSign `json:"vitals"`
}

// CarePlansResponse carries the raw bundle and its flattened plans.
type CarePlansResponse struct {
	CarePlans      json.RawMessage        `json:"carePlans"`
	FormattedPlans []fhir.CarePlanSummary `json:"formattedPlans"`
}

type Service struct {
	fhir Upstream
	now  func() time.Time
}

func NewService(upstream Upstream) *Service {
	return &Service{fhir: upstream, now: time.Now}
}

// -- Reads --

func (s *Service) GetPatient(ctx context.Context, id string) (json.RawMessage, error) {
	return upstream(s.fhir.GetPatient(ctx, id))
}

func (s *Service) GetObservations(ctx context.Context, patientID, category string) (*ObservationsResponse, error) {
	raw, err := upstream(s.fhir.GetObservations(ctx, patientID, category))
	if err != nil {
		return nil, err
	}
	return &ObservationsResponse{Observations: raw, Vitals: fhir.FormatVitalSigns(raw)}, nil
}

func (s *Service) GetCarePlans(ctx context.Context, patientID string) (*CarePlansResponse, error) {
	raw, err := upstream(s.fhir.GetCarePlans(ctx, patientID))
	if err != nil {
		return nil, err
	}
	return &CarePlansResponse{CarePlans: raw, FormattedPlans: fhir.FormatCarePlans(raw)}, nil
}

func (s *Service) GetAppointments(ctx context.Context, patientID string) (json.RawMessage, error) {
	return upstream(s.fhir.GetAppointments(ctx, patientID))
}

func (s *Service) GetMedications(ctx context.Context, patientID string) (json.RawMessage, error) {
	return upstream(s.fhir.GetMedications(ctx, patientID))
}

func (s *Service) GetConditions(ctx context.Context, patientID string) (json.RawMessage, error) {
	return upstream(s.fhir.GetConditions(ctx, patientID))
}

// SearchPatients requires at least one criterion so a bare request cannot
// page through the whole server.
func (s *Service) SearchPatients(ctx context.Context, params fhir.SearchParams) (json.RawMessage, error) {
	params.Name = strings.TrimSpace(params.Name)
	params.Identifier = strings.TrimSpace(params.Identifier)
	params.Birthdate = strings.TrimSpace(params.Birthdate)
	if params == (fhir.SearchParams{}) {
		ae := apierror.Validation(apierror.Detail{Field: "name", Message: "name, identifier or birthdate is required"})
		ae.Message = "At least one search parameter is required"
		return nil, ae
	}
	return upstream(s.fhir.SearchPatients(ctx, params))
}

func (s *Service) GetCapabilities(ctx context.Context) (json.RawMessage, error) {
	return upstream(s.fhir.GetCapabilities(ctx))
}

// -- Writes --

// CreateObservation checks the required members, fills server-owned
// defaults and forwards the resource.
func (s *Service) CreateObservation(ctx context.Context, obs map[string]any) (json.RawMessage, error) {
	if obs == nil {
		return nil, invalidObject("body")
	}
	var details []apierror.Detail
	for _, field := range []string{"subject", "code", "valueQuantity"} {
		if _, ok := obs[field].(map[string]any); !ok {
			details = append(details, apierror.Detail{Field: field, Message: "must be an object"})
		}
	}
	if vq, ok := obs["valueQuantity"].(map[string]any); ok {
		if v, present := vq["value"]; present {
			if _, isNum := v.(float64); !isNum {
				details = append(details, apierror.Detail{Field: "valueQuantity.value", Message: "must be a number"})
			}
		}
	}
	if st, present := obs["status"]; present {
		if _, ok := st.(string); !ok {
			details = append(details, apierror.Detail{Field: "status", Message: "must be a string"})
		}
	}
	if len(details) > 0 {
		return nil, apierror.Validation(details...)
	}

	obs["resourceType"] = "Observation"
	if st, _ := obs["status"].(string); st == "" {
		obs["status"] = "final"
	}
	if _, ok := obs["effectiveDateTime"]; !ok {
		obs["effectiveDateTime"] = s.now().UTC().Format(time.RFC3339)
	}
	return upstream(s.fhir.CreateObservation(ctx, obs))
}

// UpdateCarePlan replaces CarePlan id. A body id, when present, must match.
func (s *Service) UpdateCarePlan(ctx context.Context, id string, plan map[string]any) (json.RawMessage, error) {
	if plan == nil {
		return nil, invalidObject("body")
	}
	if rt, present := plan["resourceType"]; present && rt != "CarePlan" {
		return nil, apierror.Validation(apierror.Detail{Field: "resourceType", Message: "must be CarePlan"})
	}
	if bodyID, present := plan["id"]; present && bodyID != id {
		return nil, apierror.Validation(apierror.Detail{Field: "id", Message: "must match the path id"})
	}
	plan["resourceType"] = "CarePlan"
	plan["id"] = id
	return upstream(s.fhir.UpdateCarePlan(ctx, id, plan))
}

// Validate runs the upstream $validate operation without storing anything.
func (s *Service) Validate(ctx context.Context, resourceType string, resource map[string]any) (json.RawMessage, error) {
	if !fhir.ValidResourceType(resourceType) {
		return nil, apierror.Validation(apierror.Detail{Field: "resourceType", Message: "must be a FHIR resource type"})
	}
	if resource == nil {
		return nil, invalidObject("body")
	}
	if _, present := resource["resourceType"]; !present {
		resource["resourceType"] = resourceType
	}
	return upstream(s.fhir.ValidateResource(ctx, resourceType, resource))
}

// upstream converts client errors for the error handler.
func upstream(raw json.RawMessage, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, fhir.APIError(err)
	}
	return raw, nil
}

func invalidObject(field string) *apierror.Error {
	return apierror.Validation(apierror.Detail{Field: field, Message: "must be a JSON object"})
}
