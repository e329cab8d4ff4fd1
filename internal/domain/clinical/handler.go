package clinical

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
	"github.com/carelink/gateway/internal/platform/fhir"
)

// Routes accept either a gateway session or an upstream SMART token.
var anyScheme = []auth.Scheme{auth.SchemeSession, auth.SchemeSMART}

type Handler struct {
	svc   *Service
	chain *auth.Chain
}

func NewHandler(svc *Service, chain *auth.Chain) *Handler {
	return &Handler{svc: svc, chain: chain}
}

func (h *Handler) scope(s string) echo.MiddlewareFunc {
	return h.chain.Require(auth.RoutePolicy{Schemes: anyScheme, Scope: s})
}

// patientScope is scope for routes under /patients/:id.
func (h *Handler) patientScope(s string) echo.MiddlewareFunc {
	return h.chain.Require(auth.RoutePolicy{Schemes: anyScheme, Scope: s, PatientParam: "id"})
}

// RegisterRoutes mounts the FHIR proxy on g, normally the /fhir group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/capabilities", h.GetCapabilities)

	g.GET("/patients/search", h.SearchPatients, h.scope("patient/*.read"))
	g.GET("/patients/:id", h.GetPatient, h.patientScope("patient/*.read"))
	g.GET("/patients/:id/observations", h.GetObservations, h.patientScope("observation/*.read"))
	g.GET("/patients/:id/care-plans", h.GetCarePlans, h.patientScope("careplan/*.read"))
	g.GET("/patients/:id/appointments", h.GetAppointments, h.patientScope("appointment/*.read"))
	g.GET("/patients/:id/medications", h.GetMedications, h.patientScope("medicationrequest/*.read"))
	g.GET("/patients/:id/conditions", h.GetConditions, h.patientScope("condition/*.read"))

	g.POST("/observations", h.CreateObservation, h.scope("observation/*.write"))
	g.PUT("/care-plans/:id", h.UpdateCarePlan, h.scope("careplan/*.write"))
	g.POST("/validate/:type", h.Validate, h.chain.Require(auth.RoutePolicy{Schemes: anyScheme}))
}

func (h *Handler) GetCapabilities(c echo.Context) error {
	return raw(c, http.StatusOK)(h.svc.GetCapabilities(c.Request().Context()))
}

func (h *Handler) SearchPatients(c echo.Context) error {
	params := fhir.SearchParams{
		Name:       c.QueryParam("name"),
		Identifier: c.QueryParam("identifier"),
		Birthdate:  c.QueryParam("birthdate"),
	}
	return raw(c, http.StatusOK)(h.svc.SearchPatients(c.Request().Context(), params))
}

func (h *Handler) GetPatient(c echo.Context) error {
	return raw(c, http.StatusOK)(h.svc.GetPatient(c.Request().Context(), c.Param("id")))
}

func (h *Handler) GetObservations(c echo.Context) error {
	resp, err := h.svc.GetObservations(c.Request().Context(), c.Param("id"), c.QueryParam("category"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, resp)
}

func (h *Handler) GetCarePlans(c echo.Context) error {
	resp, err := h.svc.GetCarePlans(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, resp)
}

func (h *Handler) GetAppointments(c echo.Context) error {
	return raw(c, http.StatusOK)(h.svc.GetAppointments(c.Request().Context(), c.Param("id")))
}

func (h *Handler) GetMedications(c echo.Context) error {
	return raw(c, http.StatusOK)(h.svc.GetMedications(c.Request().Context(), c.Param("id")))
}

func (h *Handler) GetConditions(c echo.Context) error {
	return raw(c, http.StatusOK)(h.svc.GetConditions(c.Request().Context(), c.Param("id")))
}

func (h *Handler) CreateObservation(c echo.Context) error {
	body, err := bindObject(c)
	if err != nil {
		return err
	}
	return raw(c, http.StatusCreated)(h.svc.CreateObservation(c.Request().Context(), body))
}

func (h *Handler) UpdateCarePlan(c echo.Context) error {
	body, err := bindObject(c)
	if err != nil {
		return err
	}
	return raw(c, http.StatusOK)(h.svc.UpdateCarePlan(c.Request().Context(), c.Param("id"), body))
}

func (h *Handler) Validate(c echo.Context) error {
	body, err := bindObject(c)
	if err != nil {
		return err
	}
	return raw(c, http.StatusOK)(h.svc.Validate(c.Request().Context(), c.Param("type"), body))
}

// raw returns a writer for a service result carrying an upstream document.
func raw(c echo.Context, status int) func(json.RawMessage, error) error {
	return func(doc json.RawMessage, err error) error {
		if err != nil {
			return err
		}
		return apierror.OK(c, status, doc)
	}
}

// bindObject decodes the body only; path parameters stay out of the
// resource.
func bindObject(c echo.Context) (map[string]any, error) {
	var body map[string]any
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		ae := invalidObject("body")
		ae.Err = err
		return nil, ae
	}
	if body == nil {
		return nil, invalidObject("body")
	}
	return body, nil
}
