package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
	"github.com/carelink/gateway/pkg/pagination"
)

// MessageHook is called after a message posted over HTTP has been stored.
type MessageHook func(sender *auth.Principal, m *ChatMessage)

type Handler struct {
	svc       *Service
	chain     *auth.Chain
	onMessage MessageHook
}

func NewHandler(svc *Service, chain *auth.Chain) *Handler {
	return &Handler{svc: svc, chain: chain}
}

// OnMessage registers fn to run for every message posted over HTTP.
func (h *Handler) OnMessage(fn MessageHook) {
	h.onMessage = fn
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	session := h.chain.Require(auth.RoutePolicy{})
	staff := h.chain.Require(auth.RoutePolicy{Roles: []auth.Role{auth.RoleAdmin, auth.RoleProvider}})

	g.GET("/patients", h.ListPatients, staff)
	g.GET("/patients/:id", h.GetPatient, session)
	g.GET("/patients/:id/vitals", h.GetVitals, session)
	g.GET("/patients/:id/appointments", h.ListPatientAppointments, session)

	g.GET("/appointments", h.ListAppointments, session)
	g.POST("/appointments", h.CreateAppointment, session)

	g.GET("/care-plans", h.ListCarePlans, session)
	g.GET("/care-plans/:id", h.GetCarePlan, session)

	g.GET("/chat/rooms", h.ListRooms, session)
	g.GET("/chat/rooms/:id", h.GetRoom, session)
	g.GET("/chat/messages", h.ListMessages, session)
	g.POST("/chat/messages", h.PostMessage, session)
}

// -- Patients --

func (h *Handler) ListPatients(c echo.Context) error {
	items, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return err
	}
	return page(c, items)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, p)
}

func (h *Handler) GetVitals(c echo.Context) error {
	report, err := h.svc.GetVitals(c.Request().Context(), c.Param("id"), c.QueryParam("period"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, report)
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.svc.GetPatient(ctx, c.Param("id")); err != nil {
		return err
	}
	items, err := h.svc.ListAppointments(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return page(c, items)
}

// -- Appointments --

func (h *Handler) ListAppointments(c echo.Context) error {
	items, err := h.svc.ListAppointments(c.Request().Context(), c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	return page(c, items)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusCreated, a)
}

// -- Care plans --

func (h *Handler) ListCarePlans(c echo.Context) error {
	items, err := h.svc.ListCarePlans(c.Request().Context(), c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	return page(c, items)
}

func (h *Handler) GetCarePlan(c echo.Context) error {
	cp, err := h.svc.GetCarePlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, cp)
}

// -- Chat --

func (h *Handler) ListRooms(c echo.Context) error {
	rooms, err := h.svc.ListRooms(c.Request().Context())
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, rooms)
}

func (h *Handler) GetRoom(c echo.Context) error {
	room, err := h.svc.GetRoom(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, room)
}

func (h *Handler) ListMessages(c echo.Context) error {
	limit, err := pagination.ParseLimit(c.QueryParam("limit"), DefaultMessageLimit)
	if err != nil {
		return apierror.Validation(apierror.Detail{Field: "limit", Message: err.Error()})
	}
	msgs, err := h.svc.ListMessages(c.Request().Context(), c.QueryParam("roomId"), limit)
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, msgs)
}

func (h *Handler) PostMessage(c echo.Context) error {
	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	sender := auth.PrincipalFrom(c)
	m, err := h.svc.SendMessage(c.Request().Context(), sender, req)
	if err != nil {
		return err
	}
	if h.onMessage != nil {
		h.onMessage(sender, m)
	}
	return apierror.OK(c, http.StatusCreated, m)
}

// page writes one page of items with the total count in the headers.
func page[T any](c echo.Context, items []T) error {
	p := pagination.FromContext(c)
	pagination.SetHeaders(c, len(items), p)
	return apierror.OK(c, http.StatusOK, pagination.Slice(items, p))
}

func invalidBody(err error) error {
	ae := apierror.Validation(apierror.Detail{Field: "body", Message: "must be a valid JSON object"})
	ae.Err = err
	return ae
}
