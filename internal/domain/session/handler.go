package session

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
)

type Handler struct {
	svc   *Service
	chain *auth.Chain
}

func NewHandler(svc *Service, chain *auth.Chain) *Handler {
	return &Handler{svc: svc, chain: chain}
}

// RegisterRoutes mounts the auth routes on g, normally the /auth group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/smart/launch", h.Launch)
	g.GET("/smart/callback", h.Callback)
	g.POST("/login", h.Login)
	g.POST("/register", h.Register)
	g.POST("/refresh", h.Refresh)
	g.GET("/me", h.Me, h.chain.Require(auth.RoutePolicy{Schemes: []auth.Scheme{auth.SchemeSession}}))
}

func (h *Handler) Launch(c echo.Context) error {
	resp, err := h.svc.Launch(c.Request().Context(), c.QueryParam("iss"), c.QueryParam("launch"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, resp)
}

func (h *Handler) Callback(c echo.Context) error {
	resp, err := h.svc.Callback(c.Request().Context(), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, resp)
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	resp, err := h.svc.Login(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, resp)
}

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	u, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusCreated, RegisterResponse{User: u, Message: "User registered successfully"})
}

func (h *Handler) Refresh(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(err)
	}
	resp, err := h.svc.Refresh(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return apierror.OK(c, http.StatusOK, resp)
}

// Me returns the principal of the presented session token.
func (h *Handler) Me(c echo.Context) error {
	return apierror.OK(c, http.StatusOK, map[string]*auth.Principal{"user": auth.PrincipalFrom(c)})
}

func invalidBody(err error) error {
	ae := apierror.Validation(apierror.Detail{Field: "body", Message: "must be a valid JSON object"})
	ae.Err = err
	return ae
}
