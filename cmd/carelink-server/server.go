package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carelink/gateway/internal/config"
	"github.com/carelink/gateway/internal/domain/clinical"
	"github.com/carelink/gateway/internal/domain/dashboard"
	"github.com/carelink/gateway/internal/domain/session"
	"github.com/carelink/gateway/internal/platform/apierror"
	"github.com/carelink/gateway/internal/platform/auth"
	"github.com/carelink/gateway/internal/platform/db"
	"github.com/carelink/gateway/internal/platform/fhir"
	"github.com/carelink/gateway/internal/platform/middleware"
	"github.com/carelink/gateway/internal/platform/telemetry"
	"github.com/carelink/gateway/internal/platform/websocket"
)

const chatSocketPath = "/chat/ws"

type serverDeps struct {
	states auth.StateStore
	pool   *pgxpool.Pool // nil when DATABASE_URL is unset
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status      string  `json:"status"`
	Timestamp   string  `json:"timestamp"`
	Uptime      float64 `json:"uptime"`
	Environment string  `json:"environment"`
	Version     string  `json:"version"`
}

// newServer builds the echo instance with every route mounted.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) (*echo.Echo, error) {
	codec, err := auth.NewTokenCodec([]byte(cfg.JWTSecret), cfg.JWTTTL)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	fhirClient, err := fhir.NewClient(cfg.FHIRServerURL, cfg.UpstreamTimeout, logger)
	if err != nil {
		return nil, err
	}

	gw := auth.NewGateway(auth.GatewayConfig{
		ClientID:          cfg.SMARTClientID,
		ClientSecret:      cfg.SMARTClientSecret,
		RedirectURL:       cfg.CallbackURL(),
		Timeout:           cfg.UpstreamTimeout,
		DiscoveryMaxTries: cfg.DiscoveryMaxTries,
		StateTTL:          cfg.StateTTL,
	}, auth.NewDiscoveryCache(), deps.states, logger)

	chain := auth.NewChain(logger, map[auth.Scheme]auth.CredentialVerifier{
		auth.SchemeSession: auth.SessionVerifier(codec),
		auth.SchemeSMART:   auth.SMARTVerifier(gw, cfg.SMARTIssuer),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierror.HTTPErrorHandler(logger)
	ipx, err := middleware.ClientIPExtractor(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	e.IPExtractor = ipx

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersFor(cfg.BaseURL)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
		ExposeHeaders: []string{"X-Total-Count", "X-Has-More"},
	}))
	e.Use(echomw.GzipWithConfig(echomw.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, chatSocketPath)
		},
	}))
	e.Use(middleware.BodyLimit("10M"))

	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	rl.Skipper = auth.InfraSkipper
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, chatSocketPath))
	e.Use(telemetry.MetricsMiddleware())

	// Infrastructure
	started := time.Now()
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{
			Status:      "OK",
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Uptime:      time.Since(started).Seconds(),
			Environment: cfg.Env,
			Version:     version,
		})
	})
	if deps.pool != nil {
		pool := deps.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }, logger))
	}
	e.GET("/metrics", telemetry.Handler())

	// Sessions
	var dirOpts []session.DirectoryOption
	if cfg.IsDev() {
		dirOpts = append(dirOpts, session.WithDemoUser())
	}
	sessions := session.NewService(session.NewMemoryDirectory(dirOpts...), codec, gw, cfg.SMARTIssuers, logger)
	session.NewHandler(sessions, chain).RegisterRoutes(e.Group("/auth"))

	// FHIR proxy
	clinical.NewHandler(clinical.NewService(fhirClient), chain).RegisterRoutes(e.Group("/fhir"))

	// Dashboard and chat
	dash := dashboard.NewService(dashboard.NewMemoryRepository())
	hub := websocket.NewHub(dash, logger)
	dashHandler := dashboard.NewHandler(dash, chain)
	dashHandler.OnMessage(func(sender *auth.Principal, m *dashboard.ChatMessage) {
		if err := hub.Publish(m.RoomID, sender, m); err != nil {
			logger.Warn().Err(err).Str("room", m.RoomID).Msg("broadcast of posted message failed")
		}
	})
	dashHandler.RegisterRoutes(e.Group(""))
	websocket.NewHandler(hub, auth.SessionVerifier(codec), cfg.CORSOrigins, logger).RegisterRoutes(e.Group("/chat"))

	return e, nil
}
