package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const defaultCSP = "default-src 'none'; frame-ancestors 'none'"

// SecurityHeadersConfig selects the hardening headers.
type SecurityHeadersConfig struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive. Browsers
	// ignore it over plain http.
	HSTSMaxAge time.Duration
	// ContentSecurityPolicy overrides the deny-all default.
	ContentSecurityPolicy string
}

// SecurityHeadersFor enables HSTS only for an https public URL.
func SecurityHeadersFor(baseURL string) SecurityHeadersConfig {
	var cfg SecurityHeadersConfig
	if strings.HasPrefix(baseURL, "https://") {
		cfg.HSTSMaxAge = 365 * 24 * time.Hour
	}
	return cfg
}

// SecurityHeaders sets hardening headers on every response. Responses may
// carry PHI so they are marked no-store. Handlers may override any of them.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = defaultCSP
	}
	headers := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"X-XSS-Protection", "0"},
		{"Content-Security-Policy", csp},
		{"Referrer-Policy", "no-referrer"},
		{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
		{echo.HeaderCacheControl, "no-store"},
	}
	if cfg.HSTSMaxAge > 0 {
		secs := strconv.FormatInt(int64(cfg.HSTSMaxAge/time.Second), 10)
		headers = append(headers, [2]string{echo.HeaderStrictTransportSecurity, "max-age=" + secs + "; includeSubDomains"})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range headers {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
