package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are infrastructure routes that bypass rate limiting and
// request logging.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// InfraSkipper reports whether the matched route is an infrastructure
// endpoint. It fits echo middleware Skipper fields.
func InfraSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is an infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
