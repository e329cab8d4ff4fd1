package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carelink/gateway/internal/platform/apierror"
)

// RequestTimeout puts a deadline on each request context. When it passes
// before the handler returns, the request fails with 504.
//
// Paths under any of skipPrefixes (the chat websocket) are long-lived and run
// without a deadline.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			path := c.Request().URL.Path
			for _, p := range skipPrefixes {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return apierror.Wrap(apierror.KindUpstreamTimeout, "Request processing exceeded the allowed time limit", ctx.Err())
				}
				// client went away
				return ctx.Err()
			}
		}
	}
}
