package apierror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Envelope is the JSON shape of every API response.
type Envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Details []Detail `json:"details,omitempty"`
}

// OK writes a successful envelope with the given status.
func OK(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// HTTPErrorHandler renders errors as failure envelopes. Classified errors keep
// their message; echo.HTTPErrors keep their status; anything else becomes a
// generic 500 with nothing from the error leaking to the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := Envelope{Success: false, Error: "internal server error"}

		var apiErr *Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
			status = apiErr.StatusCode()
			body.Error = apiErr.Message
			body.Details = apiErr.Details
		case errors.As(err, &httpErr):
			status = httpErr.Code
			switch status {
			case http.StatusNotFound:
				body.Error = "Route not found"
			case http.StatusInternalServerError:
			default:
				if msg, ok := httpErr.Message.(string); ok {
					body.Error = msg
				} else {
					body.Error = http.StatusText(status)
				}
			}
		}

		rid, _ := c.Get("request_id").(string)
		evt := logger.Warn()
		if status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.Err(err).
			Str("request_id", rid).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", status).
			Msg("request failed")

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}
