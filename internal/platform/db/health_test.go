package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	stats := func() *PoolStats { return &PoolStats{TotalConns: 3, MaxConns: 10} }

	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantHealth string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"unhealthy", errors.New("dial tcp 10.0.0.5:5432: connection refused"), http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

			if err := HealthHandler(fakePinger{tt.pingErr}, stats, zerolog.Nop())(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}

			var body struct {
				Success bool   `json:"success"`
				Data    Health `json:"data"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Data.Status != tt.wantHealth || body.Data.Pool == nil || body.Data.Pool.TotalConns != 3 {
				t.Fatalf("unexpected body: %s", rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "10.0.0.5") {
				t.Fatal("driver error leaked to client")
			}
		})
	}
}

func TestHealthHandler_NilStats(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	if err := HealthHandler(fakePinger{}, nil, zerolog.Nop())(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), `"pool"`) {
		t.Fatalf("expected pool to be omitted, got %s", rec.Body.String())
	}
}
