package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeChecker struct {
	pingErr error
	stats   PoolStats
}

func (f *fakeChecker) Ping(context.Context) error { return f.pingErr }
func (f *fakeChecker) Stats() *PoolStats          { s := f.stats; return &s }

func serveHealth(t *testing.T, c Checker) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := HealthHandler(c)(ctx); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := serveHealth(t, &fakeChecker{stats: PoolStats{TotalConns: 3, MaxConns: 20, Healthy: true}})

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	pool, ok := body["pool"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected pool object, got %T", body["pool"])
	}
	if pool["max_conns"] != float64(20) {
		t.Errorf("expected max_conns 20, got %v", pool["max_conns"])
	}
}

func TestHealthHandler_PingFailure(t *testing.T) {
	code, body := serveHealth(t, &fakeChecker{
		pingErr: errors.New("connection refused"),
		stats:   PoolStats{TotalConns: 1, Healthy: true},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	if body["error"] != "connection refused" {
		t.Errorf("unexpected error field: %v", body["error"])
	}
	pool := body["pool"].(map[string]interface{})
	if pool["healthy"] != false {
		t.Error("expected pool.healthy false after failed ping")
	}
}
