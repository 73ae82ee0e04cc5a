package hl7v2

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHandler_ParseMessage(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(sampleORU))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler().ParseMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["type"] != "ORU^R01" || body["controlId"] != "run-123" {
		t.Errorf("unexpected header: %v %v", body["type"], body["controlId"])
	}
	obs, ok := body["observations"].([]interface{})
	if !ok || len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %v", body["observations"])
	}
	first := obs[0].(map[string]interface{})
	if first["flag"] != "High" || first["appliedRule"] != "High-v2" {
		t.Errorf("unexpected observation %v", first)
	}
	if segs := body["segments"].([]interface{}); len(segs) != 6 {
		t.Errorf("expected 6 segments, got %d", len(segs))
	}
}

func TestHandler_ParseMessage_BadInput(t *testing.T) {
	for name, raw := range map[string]string{"empty": "", "invalid": "not hl7"} {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(raw))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := NewHandler().ParseMessage(c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 HTTPError, got %v", name, err)
		}
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler().RegisterRoutes(e.Group("/api/v1"))

	found := false
	for _, r := range e.Routes() {
		if r.Method == http.MethodPost && r.Path == "/api/v1/hl7v2/parse" {
			found = true
		}
	}
	if !found {
		t.Error("expected POST /api/v1/hl7v2/parse to be registered")
	}
}
