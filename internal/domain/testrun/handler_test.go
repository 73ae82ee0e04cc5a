package testrun

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/store"
	"github.com/lis/lis/internal/platform/store/storetest"
)

func newTestHandler() (*Handler, *storetest.Faulty, *echo.Echo) {
	s := fixture()
	return NewHandler(newService(s)), s, echo.New()
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_Worklist(t *testing.T) {
	h, s, e := newTestHandler()
	s.Put("test_orders", store.Record{"id": "11", "patientName": "Second"})

	req := httptest.NewRequest(http.MethodGet, "/?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Worklist(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestHandler_RunOrder(t *testing.T) {
	h, s, e := newTestHandler()
	body := `{"orderId":10,"instrumentId":"i1","usedReagents":[{"id":1,"amountUsed":5}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.RunOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var res RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RunID != "run-0001" || len(res.Rows) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	r, _ := s.Get(context.Background(), "reagents", "1")
	if q, _ := r.Num("quantity"); q != 95 {
		t.Errorf("expected the override to be consumed, quantity %v", q)
	}

	// the order now carries a run reference
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	if code := httpCode(t, h.RunOrder(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_RunOrder_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing ids", `{}`, http.StatusBadRequest},
		{"malformed", `{"orderId":`, http.StatusBadRequest},
		{"unknown order", `{"orderId":"404","instrumentId":"i1"}`, http.StatusNotFound},
		{"unknown instrument", `{"orderId":"10","instrumentId":"x"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			c := e.NewContext(req, httptest.NewRecorder())
			if code := httpCode(t, h.RunOrder(c)); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_GetResult(t *testing.T) {
	h, _, e := newTestHandler()
	res, err := h.svc.Run(context.Background(), runRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.TestResultID)
	if err := h.GetResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d Detail
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.RunID != res.RunID || d.CriticalCount != 1 {
		t.Errorf("unexpected detail: %+v", d)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if code := httpCode(t, h.GetResult(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetResultHL7(t *testing.T) {
	h, _, e := newTestHandler()
	res, err := h.svc.Run(context.Background(), runRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?format=raw", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.RunID)
	if err := h.GetResultHL7(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != res.HL7 {
		t.Errorf("expected the raw message, got %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(res.RunID)
	if err := h.GetResultHL7(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Message struct {
			Type string `json:"type"`
		} `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message.Type != "ORU^R01" {
		t.Errorf("expected ORU^R01, got %q", out.Message.Type)
	}
}

func TestHandler_UpdateComments(t *testing.T) {
	h, s, e := newTestHandler()
	res, err := h.svc.Run(context.Background(), runRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := `{"comments":[{"text":"smear reviewed"}]}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: "t-1", Name: "Tess Tech"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.TestResultID)

	if err := h.UpdateComments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	threads, _ := s.Query(context.Background(), "comments", "run_id", res.RunID)
	if len(threads) != 1 {
		t.Fatalf("expected one thread, got %d", len(threads))
	}
	comments := commentsFromValue(threads[0]["comments"])
	if len(comments) != 1 || comments[0].Author != "Tess Tech" {
		t.Errorf("expected the author to default to the caller, got %+v", comments)
	}
}

func TestHandler_DeleteResult(t *testing.T) {
	h, s, e := newTestHandler()
	res, err := h.svc.Run(context.Background(), runRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(res.TestResultID)
	if err := h.DeleteResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if s.Len("test_results") != 0 {
		t.Error("result not deleted")
	}
}

func TestHandler_RoleGuards(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		method string
		path   string
		want   int
	}{
		{"tech reads", []string{auth.RoleLabTech}, http.MethodGet, "/api/v1/worklist", http.StatusOK},
		{"tech cannot delete", []string{auth.RoleLabTech}, http.MethodDelete, "/api/v1/results/x", http.StatusForbidden},
		{"manager deletes", []string{auth.RoleLabManager}, http.MethodDelete, "/api/v1/results/x", http.StatusOK},
		{"admin bypass", []string{auth.RoleAdmin}, http.MethodDelete, "/api/v1/results/x", http.StatusOK},
		{"no roles", nil, http.MethodGet, "/api/v1/worklist", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler()
			e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
				return func(c echo.Context) error {
					ctx := auth.WithActor(c.Request().Context(), auth.Actor{ID: "t-1", Roles: tt.roles})
					c.SetRequest(c.Request().WithContext(ctx))
					return next(c)
				}
			})
			h.RegisterRoutes(e.Group("/api/v1"))

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
