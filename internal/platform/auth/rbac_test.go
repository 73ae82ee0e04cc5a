package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{RoleLabManager}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"other role", []string{RoleLabTech}, false},
		{"no roles", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireRole(RoleLabManager)(okHandler)(contextWithRoles(tt.roles...))
			if tt.allowed && err != nil {
				t.Errorf("expected access, got %v", err)
			}
			if !tt.allowed {
				expectStatus(t, err, http.StatusForbidden)
			}
		})
	}
}

func TestAuthSkipper(t *testing.T) {
	tests := map[string]bool{
		"/health":             true,
		"/health/db":          true,
		"/metrics":            true,
		"/api/v1/worklist":    false,
		"/api/v1/results/:id": false,
		"/health/extra":       false,
	}
	for path, want := range tests {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		c.SetPath(path)
		if got := AuthSkipper(c); got != want {
			t.Errorf("AuthSkipper(%s) = %v, want %v", path, got, want)
		}
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%s) = %v, want %v", path, got, want)
		}
	}
}
