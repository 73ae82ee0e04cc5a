package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=0", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
		{"?offset=-5", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/worklist"+tt.query, nil), httptest.NewRecorder())
			p := FromContext(c)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want limit=%d offset=%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	items := []string{"10", "11", "12"}

	r := NewResponse(items, 10, 3, 0)
	if r.Total != 10 || r.Limit != 3 || r.Offset != 0 {
		t.Errorf("unexpected envelope %+v", r)
	}
	if !r.HasMore {
		t.Error("expected has_more with items past this page")
	}
	if NewResponse(items, 3, 3, 0).HasMore {
		t.Error("expected no has_more on the last page")
	}
}

func TestParams_Bounds(t *testing.T) {
	tests := []struct {
		name      string
		params    Params
		total     int
		wantStart int
		wantEnd   int
	}{
		{"first page", Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{"last partial page", Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{"past end", Params{Limit: 10, Offset: 40}, 25, 25, 25},
		{"empty", Params{Limit: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.params.Bounds(tt.total)
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("Bounds(%d) = [%d,%d), want [%d,%d)", tt.total, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}
