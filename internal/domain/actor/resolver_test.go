package actor

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/store"
	"github.com/lis/lis/internal/platform/store/storetest"
)

func newResolver(s store.Store) *Resolver {
	return NewResolver(s, store.DefaultLayout(), zerolog.Nop())
}

func TestExtractName(t *testing.T) {
	tests := []struct {
		name string
		rec  store.Record
		want string
		ok   bool
	}{
		{"name", store.Record{"name": "Ana Ruiz", "fullName": "ignored"}, "Ana Ruiz", true},
		{"blank name falls through", store.Record{"name": "  ", "full_name": "Lee Park"}, "Lee Park", true},
		{"display", store.Record{"display": "Dr. Who"}, "Dr. Who", true},
		{"none", store.Record{"email": "x@y"}, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractName(tt.rec)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ExtractName = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolve_KnownListWithoutNetwork(t *testing.T) {
	s := storetest.New()
	r := newResolver(s)
	known := []store.Record{
		{"id": "1", "name": "Someone Else"},
		{"id": "9", "userId": "u-42", "name": "Mara Voss"},
	}

	name, ok := r.Resolve(context.Background(), "u-42", NewCache(), known)
	if !ok || name != "Mara Voss" {
		t.Fatalf("expected Mara Voss, got %q %v", name, ok)
	}
	if n := len(s.Calls()); n != 0 {
		t.Errorf("expected no store calls, got %v", s.Calls())
	}
}

func TestResolve_CachedSecondCall(t *testing.T) {
	s := storetest.New()
	s.Put("user", store.Record{"id": "7", "name": "Ivo Brandt"})
	r := newResolver(s)
	cache := NewCache()

	if name, ok := r.Resolve(context.Background(), "7", cache, nil); !ok || name != "Ivo Brandt" {
		t.Fatalf("first resolve: %q %v", name, ok)
	}
	before := len(s.Calls())
	if name, ok := r.Resolve(context.Background(), "7", cache, nil); !ok || name != "Ivo Brandt" {
		t.Fatalf("second resolve: %q %v", name, ok)
	}
	if after := len(s.Calls()); after != before {
		t.Errorf("expected cached resolution, store calls went %d -> %d", before, after)
	}
}

func TestResolve_Waterfall(t *testing.T) {
	tests := []struct {
		name     string
		seed     []store.Record
		fail     []string
		wantName string
		wantOK   bool
		wantLast string
	}{
		{
			name:     "query by userId",
			seed:     []store.Record{{"id": "1", "userId": "u-1", "name": "By Query"}},
			wantName: "By Query", wantOK: true, wantLast: "query:user",
		},
		{
			name:     "get by id after query miss",
			seed:     []store.Record{{"id": "u-1", "fullName": "By Get"}},
			wantName: "By Get", wantOK: true, wantLast: "get:user",
		},
		{
			name:     "scan after query and get fail",
			seed:     []store.Record{{"id": "u-1", "name": "By Scan"}},
			fail:     []string{"query", "get"},
			wantName: "By Scan", wantOK: true, wantLast: "list:user",
		},
		{
			name:     "every step fails",
			seed:     []store.Record{{"id": "u-1", "name": "Hidden"}},
			fail:     []string{"query", "get", "list"},
			wantName: "", wantOK: false, wantLast: "list:user",
		},
		{
			name:     "absent actor",
			wantName: "", wantOK: false, wantLast: "list:user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storetest.New()
			s.Put("user", tt.seed...)
			for _, op := range tt.fail {
				s.Fail(op, "user")
			}
			cache := NewCache()

			name, ok := newResolver(s).Resolve(context.Background(), "u-1", cache, nil)
			if name != tt.wantName || ok != tt.wantOK {
				t.Errorf("Resolve = (%q, %v), want (%q, %v)", name, ok, tt.wantName, tt.wantOK)
			}
			calls := s.Calls()
			if last := calls[len(calls)-1]; last != tt.wantLast {
				t.Errorf("expected last call %s, got %v", tt.wantLast, calls)
			}
			if _, cached := cache.Get("u-1"); cached != tt.wantOK {
				t.Errorf("cache populated = %v, want %v", cached, tt.wantOK)
			}
		})
	}
}

func TestResolve_BlankID(t *testing.T) {
	s := storetest.New()
	if _, ok := newResolver(s).Resolve(context.Background(), "  ", nil, nil); ok {
		t.Error("expected blank id to be absent")
	}
	if len(s.Calls()) != 0 {
		t.Errorf("expected no store calls, got %v", s.Calls())
	}
}

func TestResolve_CancelledContext(t *testing.T) {
	s := storetest.New()
	s.Put("user", store.Record{"id": "1", "name": "Nope"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := newResolver(s).Resolve(ctx, "1", nil, nil); ok {
		t.Error("expected cancelled lookup to be absent")
	}
}

func TestCache_PrimeAndConcurrentUse(t *testing.T) {
	c := NewCache()
	c.Prime([]store.Record{
		{"id": "1", "name": "One"},
		{"userId": "u2", "id": "2", "displayName": "Two"},
		{"id": "3"},
	})
	if c.Len() != 2 {
		t.Fatalf("expected 2 primed names, got %d", c.Len())
	}
	if n, _ := c.Get("u2"); n != "Two" {
		t.Errorf("expected userId key to win, got %q", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Put("x", "X")
			c.Get("x")
		}()
	}
	wg.Wait()
	if n, _ := c.Get("x"); n != "X" {
		t.Errorf("unexpected cached value %q", n)
	}
}
