package trace

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type observation struct {
	method, route string
	code          int
}

type recorder struct {
	mu  sync.Mutex
	got []observation
}

func (r *recorder) ObserveHTTP(method, route string, code int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, observation{method, route, code})
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/households/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Errorf("request id missing from context")
		}
		w.WriteHeader(http.StatusNotFound)
	})
	h := NewMiddleware(nil, rec).Middleware(mux)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/households/A101/status", nil))

	if len(rec.got) != 1 {
		t.Fatalf("expected one observation, got %d", len(rec.got))
	}
	want := observation{"GET", "GET /api/households/{id}/status", http.StatusNotFound}
	if rec.got[0] != want {
		t.Errorf("observation = %+v, want %+v", rec.got[0], want)
	}
	if !strings.HasPrefix(w.Header().Get(HeaderRequestID), "req_") {
		t.Errorf("generated request id not echoed: %q", w.Header().Get(HeaderRequestID))
	}
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	rec := &recorder{}
	h := NewMiddleware(nil, rec).Middleware(http.NewServeMux())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.got[0].route != "unmatched" || rec.got[0].code != http.StatusNotFound {
		t.Errorf("observation = %+v", rec.got[0])
	}
}

func TestMiddlewareKeepsIncomingRequestID(t *testing.T) {
	m := NewMiddleware(func(*http.Request) string { return "10.0.0.1" }, nil)
	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		header string
		keep   bool
	}{
		{"abc-123", true},
		{"bad id with spaces", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, tt.header)
		h.ServeHTTP(httptest.NewRecorder(), req)
		if (seen == tt.header) != tt.keep {
			t.Errorf("header %q: got id %q, keep=%v", tt.header, seen, tt.keep)
		}
	}
	if m.Total() != 3 {
		t.Errorf("Total() = %d, want 3", m.Total())
	}
}

func TestGenerateRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
