package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name        string
		configured  []string
		origin      string
		wantAllowed string
	}{
		{"listed origin", []string{"https://faces.example.com"}, "https://faces.example.com", "https://faces.example.com"},
		{"trailing slash in config", []string{"https://faces.example.com/"}, "https://faces.example.com", "https://faces.example.com"},
		{"unlisted origin", []string{"https://faces.example.com"}, "https://evil.example.com", ""},
		{"localhost with port", nil, "http://localhost:5173", "http://localhost:5173"},
		{"loopback ip", nil, "http://127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"localhost lookalike", nil, "http://localhost.evil.com", ""},
		{"wildcard", []string{"*"}, "https://other.example.com", "*"},
		{"no origin", []string{"*"}, "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()

			CORS(tc.configured)(okHandler()).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllowed {
				t.Errorf("expected Access-Control-Allow-Origin %q, got %q", tc.wantAllowed, got)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rec.Code)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/persons", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	CORS(nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
	if called {
		t.Error("preflight should not reach the handler")
	}
}

func TestNoSniff(t *testing.T) {
	rec := httptest.NewRecorder()
	NoSniff()(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
}
