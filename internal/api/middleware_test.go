package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := recoveryMiddleware(nopLogger())(panicky)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRecoveryMiddlewareAfterHeadersSent(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		panic("boom")
	})
	h := recoveryMiddleware(nopLogger())(panicky)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	// Headers already went out; the recovered status must stand.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want the already-sent 200", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		reqOrigin string
		wantAllow string
	}{
		{name: "no origins configured", reqOrigin: "https://app.example.com"},
		{
			name:      "allowed origin",
			origins:   []string{"https://app.example.com"},
			reqOrigin: "https://app.example.com",
			wantAllow: "https://app.example.com",
		},
		{
			name:      "other origin rejected",
			origins:   []string{"https://app.example.com"},
			reqOrigin: "https://evil.example.com",
		},
		{
			name:      "wildcard",
			origins:   []string{"*"},
			reqOrigin: "https://anything.example.com",
			wantAllow: "https://anything.example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := corsMiddleware(tt.origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.reqOrigin != "" {
				req.Header.Set("Origin", tt.reqOrigin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	h := corsMiddleware([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/chat/stream", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:4123", want: "10.0.0.1"},
		{name: "forwarded single", remoteAddr: "10.0.0.1:4123", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain keeps first", remoteAddr: "10.0.0.1:4123", forwarded: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
		{name: "unparseable remote addr passthrough", remoteAddr: "bogus", want: "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(1, 2)

	if !rl.allow("1.2.3.4") {
		t.Fatal("first request must pass")
	}
	if !rl.allow("1.2.3.4") {
		t.Fatal("second request within burst must pass")
	}
	if rl.allow("1.2.3.4") {
		t.Fatal("third immediate request must be limited")
	}
	// Separate IPs have separate buckets.
	if !rl.allow("5.6.7.8") {
		t.Fatal("other IP must have its own bucket")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newRateLimiter(1, 1)
	h := rateLimitMiddleware(rl, nopLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", wantLimit: defaultPageLimit},
		{name: "explicit", query: "?limit=10&offset=20", wantLimit: 10, wantOffset: 20},
		{name: "limit over max ignored", query: "?limit=999", wantLimit: defaultPageLimit},
		{name: "negative ignored", query: "?limit=-1&offset=-2", wantLimit: defaultPageLimit},
		{name: "garbage ignored", query: "?limit=abc", wantLimit: defaultPageLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions"+tt.query, nil)
			limit, offset := pagination(req)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("pagination() = (%d, %d), want (%d, %d)", limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
