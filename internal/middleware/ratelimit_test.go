package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newTestLimiter(t *testing.T, rps float64, burst int) *RateLimiter {
	t.Helper()
	l := NewRateLimiter(rps, burst)
	t.Cleanup(l.Close)
	return l
}

func hit(h http.Handler, remoteAddr, xff string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimit_AllowsBurstThenBlocks(t *testing.T) {
	handler := newTestLimiter(t, 0.001, 3).Middleware()(okHandler)

	for i := 0; i < 3; i++ {
		if code := hit(handler, "192.168.1.1:12345", ""); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, code)
		}
	}
	if code := hit(handler, "192.168.1.1:12345", ""); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}
}

func TestRateLimit_SeparateBucketsPerIP(t *testing.T) {
	handler := newTestLimiter(t, 0.001, 1).Middleware()(okHandler)

	if code := hit(handler, "10.0.0.1:1", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := hit(handler, "10.0.0.2:1", ""); code != http.StatusOK {
		t.Errorf("second IP should have its own bucket, got %d", code)
	}
}

func TestRateLimit_XForwardedForIgnored(t *testing.T) {
	handler := newTestLimiter(t, 0.001, 1).Middleware()(okHandler)

	if code := hit(handler, "10.0.0.1:12345", "203.0.113.50"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := hit(handler, "10.0.0.1:12345", "198.51.100.99"); code != http.StatusTooManyRequests {
		t.Errorf("spoofed X-Forwarded-For must not grant a new bucket, got %d", code)
	}
}

func TestRateLimit_WithMuxRouter(t *testing.T) {
	r := mux.NewRouter()
	r.Use(newTestLimiter(t, 0.001, 1).Middleware())
	r.Handle("/api/notifications", okHandler).Methods(http.MethodGet)

	if code := hit(r, "10.0.0.1:12345", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := hit(r, "10.0.0.1:12345", ""); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
}

func TestRateLimit_SweepForgetsIdleClients(t *testing.T) {
	l := newTestLimiter(t, 1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1")
	now = now.Add(limiterIdleTTL + time.Second)
	l.allow("10.0.0.2")
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.limiters["10.0.0.1"]; ok {
		t.Error("idle client was not swept")
	}
	if _, ok := l.limiters["10.0.0.2"]; !ok {
		t.Error("active client was swept")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{remoteAddr: "192.168.1.1:8080", want: "192.168.1.1"},
		{remoteAddr: "192.168.1.1", want: "192.168.1.1"},
		{remoteAddr: "[::1]:443", want: "::1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
