package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// okHandler is a simple handler that returns 200 OK.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

func newLimited(t *testing.T, rps float64, burst int) (*RateLimiter, http.Handler) {
	t.Helper()
	rl := NewRateLimiter(rps, burst, zap.NewNop())
	t.Cleanup(rl.Stop)
	return rl, rl.Middleware()(okHandler)
}

func serve(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	_, handler := newLimited(t, 10, 5)

	for i := 0; i < 5; i++ {
		if rr := serve(handler, "192.168.1.1:12345"); rr.Code != http.StatusOK {
			t.Errorf("request %d: expected status 200, got %d", i+1, rr.Code)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	_, handler := newLimited(t, 1, 2)

	for i := 0; i < 2; i++ {
		if rr := serve(handler, "10.0.0.1:12345"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := serve(handler, "10.0.0.1:12345")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("expected error 'rate limit exceeded', got %q", body["error"])
	}
}

func TestRateLimiter_SeparateLimitersPerIP(t *testing.T) {
	rl, handler := newLimited(t, 1, 1)

	if rr := serve(handler, "10.0.0.1:12345"); rr.Code != http.StatusOK {
		t.Fatalf("first IP: expected 200, got %d", rr.Code)
	}
	if rr := serve(handler, "10.0.0.1:12345"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("first IP: expected 429, got %d", rr.Code)
	}
	if rr := serve(handler, "10.0.0.2:12345"); rr.Code != http.StatusOK {
		t.Fatalf("second IP: expected 200, got %d", rr.Code)
	}
	if rl.Len() != 2 {
		t.Errorf("expected 2 tracked IPs, got %d", rl.Len())
	}
}

func TestRateLimiter_EvictsStaleVisitors(t *testing.T) {
	rl, _ := newLimited(t, 1, 1)
	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	rl.evict(time.Now())
	if rl.Len() != 2 {
		t.Fatalf("fresh visitors should be kept, got %d", rl.Len())
	}

	rl.evict(time.Now().Add(limiterTTL + time.Second))
	if rl.Len() != 0 {
		t.Errorf("stale visitors should be evicted, got %d", rl.Len())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, zap.NewNop())
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_WithMuxRouter(t *testing.T) {
	rl := NewRateLimiter(1, 1, zap.NewNop())
	defer rl.Stop()

	r := mux.NewRouter()
	limited := r.PathPrefix("/ws").Subrouter()
	limited.Use(rl.Middleware())
	limited.Handle("", okHandler)
	r.Handle("/healthz", okHandler)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.9:1"
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("unlimited route: expected 200, got %d", rr.Code)
		}
	}

	if rr := serve(r, "10.0.0.9:1"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := serve(r, "10.0.0.9:1"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"remote addr", "", "192.168.1.100:54321", "192.168.1.100"},
		{"forwarded single", "203.0.113.50", "10.0.0.1:1234", "203.0.113.50"},
		{"forwarded chain", "203.0.113.50, 70.41.3.18", "10.0.0.1:1234", "203.0.113.50"},
		{"no port", "", "192.168.1.100", "192.168.1.100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/realtime/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin to be echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/realtime/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin must not be allowed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/realtime/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Errorf("preflight should be answered without calling the handler, got %d %q", rr.Code, rr.Body.String())
	}
}
