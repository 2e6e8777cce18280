package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             3,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	// Burst budget admits the first three, then rejects.
	for i := 0; i < 3; i++ {
		if allowed, _, _ := rl.Allow("1.2.3.4"); !allowed {
			t.Fatalf("request %d rejected inside burst budget", i)
		}
	}

	if allowed, remaining, _ := rl.Allow("1.2.3.4"); allowed || remaining != 0 {
		t.Errorf("request past burst allowed = %v, remaining = %d", allowed, remaining)
	}

	// Other clients have their own budget.
	if allowed, _, _ := rl.Allow("5.6.7.8"); !allowed {
		t.Error("separate client rejected")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: false})
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		if allowed, _, _ := rl.Allow("1.2.3.4"); !allowed {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             1,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	handler := rl.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:5678"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "60" {
		t.Error("missing X-RateLimit-Limit header")
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
