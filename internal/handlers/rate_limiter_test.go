package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanko-field/checkout/internal/platform/auth"
)

func TestKeyedRateLimiter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(60, 2, func() time.Time { return now })

	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatalf("expected burst of two to be allowed")
	}
	if limiter.Allow("a") {
		t.Fatalf("expected third request to be throttled")
	}
	if !limiter.Allow("b") {
		t.Fatalf("expected independent bucket per key")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("a") {
		t.Fatalf("expected a token to refill after one second")
	}
}

func TestKeyedRateLimiterDisabled(t *testing.T) {
	if newKeyedRateLimiter(0, 10, nil) != nil {
		t.Fatalf("expected nil limiter when rate is zero")
	}
	handler := rateLimitMiddleware(nil, 0)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rr.Code)
	}
}

func TestRateLimitMiddlewareKeysByIdentity(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(30, 1, func() time.Time { return now })
	handler := rateLimitMiddleware(limiter, 30)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(uid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		if uid != "" {
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("user-1"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected first request allowed, got %d", rr.Code)
	}
	rr := send("user-1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rr.Header().Get("Retry-After"))
	}
	if rr := send("user-2"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected other user allowed, got %d", rr.Code)
	}
	if rr := send(""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected anonymous ip bucket allowed, got %d", rr.Code)
	}
}
