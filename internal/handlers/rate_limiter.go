package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const limiterIdleTTL = 10 * time.Minute

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter keeps one token bucket per caller and forgets callers idle for limiterIdleTTL.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedRateLimiter(perMinute, burst int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if now.Sub(l.swept) > limiterIdleTTL {
		l.sweepLocked(now)
	}
	return b.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, key)
		}
	}
	l.swept = now
}

// RateLimitMiddleware throttles callers by authenticated uid, falling back to the client IP.
func RateLimitMiddleware(perMinute, burst int) func(http.Handler) http.Handler {
	return rateLimitMiddleware(newKeyedRateLimiter(perMinute, burst, nil), perMinute)
}

func rateLimitMiddleware(limiter rateLimiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		retryAfter := "60"
		if perMinute > 0 {
			retryAfter = strconv.Itoa(max(1, 60/perMinute))
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(rateLimitKey(r)) {
				w.Header().Set("Retry-After", retryAfter)
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return "uid:" + identity.UID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
