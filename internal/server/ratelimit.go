package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/requestctx"
)

// RateLimiter enforces per-caller and global request rate limits for the
// HTTP API using token buckets via golang.org/x/time/rate.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	callers   map[string]*rate.Limiter
	perCaller rate.Limit
	burst     int
}

// NewRateLimiter creates a rate limiter. globalRPM is the total
// requests/minute across all callers; perCallerRPM is per caller.
func NewRateLimiter(globalRPM, perCallerRPM int) *RateLimiter {
	globalRate := rate.Limit(float64(globalRPM) / 60.0)
	callerRate := rate.Limit(float64(perCallerRPM) / 60.0)
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	callerBurst := perCallerRPM
	if callerBurst < 1 {
		callerBurst = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(globalRate, globalBurst),
		callers:   make(map[string]*rate.Limiter),
		perCaller: callerRate,
		burst:     callerBurst,
	}
}

// Allow checks whether a request from the given caller is allowed.
func (rl *RateLimiter) Allow(caller string) bool {
	if !rl.global.Allow() {
		return false
	}
	rl.mu.Lock()
	limiter, ok := rl.callers[caller]
	if !ok {
		limiter = rate.NewLimiter(rl.perCaller, rl.burst)
		rl.callers[caller] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// RateLimitMiddleware returns a middleware that rejects requests over the
// limit with 429. A nil limiter disables limiting.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := requestctx.Caller(r.Context())
			if !rl.Allow(caller) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
