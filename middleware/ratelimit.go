package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/ratelimit"
)

// RateLimiter is the inbound HTTP rate limiting middleware. Per-key
// decisions are delegated to a ratelimit.Limiter (the same sliding-window
// type the tool-call loop accepts as its Allower, see package ratelimit);
// this instance is private to the middleware and keyed by API key, or by
// remote address when no key is present; httprate.Limit is layered in front as a
// cheap global request-rate circuit breaker against pathological clients
// before a scope is even resolved.
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	rpm     int
	limiter *ratelimit.Limiter
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(logger zerolog.Logger, enabled bool, rpm, burst int) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		enabled: enabled,
		rpm:     rpm,
		limiter: ratelimit.New(logger, rpm, burst),
	}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := GetAPIKey(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		allowed, retryAfter := rl.limiter.Allow(key)
		remaining := rl.limiter.Remaining(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rpm))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			loggedKey := key
			if len(loggedKey) > 8 {
				loggedKey = loggedKey[:8] + "..."
			}
			http.Error(w, fmt.Sprintf(`{"error":"rate_limit_exceeded","message":"Rate limit of %d requests per minute exceeded","retry_after":%d}`,
				rl.rpm, seconds), http.StatusTooManyRequests)
			rl.logger.Warn().Str("key", loggedKey).Int("limit", rl.rpm).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})

	// Global floor: no single remote address may exceed 10x the per-key
	// rpm across all keys combined, catching a botnet spreading requests
	// across many forged API keys before they ever reach the per-key check.
	return httprate.Limit(
		rl.rpm*10,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)(h)
}

// Cleanup removes stale per-scope windows. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.limiter.Cleanup()
}
