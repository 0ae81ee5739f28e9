// Package ratelimit repackages the gateway's in-memory sliding-window
// limiter (middleware.RateLimiter) as a non-HTTP Allower the router's
// tool-call loop can consult per iteration, without an http.Handler shell
// around it. The HTTP-facing limiter stays a thin adapter over the same
// windows so the two call sites never drift.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Allower reports whether scope may proceed right now, and if not, how
// long until it may.
type Allower interface {
	Allow(scope string) (allowed bool, retryAfter time.Duration)
}

type slidingWindow struct {
	tokens    []time.Time
	lastClean time.Time
}

// Limiter is a per-scope sliding window limiter. Safe for concurrent use.
// One instance can back both an HTTP middleware (keyed by API key or
// remote addr) and the tool-call loop (keyed by trace id or tenant/agent
// pair) simultaneously, since scopes are just arbitrary strings.
type Limiter struct {
	log zerolog.Logger

	rpm   int
	burst int

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// New constructs a Limiter allowing rpm requests per rolling minute per
// scope, with burst extra slack tokens.
func New(log zerolog.Logger, rpm, burst int) *Limiter {
	return &Limiter{
		log:     log.With().Str("component", "ratelimit").Logger(),
		rpm:     rpm,
		burst:   burst,
		windows: make(map[string]*slidingWindow),
	}
}

// Allow implements Allower.
func (l *Limiter) Allow(scope string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-time.Minute)

	sw, ok := l.windows[scope]
	if !ok {
		sw = &slidingWindow{tokens: make([]time.Time, 0, l.rpm), lastClean: now}
		l.windows[scope] = sw
	}

	if now.Sub(sw.lastClean) > 10*time.Second {
		valid := sw.tokens[:0]
		for _, t := range sw.tokens {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		sw.tokens = valid
		sw.lastClean = now
	}

	count := 0
	for _, t := range sw.tokens {
		if t.After(windowStart) {
			count++
		}
	}

	limit := l.rpm + l.burst
	if count >= limit {
		retryAfter := time.Minute
		if len(sw.tokens) > 0 {
			retryAfter = time.Until(sw.tokens[0].Add(time.Minute))
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return false, retryAfter
	}

	sw.tokens = append(sw.tokens, now)
	return true, 0
}

// Remaining reports how many requests scope has left in the current
// window, for surfacing X-RateLimit-Remaining-style diagnostics.
func (l *Limiter) Remaining(scope string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	sw, ok := l.windows[scope]
	if !ok {
		return l.rpm + l.burst
	}
	windowStart := time.Now().Add(-time.Minute)
	count := 0
	for _, t := range sw.tokens {
		if t.After(windowStart) {
			count++
		}
	}
	remaining := l.rpm + l.burst - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Cleanup evicts scopes that have gone idle, bounding memory growth for a
// long-lived limiter with a high-cardinality scope key (e.g. trace ids).
// Intended to be called periodically from a background goroutine.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-2 * time.Minute)
	for scope, sw := range l.windows {
		if len(sw.tokens) == 0 || sw.tokens[len(sw.tokens)-1].Before(cutoff) {
			delete(l.windows, scope)
		}
	}
}
