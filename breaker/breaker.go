// Package breaker implements a three-state circuit breaker per pool/model
// target: CLOSED/OPEN/HALF_OPEN with single-probe half-open semantics —
// once the cooldown elapses, exactly one caller is let through to test
// recovery while everyone else still sees OPEN.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit positions.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes one breaker instance.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker from CLOSED to OPEN.
	FailureThreshold int
	// Window is the sliding duration over which failures are counted.
	Window time.Duration
	// Cooldown is how long the breaker stays OPEN before allowing a single
	// HALF_OPEN probe.
	Cooldown time.Duration
}

type failureRecord struct {
	at time.Time
}

// Breaker tracks one circuit. Safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state        State
	failures     []failureRecord
	openedAt     time.Time
	probeInFlight bool
}

// New constructs a Breaker starting CLOSED.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a request may proceed, and if so, whether this
// particular call is the designated HALF_OPEN probe (the caller must
// report its outcome via RecordSuccess/RecordFailure so the breaker can
// close or re-open).
func (b *Breaker) Allow() (allowed bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false, false
		}
		if b.probeInFlight {
			return false, false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true, true
	case StateHalfOpen:
		return false, false
	default:
		return false, false
	}
}

// RecordSuccess reports a successful call. In HALF_OPEN this closes the
// breaker and clears the failure window; in CLOSED it is a no-op beyond
// pruning the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = nil
		b.probeInFlight = false
	case StateClosed:
		b.pruneLocked(time.Now())
	}
}

// RecordFailure reports a failed call. In HALF_OPEN this immediately
// re-opens the breaker (the probe failed recovery) and resets the
// cooldown clock. In CLOSED it appends to the sliding window and trips to
// OPEN once FailureThreshold failures fall inside Window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
		b.failures = nil
	case StateClosed:
		b.pruneLocked(now)
		b.failures = append(b.failures, failureRecord{at: now})
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.failures = nil
		}
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per named target (pool id, model alias, or
// provider id), creating them lazily with a shared Config.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = New(r.cfg)
		r.breakers[target] = b
	}
	return b
}
