package breaker

import (
	"sync"
	"time"
)

// LedgerGuard tracks the health of the ledger write path separately from
// the per-target request breakers. The Router consults it before every
// dispatch and between tool-loop iterations: if ledger writes have been
// failing for longer than the caller's max-unknown window, new spend is
// refused outright, because the system can no longer prove that a
// reservation it accepts will actually be held anywhere durable.
type LedgerGuard struct {
	mu           sync.Mutex
	failingSince time.Time // zero while the write path is healthy
	lastSuccess  time.Time
}

// NewLedgerGuard constructs a guard that starts healthy.
func NewLedgerGuard() *LedgerGuard {
	return &LedgerGuard{lastSuccess: time.Now()}
}

// RecordWriteSuccess marks the ledger write path healthy again.
func (g *LedgerGuard) RecordWriteSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failingSince = time.Time{}
	g.lastSuccess = time.Now()
}

// RecordWriteFailure marks a failed ledger write. The first failure after
// a healthy stretch starts the unknown window; repeats do not reset it.
func (g *LedgerGuard) RecordWriteFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failingSince.IsZero() {
		g.failingSince = time.Now()
	}
}

// IsBudgetCircuitOpen reports whether the ledger write path has been
// failing for longer than maxUnknownWindow. While the window has not yet
// elapsed, in-flight failures are tolerated (the next write may succeed);
// once it has, every new dispatch must be refused until a write succeeds.
func (g *LedgerGuard) IsBudgetCircuitOpen(maxUnknownWindow time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failingSince.IsZero() {
		return false
	}
	return time.Since(g.failingSince) >= maxUnknownWindow
}

// FailingFor returns how long the write path has been failing, zero if
// healthy. Exposed for the startup report and /health detail.
func (g *LedgerGuard) FailingFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failingSince.IsZero() {
		return 0
	}
	return time.Since(g.failingSince)
}

// IsPendingReconciliationExceeded force-opens the breaker when the number
// of entries stuck in FINALIZE_PENDING passes maxPending. A backlog that
// large means the settlement path is not draining; tripping the circuit
// stops new reservations from piling more entries onto it. Returns true
// when the guard tripped (or the breaker was already OPEN for this
// reason); the breaker recovers through its normal cooldown + probe path.
func (b *Breaker) IsPendingReconciliationExceeded(pending, maxPending int) bool {
	if maxPending <= 0 || pending <= maxPending {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.failures = nil
	}
	return true
}
