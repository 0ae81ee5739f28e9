package breaker

import (
	"testing"
	"time"
)

func TestLedgerGuardStartsHealthy(t *testing.T) {
	g := NewLedgerGuard()
	if g.IsBudgetCircuitOpen(10 * time.Millisecond) {
		t.Fatal("fresh guard should not report the circuit open")
	}
	if g.FailingFor() != 0 {
		t.Fatalf("fresh guard should report zero failing duration, got %s", g.FailingFor())
	}
}

func TestLedgerGuardOpensAfterUnknownWindow(t *testing.T) {
	g := NewLedgerGuard()
	g.RecordWriteFailure()
	if g.IsBudgetCircuitOpen(time.Minute) {
		t.Fatal("window not yet elapsed, circuit should still be closed")
	}
	time.Sleep(15 * time.Millisecond)
	if !g.IsBudgetCircuitOpen(10 * time.Millisecond) {
		t.Fatal("circuit should open once failures outlast the window")
	}
	if g.FailingFor() <= 0 {
		t.Fatal("FailingFor should be positive while failing")
	}
}

func TestLedgerGuardRepeatFailuresDoNotResetWindow(t *testing.T) {
	g := NewLedgerGuard()
	g.RecordWriteFailure()
	time.Sleep(15 * time.Millisecond)
	g.RecordWriteFailure() // must not push failingSince forward
	if !g.IsBudgetCircuitOpen(10 * time.Millisecond) {
		t.Fatal("a repeat failure must not restart the unknown window")
	}
}

func TestLedgerGuardSuccessCloses(t *testing.T) {
	g := NewLedgerGuard()
	g.RecordWriteFailure()
	time.Sleep(15 * time.Millisecond)
	if !g.IsBudgetCircuitOpen(10 * time.Millisecond) {
		t.Fatal("precondition: circuit open")
	}
	g.RecordWriteSuccess()
	if g.IsBudgetCircuitOpen(10 * time.Millisecond) {
		t.Fatal("a successful write must close the circuit immediately")
	}
}

func TestPendingReconciliationGuardTripsBreaker(t *testing.T) {
	b := New(Config{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Minute})
	if b.IsPendingReconciliationExceeded(100, 100) {
		t.Fatal("pending == max must not trip")
	}
	if b.State() != StateClosed {
		t.Fatalf("want CLOSED got %s", b.State())
	}
	if !b.IsPendingReconciliationExceeded(101, 100) {
		t.Fatal("pending > max must trip")
	}
	if b.State() != StateOpen {
		t.Fatalf("want OPEN after guard trips got %s", b.State())
	}
	if allowed, _ := b.Allow(); allowed {
		t.Fatal("tripped breaker must reject requests")
	}
}

func TestPendingReconciliationGuardDisabledWhenMaxZero(t *testing.T) {
	b := New(Config{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Minute})
	if b.IsPendingReconciliationExceeded(1_000_000, 0) {
		t.Fatal("maxPending <= 0 disables the guard")
	}
	if b.State() != StateClosed {
		t.Fatalf("want CLOSED got %s", b.State())
	}
}
