package billing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/ledger"
)

func newTestMachine() (*Machine, *ledger.Ledger) {
	l := ledger.New(nil, zerolog.Nop())
	return New(NewMemoryWAL(), l, zerolog.Nop()), l
}

func TestReserveThenCommitHappyPath(t *testing.T) {
	m, l := newTestMachine()
	user := "u1"
	l.AppendEntry(context.Background(), ids.New(), "mint", "c0", ledger.Mint(user, 10_000_000), nil)

	id := ids.New()
	entry, err := m.Reserve(context.Background(), id, "corr-1", user, 3_000_000, 1.0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if entry.State != StateReserveHeld {
		t.Fatalf("want RESERVE_HELD got %s", entry.State)
	}

	entry, err = m.Commit(context.Background(), id, 2_500_000)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if entry.State != StateFinalizePending {
		t.Fatalf("want FINALIZE_PENDING got %s", entry.State)
	}

	entry, err = m.MarkSettled(context.Background(), id)
	if err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	if entry.State != StateFinalizeAcked {
		t.Fatalf("want FINALIZE_ACKED got %s", entry.State)
	}
	if !IsTerminal(entry.State) {
		t.Fatalf("FINALIZE_ACKED must be terminal")
	}

	if got := l.DeriveBalance("system:revenue"); got != 2_500_000 {
		t.Fatalf("revenue: want 2500000 got %d", got)
	}
}

func TestReleasePreStreamFailure(t *testing.T) {
	m, l := newTestMachine()
	user := "u1"
	l.AppendEntry(context.Background(), ids.New(), "mint", "c0", ledger.Mint(user, 5_000_000), nil)

	id := ids.New()
	if _, err := m.Reserve(context.Background(), id, "corr-1", user, 500_000, 1.0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	entry, err := m.Release(context.Background(), id, "stream_failed_before_first_token")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if entry.State != StateReleased {
		t.Fatalf("want RELEASED got %s", entry.State)
	}
	if got := l.DeriveBalance("user:u1:available"); got != 5_000_000 {
		t.Fatalf("available: want 5000000 got %d", got)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, _ := newTestMachine()
	id := ids.New()
	if _, err := m.Reserve(context.Background(), id, "corr-1", "u1", 100, 1.0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// RESERVE_HELD cannot jump straight to FINALIZE_ACKED.
	_, err := m.MarkSettled(context.Background(), id)
	if err == nil {
		t.Fatal("expected BillingStateError")
	}
	if _, ok := err.(*StateError); !ok {
		t.Fatalf("expected *StateError, got %T: %v", err, err)
	}
}

func TestTerminalStateRejectsFurtherTransitions(t *testing.T) {
	m, _ := newTestMachine()
	id := ids.New()
	m.Reserve(context.Background(), id, "corr-1", "u1", 100, 1.0)
	m.Release(context.Background(), id, "cancelled")

	_, err := m.Commit(context.Background(), id, 50)
	if err == nil {
		t.Fatal("expected rejection: RELEASED is terminal")
	}
}

func TestFinalizeFailedRecoveryPaths(t *testing.T) {
	m, _ := newTestMachine()
	id := ids.New()
	m.Reserve(context.Background(), id, "corr-1", "u1", 100, 1.0)
	m.Commit(context.Background(), id, 100)

	if err := m.MarkSettlementFailed(context.Background(), id, errFakeNetwork{}); err != nil {
		t.Fatalf("mark settlement failed: %v", err)
	}
	entry, err := m.MarkFinalizeFailed(context.Background(), id)
	if err != nil {
		t.Fatalf("mark finalize failed: %v", err)
	}
	if entry.State != StateFinalizeFailed {
		t.Fatalf("want FINALIZE_FAILED got %s", entry.State)
	}

	// Operator resolves it manually.
	entry, err = m.ManualFinalize(context.Background(), id, "ops@example.com")
	if err != nil {
		t.Fatalf("manual finalize: %v", err)
	}
	if entry.State != StateFinalizeAcked {
		t.Fatalf("want FINALIZE_ACKED got %s", entry.State)
	}
}

func TestVoidFailedDropsEntry(t *testing.T) {
	m, _ := newTestMachine()
	id := ids.New()
	m.Reserve(context.Background(), id, "corr-1", "u1", 100, 1.0)
	m.Commit(context.Background(), id, 100)
	m.MarkFinalizeFailed(context.Background(), id)

	entry, err := m.VoidFailed(context.Background(), id, "ops@example.com", "settlement service permanently removed account")
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if entry.State != StateVoided {
		t.Fatalf("want VOIDED got %s", entry.State)
	}
}

func TestAdminMarkCommittedThenVoidCommitted(t *testing.T) {
	m, l := newTestMachine()
	user := "u1"
	l.AppendEntry(context.Background(), ids.New(), "mint", "c0", ledger.Mint(user, 10_000_000), nil)

	id := ids.New()
	entry, err := m.AdminMarkCommitted(context.Background(), id, "corr-backfill", user, 1_000_000, 1_000_000, "ops@example.com")
	if err != nil {
		t.Fatalf("admin mark committed: %v", err)
	}
	if entry.State != StateCommitted {
		t.Fatalf("want COMMITTED got %s", entry.State)
	}

	entry, err = m.VoidCommitted(context.Background(), id, "ops@example.com", "backfill was erroneous")
	if err != nil {
		t.Fatalf("void committed: %v", err)
	}
	if entry.State != StateVoided {
		t.Fatalf("want VOIDED got %s", entry.State)
	}
	if got := l.DeriveBalance("system:revenue"); got != 0 {
		t.Fatalf("revenue should net back to 0 after void, got %d", got)
	}
}

func TestReplayReconstructsState(t *testing.T) {
	wal := NewMemoryWAL()
	l := ledgerForReplayTest()
	m1 := New(wal, l, zerolog.Nop())
	id := ids.New()
	m1.Reserve(context.Background(), id, "corr-1", "u1", 500, 1.0)
	m1.Commit(context.Background(), id, 400)

	m2 := New(wal, l, zerolog.Nop())
	if err := m2.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	entry, ok := m2.Get(id)
	if !ok {
		t.Fatal("replay did not reconstruct entry")
	}
	if entry.State != StateFinalizePending {
		t.Fatalf("want FINALIZE_PENDING got %s", entry.State)
	}
	if entry.ActualAmount != 400 {
		t.Fatalf("want actual 400 got %d", entry.ActualAmount)
	}
}

func ledgerForReplayTest() *ledger.Ledger {
	l := ledger.New(nil, zerolog.Nop())
	l.AppendEntry(context.Background(), ids.New(), "mint", "c0", ledger.Mint("u1", 10_000), nil)
	return l
}

type errFakeNetwork struct{}

func (errFakeNetwork) Error() string { return "settlement endpoint unreachable" }
