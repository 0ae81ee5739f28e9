package ledger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/wireformat"
)

func newTestLedger() *Ledger {
	return New(nil, zerolog.Nop())
}

func TestAppendEntryRejectsNonZeroSum(t *testing.T) {
	l := newTestLedger()
	id := ids.New()
	_, err := l.AppendEntry(context.Background(), id, "mint", "corr-1", []Posting{
		{Account: "user:u1:available", Delta: 100, Denom: Denom},
		{Account: "system:revenue", Delta: -50, Denom: Denom}, // does not cancel
	}, nil)
	if err == nil {
		t.Fatal("expected zero-sum rejection")
	}
	var lerr *Error
	if e, ok := err.(*Error); ok {
		lerr = e
	} else {
		t.Fatalf("expected *ledger.Error, got %T", err)
	}
	if lerr.BillingEntryID != id {
		t.Fatalf("error missing billing entry id")
	}
}

func TestAppendEntryRejectsEmptyPostings(t *testing.T) {
	l := newTestLedger()
	_, err := l.AppendEntry(context.Background(), ids.New(), "mint", "corr-1", nil, nil)
	if err == nil {
		t.Fatal("expected rejection of empty postings")
	}
}

func TestAppendEntryRejectsInvalidID(t *testing.T) {
	l := newTestLedger()
	_, err := l.AppendEntry(context.Background(), "not-a-ulid", "mint", "corr-1", Mint("u1", 100), nil)
	if err == nil {
		t.Fatal("expected rejection of malformed id")
	}
}

func TestMintReserveCommitSettlesBalances(t *testing.T) {
	l := newTestLedger()
	user := "u1"

	mintID := ids.New()
	if _, err := l.AppendEntry(context.Background(), mintID, "mint", "corr-mint", Mint(user, 10_000_000), nil); err != nil {
		t.Fatalf("mint: %v", err)
	}

	reserveID := ids.New()
	if _, err := l.AppendEntry(context.Background(), reserveID, "reserve", "corr-1", Reserve(user, 3_000_000), nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	commitID := reserveID // same billing entry, different event
	if _, err := l.AppendEntry(context.Background(), commitID, "commit", "corr-1", Commit(user, 3_000_000, 2_500_000), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balances := l.DeriveAllBalances()
	if got := balances[userAvailable(user)]; got != 7_500_000 {
		t.Fatalf("available: want 7500000 got %d", got)
	}
	if got := balances[userHeld(user)]; got != 0 {
		t.Fatalf("held: want 0 got %d", got)
	}
	if got := balances["system:revenue"]; got != 2_500_000 {
		t.Fatalf("revenue: want 2500000 got %d", got)
	}
}

func TestReleaseAfterPreStreamFailureRestoresAvailable(t *testing.T) {
	l := newTestLedger()
	user := "u1"

	if _, err := l.AppendEntry(context.Background(), ids.New(), "mint", "corr-mint", Mint(user, 5_000_000), nil); err != nil {
		t.Fatalf("mint: %v", err)
	}

	reserveID := ids.New()
	if _, err := l.AppendEntry(context.Background(), reserveID, "reserve", "corr-1", Reserve(user, 500_000), nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.AppendEntry(context.Background(), reserveID, "release", "corr-1", Release(user, 500_000), nil); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := l.DeriveBalance(userAvailable(user)); got != 5_000_000 {
		t.Fatalf("available: want 5000000 got %d", got)
	}
	if got := l.DeriveBalance(userHeld(user)); got != 0 {
		t.Fatalf("held: want 0 got %d", got)
	}
}

func TestReplayIsNoOp(t *testing.T) {
	l := newTestLedger()
	user := "u1"
	id := ids.New()

	if _, err := l.AppendEntry(context.Background(), id, "mint", "corr-1", Mint(user, 1_000_000), nil); err != nil {
		t.Fatalf("first append: %v", err)
	}
	countBefore := l.EntryCount()
	balBefore := l.DeriveAllBalances()

	if _, err := l.AppendEntry(context.Background(), id, "mint", "corr-1", Mint(user, 1_000_000), nil); err != nil {
		t.Fatalf("replay append: %v", err)
	}

	if l.EntryCount() != countBefore {
		t.Fatalf("replay changed entry count: %d != %d", l.EntryCount(), countBefore)
	}
	balAfter := l.DeriveAllBalances()
	for k, v := range balBefore {
		if balAfter[k] != v {
			t.Fatalf("replay changed balance for %s: %d != %d", k, balAfter[k], v)
		}
	}
}

func TestReplayEntireLogReproducesBalances(t *testing.T) {
	l := newTestLedger()
	user := "u1"
	l.AppendEntry(context.Background(), ids.New(), "mint", "c1", Mint(user, 10_000_000), nil)
	rid := ids.New()
	l.AppendEntry(context.Background(), rid, "reserve", "c2", Reserve(user, 1_000_000), nil)
	l.AppendEntry(context.Background(), rid, "commit", "c2", Commit(user, 1_000_000, 800_000), nil)

	entries := l.Entries()
	replay := newTestLedger()
	for _, e := range entries {
		if _, err := replay.AppendEntry(context.Background(), e.BillingEntryID, e.EventType, e.CorrelationID, e.Postings, e.ExchangeRate); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	want := l.DeriveAllBalances()
	got := replay.DeriveAllBalances()
	if len(want) != len(got) {
		t.Fatalf("balance map size mismatch")
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("balance mismatch for %s: want %d got %d", k, v, got[k])
		}
	}
}

func TestPostingFactoriesSumToZero(t *testing.T) {
	u := "u1"
	sets := [][]Posting{
		Mint(u, 1234),
		Reserve(u, 1234),
		Commit(u, 1234, 999),
		Release(u, 1234),
		Void(u, 1234, 999),
	}
	for _, postings := range sets {
		var sum int64
		for _, p := range postings {
			sum += int64(p.Delta)
		}
		if sum != 0 {
			t.Fatalf("postings do not sum to zero: %+v", postings)
		}
	}
}

func TestMicroUSDNeverFloat(t *testing.T) {
	// Compile-time-ish guard: Delta must be the integer MicroUSD type.
	var p Posting
	var _ wireformat.MicroUSD = p.Delta
}
