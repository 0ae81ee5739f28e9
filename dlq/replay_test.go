package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/billing"
	"github.com/latticeforge/gateway/security"
	"github.com/latticeforge/gateway/settlement"
)

type stubSettler struct {
	failUntil int // attempts 1..failUntil fail, later ones succeed
	calls     int
}

func (s *stubSettler) PostRecord(ctx context.Context, rec settlement.Record) error {
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("settlement service unavailable")
	}
	return nil
}

type stubBillingSink struct {
	settled        []string
	finalizeFailed []string
}

func (s *stubBillingSink) MarkSettled(ctx context.Context, id string) (*billing.Entry, error) {
	s.settled = append(s.settled, id)
	return &billing.Entry{BillingEntryID: id, State: billing.StateFinalizeAcked}, nil
}

func (s *stubBillingSink) MarkFinalizeFailed(ctx context.Context, id string) (*billing.Entry, error) {
	s.finalizeFailed = append(s.finalizeFailed, id)
	return &billing.Entry{BillingEntryID: id, State: billing.StateFinalizeFailed}, nil
}

func seedEntry(t *testing.T, s *Store, rid string) {
	t.Helper()
	payload, _ := json.Marshal(settlement.Record{BillingEntryID: rid, UserID: "u1", ActualAmount: 2500})
	if _, err := s.Upsert(context.Background(), Entry{
		ReservationID: rid,
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
		Reason:        "settlement_timeout",
		CreatedAt:     time.Now().UTC(),
		Payload:       payload,
	}, time.Hour); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
}

func TestReplaySettlesAndDeletesEntry(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := New(rdb, zerolog.Nop())
	settler := &stubSettler{failUntil: 0}
	sink := &stubBillingSink{}
	w := NewReplayWorker(store, settler, sink, 5, time.Second, zerolog.Nop())

	seedEntry(t, store, "rsv-ok")
	w.tick(context.Background())

	if len(sink.settled) != 1 || sink.settled[0] != "rsv-ok" {
		t.Fatalf("entry should be marked settled, got %+v", sink.settled)
	}
	ready, err := store.GetReady(context.Background(), time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("settled entry must be deleted from the DLQ, got %+v", ready)
	}
}

func TestReplayBacksOffThenExhaustsToFinalizeFailed(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	store := New(rdb, zerolog.Nop())
	settler := &stubSettler{failUntil: 1000} // never succeeds
	sink := &stubBillingSink{}
	w := NewReplayWorker(store, settler, sink, 5, time.Second, zerolog.Nop())

	seedEntry(t, store, "rsv-bad")

	// The parked entry already counts the first failed settlement as
	// attempt 1. Three failing replay attempts follow: each tick bumps
	// attempt_count and pushes next_attempt_at into the wall-clock future,
	// so the entry is requeued to now before every tick.
	for i := 0; i < 3; i++ {
		_, _ = store.Requeue(context.Background(), "rsv-bad", time.Now().UTC())
		w.tick(context.Background())
		if len(sink.finalizeFailed) != 0 {
			t.Fatalf("must not mark finalize-failed before retries exhaust (tick %d)", i)
		}
	}

	// 5th attempt overall exhausts maxRetries: FINALIZE_FAILED + terminal drop.
	_, _ = store.Requeue(context.Background(), "rsv-bad", time.Now().UTC())
	w.tick(context.Background())

	if len(sink.finalizeFailed) != 1 || sink.finalizeFailed[0] != "rsv-bad" {
		t.Fatalf("want finalize-failed for rsv-bad, got %+v", sink.finalizeFailed)
	}
	if mr.Exists("dlq:entry:rsv-bad") {
		t.Fatal("active payload must be cleared on terminal drop")
	}
	if !mr.Exists("dlq:terminal:rsv-bad") {
		t.Fatal("terminal keyspace must hold the dropped payload for audit")
	}
}

func TestReplaySkipsEntryClaimedByAnotherWorker(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := New(rdb, zerolog.Nop())
	settler := &stubSettler{failUntil: 0}
	sink := &stubBillingSink{}
	w := NewReplayWorker(store, settler, sink, 5, time.Second, zerolog.Nop())

	seedEntry(t, store, "rsv-claimed")
	claimed, err := store.ClaimForReplay(context.Background(), "rsv-claimed")
	if err != nil || !claimed {
		t.Fatalf("precondition claim: %v %v", claimed, err)
	}

	w.tick(context.Background())
	if settler.calls != 0 {
		t.Fatal("a claimed entry must not be replayed by another worker")
	}
}

func TestReplayTerminalDropsCorruptPayload(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	store := New(rdb, zerolog.Nop())
	settler := &stubSettler{failUntil: 0}
	sink := &stubBillingSink{}
	w := NewReplayWorker(store, settler, sink, 5, time.Second, zerolog.Nop())

	if _, err := store.Upsert(context.Background(), Entry{
		ReservationID: "rsv-corrupt",
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
		Reason:        "settlement_timeout",
		CreatedAt:     time.Now().UTC(),
		Payload:       json.RawMessage(`[1,2,3]`),
	}, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w.tick(context.Background())
	if settler.calls != 0 {
		t.Fatal("corrupt payload must not reach the settler")
	}
	if mr.Exists("dlq:entry:rsv-corrupt") {
		t.Fatal("corrupt entry must be terminal-dropped")
	}
}

func TestReplayOpensSealedPayload(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := New(rdb, zerolog.Nop())
	settler := &stubSettler{failUntil: 0}
	sink := &stubBillingSink{}
	sealer, err := security.NewSealer("dlq-at-rest")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	w := NewReplayWorker(store, settler, sink, 5, time.Second, zerolog.Nop()).WithSealer(sealer)

	plaintext, _ := json.Marshal(settlement.Record{BillingEntryID: "rsv-sealed", UserID: "u1", ActualAmount: 2500})
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	payload, _ := json.Marshal(sealed)
	if _, err := store.Upsert(context.Background(), Entry{
		ReservationID: "rsv-sealed",
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
		Reason:        "settlement_timeout",
		CreatedAt:     time.Now().UTC(),
		Payload:       payload,
	}, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w.tick(context.Background())
	if settler.calls != 1 {
		t.Fatalf("sealed payload must be opened and replayed, calls=%d", settler.calls)
	}
	if len(sink.settled) != 1 || sink.settled[0] != "rsv-sealed" {
		t.Fatalf("want rsv-sealed settled, got %+v", sink.settled)
	}
}
