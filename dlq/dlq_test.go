package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestUpsertInsertsThenIncrementsOnReplay(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	entry := Entry{
		ReservationID: "rsv-1",
		NextAttemptAt: time.Now().Add(-time.Minute),
		Reason:        "settlement_timeout",
		Payload:       json.RawMessage(`{"x":1}`),
	}
	attempt, err := s.Upsert(context.Background(), entry, time.Hour)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if attempt != 1 {
		t.Fatalf("want attempt 1 got %d", attempt)
	}

	attempt, err = s.Upsert(context.Background(), entry, time.Hour)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("want attempt 2 after second upsert got %d", attempt)
	}
}

func TestGetReadyReturnsDueEntries(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	past := Entry{ReservationID: "due", NextAttemptAt: time.Now().Add(-time.Second), Payload: json.RawMessage(`{}`)}
	future := Entry{ReservationID: "not-due", NextAttemptAt: time.Now().Add(time.Hour), Payload: json.RawMessage(`{}`)}
	s.Upsert(context.Background(), past, time.Hour)
	s.Upsert(context.Background(), future, time.Hour)

	ready, err := s.GetReady(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ReservationID != "due" {
		t.Fatalf("expected only 'due' entry, got %+v", ready)
	}
}

func TestOrphanRepairRemovesDanglingScheduleMember(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	entry := Entry{ReservationID: "ghost", NextAttemptAt: time.Now().Add(-time.Second), Payload: json.RawMessage(`{}`)}
	s.Upsert(context.Background(), entry, time.Hour)

	// Simulate TTL expiry of the payload without the schedule member being cleared.
	if existed := mr.Del(entryKey("ghost")); !existed {
		t.Fatal("expected entry key to exist before deletion")
	}

	ready, err := s.GetReady(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected orphan to be excluded, got %+v", ready)
	}

	exists, err := rdb.ZScore(context.Background(), scheduleKey, "ghost").Result()
	if err == nil {
		t.Fatalf("expected schedule member to be repaired away, score=%v", exists)
	}
}

func TestClaimForReplayIsExclusive(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	ok1, err := s.ClaimForReplay(context.Background(), "rsv-2")
	if err != nil || !ok1 {
		t.Fatalf("first claim should succeed: ok=%v err=%v", ok1, err)
	}
	ok2, err := s.ClaimForReplay(context.Background(), "rsv-2")
	if err != nil {
		t.Fatalf("second claim call: %v", err)
	}
	if ok2 {
		t.Fatal("second claim should fail while lock is held")
	}

	if err := s.ReleaseClaim(context.Background(), "rsv-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok3, err := s.ClaimForReplay(context.Background(), "rsv-2")
	if err != nil || !ok3 {
		t.Fatalf("claim after release should succeed: ok=%v err=%v", ok3, err)
	}
}

func TestTerminalDropMovesEntryAndClearsActiveKeys(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	entry := Entry{ReservationID: "rsv-3", NextAttemptAt: time.Now(), Payload: json.RawMessage(`{"a":2}`)}
	s.Upsert(context.Background(), entry, time.Hour)
	s.ClaimForReplay(context.Background(), "rsv-3")

	if err := s.TerminalDrop(context.Background(), "rsv-3"); err != nil {
		t.Fatalf("terminal drop: %v", err)
	}

	if exists := rdb.Exists(context.Background(), entryKey("rsv-3")).Val(); exists != 0 {
		t.Fatal("entry key should be cleared")
	}
	if exists := rdb.Exists(context.Background(), lockKey("rsv-3")).Val(); exists != 0 {
		t.Fatal("lock key should be cleared")
	}
	if exists := rdb.Exists(context.Background(), terminalKey("rsv-3")).Val(); exists != 1 {
		t.Fatal("terminal key should hold the dropped payload")
	}
}

func TestDeleteClearsAllActiveKeys(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	entry := Entry{ReservationID: "rsv-4", NextAttemptAt: time.Now(), Payload: json.RawMessage(`{}`)}
	s.Upsert(context.Background(), entry, time.Hour)

	if err := s.Delete(context.Background(), "rsv-4"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists := rdb.Exists(context.Background(), entryKey("rsv-4")).Val(); exists != 0 {
		t.Fatal("entry key should be gone")
	}
	if score, err := rdb.ZScore(context.Background(), scheduleKey, "rsv-4").Result(); err == nil {
		t.Fatalf("schedule member should be gone, score=%v", score)
	}
}

func TestCheckPersistenceNeverErrors(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := New(rdb, zerolog.Nop())

	// miniredis does not implement CONFIG GET, exercising the
	// check-restricted path that real managed Redis offerings also hit.
	status := s.CheckPersistence(context.Background())
	if status != PersistenceCheckRestricted {
		t.Fatalf("want check-restricted against a store with no CONFIG support, got %s", status)
	}
}
