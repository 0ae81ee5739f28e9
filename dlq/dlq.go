// Package dlq implements the durable dead-letter queue: the retry store
// for billing entries whose external settlement keeps failing. Every
// multi-key mutation (upsert, delete, increment-attempt, terminal-drop) is
// a single Lua script executed atomically against Redis, so a crash or a
// competing worker can never observe a half-applied retry-queue mutation.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Entry is one dead-letter record.
type Entry struct {
	ReservationID  string          `json:"reservation_id"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	Reason         string          `json:"reason"`
	ResponseStatus int             `json:"response_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
}

// PersistenceStatus is the result of the startup durability self-check.
type PersistenceStatus string

const (
	PersistenceVerified        PersistenceStatus = "verified"
	PersistenceNotEnabled      PersistenceStatus = "not-enabled"
	PersistenceCheckRestricted PersistenceStatus = "check-restricted"
)

func entryKey(rid string) string    { return "dlq:entry:" + rid }
func lockKey(rid string) string     { return "dlq:lock:" + rid }
func terminalKey(rid string) string { return "dlq:terminal:" + rid }

const scheduleKey = "dlq:schedule"

const lockTTL = 60 * time.Second
const terminalTTL = 7 * 24 * time.Hour

// upsertScript: KEYS[1]=entry, KEYS[2]=schedule; ARGV[1]=rid, ARGV[2]=payload json,
// ARGV[3]=reason, ARGV[4]=response_status, ARGV[5]=next_attempt_at_ms, ARGV[6]=entry_ttl_seconds,
// ARGV[7]=next_attempt_at as RFC 3339 text (the form Entry.NextAttemptAt decodes from).
const upsertScript = `
local existing = redis.call('GET', KEYS[1])
local attempt = 1
if existing then
	local decoded = cjson.decode(existing)
	attempt = (decoded.attempt_count or 0) + 1
	decoded.attempt_count = attempt
	decoded.reason = ARGV[3]
	decoded.response_status = tonumber(ARGV[4])
	decoded.next_attempt_at = ARGV[7]
	redis.call('SET', KEYS[1], cjson.encode(decoded), 'EX', tonumber(ARGV[6]))
else
	redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[6]))
end
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
return attempt
`

// deleteScript: KEYS[1]=entry, KEYS[2]=schedule, KEYS[3]=lock; ARGV[1]=rid.
const deleteScript = `
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`

// incrementAttemptScript: KEYS[1]=entry, KEYS[2]=schedule; ARGV[1]=rid,
// ARGV[2]=next_attempt_at_ms (string score), ARGV[3]=entry_ttl_seconds,
// ARGV[4]=next_attempt_at as RFC 3339 text.
const incrementAttemptScript = `
local existing = redis.call('GET', KEYS[1])
if not existing then
	return -1
end
local decoded = cjson.decode(existing)
decoded.attempt_count = (decoded.attempt_count or 0) + 1
decoded.next_attempt_at = ARGV[4]
redis.call('SET', KEYS[1], cjson.encode(decoded), 'EX', tonumber(ARGV[3]))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return decoded.attempt_count
`

// terminalDropScript: KEYS[1]=entry, KEYS[2]=schedule, KEYS[3]=lock, KEYS[4]=terminal;
// ARGV[1]=rid, ARGV[2]=terminal_ttl_seconds.
const terminalDropScript = `
local existing = redis.call('GET', KEYS[1])
if existing then
	redis.call('SET', KEYS[4], existing, 'EX', tonumber(ARGV[2]))
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`

// Store is the Redis-backed DLQ.
type Store struct {
	rdb *redis.Client
	log zerolog.Logger

	upsert           *redis.Script
	delete           *redis.Script
	incrementAttempt *redis.Script
	terminalDrop     *redis.Script
}

// New constructs a Store.
func New(rdb *redis.Client, log zerolog.Logger) *Store {
	return &Store{
		rdb:              rdb,
		log:              log.With().Str("component", "dlq").Logger(),
		upsert:           redis.NewScript(upsertScript),
		delete:           redis.NewScript(deleteScript),
		incrementAttempt: redis.NewScript(incrementAttemptScript),
		terminalDrop:     redis.NewScript(terminalDropScript),
	}
}

// Upsert inserts a new entry or, if one already exists for this
// reservation id, bumps its attempt_count and refreshes reason/status/
// next_attempt_at. Returns the attempt count after the write.
func (s *Store) Upsert(ctx context.Context, e Entry, ttl time.Duration) (int, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.AttemptCount = 1 // the insert path stores this record as-is and reports attempt 1
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("dlq: marshal entry: %w", err)
	}
	nextMs := e.NextAttemptAt.UnixMilli()
	res, err := s.upsert.Run(ctx, s.rdb,
		[]string{entryKey(e.ReservationID), scheduleKey},
		e.ReservationID, string(payload), e.Reason, e.ResponseStatus, nextMs, int64(ttl.Seconds()),
		e.NextAttemptAt.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: upsert: %w", err)
	}
	attempt, _ := res.(int64)
	return int(attempt), nil
}

// Delete removes an entry's payload, schedule member, and lock atomically.
// Used once settlement finally succeeds.
func (s *Store) Delete(ctx context.Context, rid string) error {
	_, err := s.delete.Run(ctx, s.rdb,
		[]string{entryKey(rid), scheduleKey, lockKey(rid)}, rid,
	).Result()
	if err != nil {
		return fmt.Errorf("dlq: delete: %w", err)
	}
	return nil
}

// IncrementAttempt bumps attempt_count and reschedules an existing entry.
// Returns the new attempt count, or -1 if the entry no longer exists
// (the caller should treat this as an orphan and stop retrying).
func (s *Store) IncrementAttempt(ctx context.Context, rid string, nextAttemptAt time.Time, ttl time.Duration) (int, error) {
	res, err := s.incrementAttempt.Run(ctx, s.rdb,
		[]string{entryKey(rid), scheduleKey}, rid, nextAttemptAt.UnixMilli(), int64(ttl.Seconds()),
		nextAttemptAt.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: increment attempt: %w", err)
	}
	attempt, _ := res.(int64)
	return int(attempt), nil
}

// TerminalDrop moves an entry to the 7-day audit keyspace and clears its
// active keys. Called once retries are exhausted.
func (s *Store) TerminalDrop(ctx context.Context, rid string) error {
	_, err := s.terminalDrop.Run(ctx, s.rdb,
		[]string{entryKey(rid), scheduleKey, lockKey(rid), terminalKey(rid)}, rid, int64(terminalTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("dlq: terminal drop: %w", err)
	}
	return nil
}

// GetReady returns up to limit reservation ids whose next_attempt_at has
// elapsed, performing orphan repair inline: any id whose payload is
// missing (TTL expired without a matching schedule removal) has its
// schedule member atomically removed and is excluded from the result.
func (s *Store) GetReady(ctx context.Context, now time.Time, limit int64) ([]Entry, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: get ready: %w", err)
	}

	out := make([]Entry, 0, len(ids))
	for _, rid := range ids {
		raw, err := s.rdb.Get(ctx, entryKey(rid)).Result()
		if err == redis.Nil {
			if rmErr := s.rdb.ZRem(ctx, scheduleKey, rid).Err(); rmErr != nil {
				s.log.Error().Err(rmErr).Str("reservation_id", rid).Msg("orphan repair: failed to remove stale schedule member")
				continue
			}
			s.log.Warn().Str("reservation_id", rid).Msg("dlq orphan repaired: schedule member had no payload")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dlq: read entry %s: %w", rid, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Error().Err(err).Str("reservation_id", rid).Msg("dlq entry payload corrupt, skipping")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ListScheduled returns up to limit entries in schedule order regardless
// of whether they are due yet. Operator tooling uses this; the replay
// worker itself only ever looks at GetReady.
func (s *Store) ListScheduled(ctx context.Context, limit int64) ([]Entry, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: list scheduled: %w", err)
	}
	out := make([]Entry, 0, len(ids))
	for _, rid := range ids {
		raw, err := s.rdb.Get(ctx, entryKey(rid)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dlq: read entry %s: %w", rid, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Error().Err(err).Str("reservation_id", rid).Msg("dlq entry payload corrupt, skipping")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Requeue moves an existing entry's next attempt to at without touching
// its attempt count. Returns false if no payload exists for rid.
func (s *Store) Requeue(ctx context.Context, rid string, at time.Time) (bool, error) {
	exists, err := s.rdb.Exists(ctx, entryKey(rid)).Result()
	if err != nil {
		return false, fmt.Errorf("dlq: requeue: %w", err)
	}
	if exists == 0 {
		return false, nil
	}
	if err := s.rdb.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(at.UnixMilli()), Member: rid}).Err(); err != nil {
		return false, fmt.Errorf("dlq: requeue: %w", err)
	}
	return true, nil
}

// RecoverStaleLocks deletes every replay claim lock. Safe only when no
// replay workers are running — i.e. during the startup sequence, where a
// crashed predecessor's locks would otherwise delay replay by up to the
// lock TTL.
func (s *Store) RecoverStaleLocks(ctx context.Context) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "dlq:lock:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("dlq: recover stale locks: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("dlq: recover stale locks: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// ReconcileOrphans walks the full schedule and removes members whose
// payload has expired. GetReady repairs these lazily as they come due;
// the startup sequence calls this once so the schedule starts clean.
func (s *Store) ReconcileOrphans(ctx context.Context) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: reconcile orphans: %w", err)
	}
	repaired := 0
	for _, rid := range ids {
		exists, err := s.rdb.Exists(ctx, entryKey(rid)).Result()
		if err != nil {
			return repaired, fmt.Errorf("dlq: reconcile orphans: %w", err)
		}
		if exists == 0 {
			if err := s.rdb.ZRem(ctx, scheduleKey, rid).Err(); err != nil {
				return repaired, fmt.Errorf("dlq: reconcile orphans: %w", err)
			}
			s.log.Warn().Str("reservation_id", rid).Msg("dlq orphan reconciled at startup")
			repaired++
		}
	}
	return repaired, nil
}

// ClaimForReplay attempts to take the replay lock for rid using NX
// semantics. ok is false if another worker already holds the claim.
func (s *Store) ClaimForReplay(ctx context.Context, rid string) (ok bool, err error) {
	ok, err = s.rdb.SetNX(ctx, lockKey(rid), time.Now().UTC().Format(time.RFC3339Nano), lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dlq: claim: %w", err)
	}
	return ok, nil
}

// ReleaseClaim releases the replay lock, idempotently.
func (s *Store) ReleaseClaim(ctx context.Context, rid string) error {
	if err := s.rdb.Del(ctx, lockKey(rid)).Err(); err != nil {
		return fmt.Errorf("dlq: release claim: %w", err)
	}
	return nil
}

// CheckPersistence asks the backing store whether append-only durability
// is enabled. Never returns an error to the caller — some managed Redis
// offerings forbid introspecting this and the self-check must not become
// a startup failure.
func (s *Store) CheckPersistence(ctx context.Context) PersistenceStatus {
	res, err := s.rdb.ConfigGet(ctx, "appendonly").Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("dlq persistence self-check restricted by backing store")
		return PersistenceCheckRestricted
	}
	val, ok := res["appendonly"]
	if !ok {
		return PersistenceCheckRestricted
	}
	if val == "yes" {
		return PersistenceVerified
	}
	return PersistenceNotEnabled
}
