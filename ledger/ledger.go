// Package ledger implements the gateway's double-entry accounting log.
//
// The Ledger is the system's accounting truth ("Ledger as
// value, not state"): balances are never stored, only ever derived by
// folding the append-only entry log. Every appended entry's postings must
// sum to exactly zero per denomination — appendEntry enforces this and
// refuses anything else.
//
// Storage is two-tier: Postgres is the durable store of record when
// configured, and an in-memory log backs deriveBalance for tests and for
// durable-store-less deployments. There is deliberately no Redis
// projection of account balances anywhere in this package — balances must
// never diverge from a pure fold of the log.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/wireformat"
)

// Denom is the only denomination the ledger currently posts in.
const Denom = "USD"

// Posting is one side of a double-entry movement.
type Posting struct {
	Account string              `json:"account"`
	Delta   wireformat.MicroUSD `json:"delta"`
	Denom   string              `json:"denom"`
}

// LedgerEntry is one append-only accounting event.
type LedgerEntry struct {
	BillingEntryID string              `json:"billing_entry_id"`
	EventType      string              `json:"event_type"`
	CorrelationID  string              `json:"correlation_id"`
	Postings       []Posting           `json:"postings"`
	ExchangeRate   *float64            `json:"exchange_rate,omitempty"`
	WALOffset      int64               `json:"wal_offset"`
	Timestamp      time.Time           `json:"timestamp"`
}

func (e *LedgerEntry) dedupeKey() string {
	return e.BillingEntryID + "|" + e.EventType
}

// Error is raised on a zero-sum violation or other accounting-integrity
// failure. It is always fatal to the request that triggered it — never
// silent.
type Error struct {
	BillingEntryID string
	Reason         string
	Postings       []Posting
}

func (e *Error) Error() string {
	return fmt.Sprintf("LedgerError: entry %s rejected: %s", e.BillingEntryID, e.Reason)
}

// Ledger is the append-only double-entry log.
type Ledger struct {
	mu      sync.RWMutex
	entries []LedgerEntry
	index   map[string]*LedgerEntry // dedupeKey -> entry, for idempotent replay
	offset  int64

	db  *sql.DB // optional durable store; nil means memory-only
	log zerolog.Logger
}

// New creates a Ledger. db may be nil, in which case the ledger is backed
// purely by the in-memory log (suitable for tests and for environments
// without a configured durable store).
func New(db *sql.DB, log zerolog.Logger) *Ledger {
	return &Ledger{
		index: make(map[string]*LedgerEntry),
		db:    db,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// EnsureSchema creates the durable ledger table if a database is configured.
// No-op when running memory-only.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			wal_offset      BIGINT PRIMARY KEY,
			billing_entry_id TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			correlation_id  TEXT NOT NULL,
			postings        JSONB NOT NULL,
			exchange_rate   DOUBLE PRECISION,
			ts              TIMESTAMPTZ NOT NULL,
			UNIQUE (billing_entry_id, event_type)
		)
	`)
	if err != nil {
		return fmt.Errorf("ledger: ensure schema: %w", err)
	}
	return nil
}

// AppendEntry validates and appends a new ledger entry. If an entry with
// the same (billing_entry_id, event_type) was already appended, this is a
// no-op: the existing entry is returned, entryCount and every balance are
// unchanged.
func (l *Ledger) AppendEntry(ctx context.Context, billingEntryID, eventType, correlationID string, postings []Posting, exchangeRate *float64) (*LedgerEntry, error) {
	if !ids.Valid(billingEntryID) {
		return nil, &Error{BillingEntryID: billingEntryID, Reason: "billing_entry_id is not a valid ULID"}
	}
	if len(postings) == 0 {
		return nil, &Error{BillingEntryID: billingEntryID, Reason: "entry has no postings"}
	}
	sums := make(map[string]int64)
	for _, p := range postings {
		sums[p.Denom] += int64(p.Delta)
	}
	for denom, sum := range sums {
		if sum != 0 {
			return nil, &Error{
				BillingEntryID: billingEntryID,
				Reason:         fmt.Sprintf("postings for denom %s sum to %d, want 0", denom, sum),
				Postings:       postings,
			}
		}
	}

	entry := LedgerEntry{
		BillingEntryID: billingEntryID,
		EventType:      eventType,
		CorrelationID:  correlationID,
		Postings:       postings,
		ExchangeRate:   exchangeRate,
		Timestamp:      time.Now().UTC(),
	}
	key := entry.dedupeKey()

	l.mu.Lock()
	if existing, ok := l.index[key]; ok {
		l.mu.Unlock()
		l.log.Debug().Str("billing_entry_id", billingEntryID).Str("event_type", eventType).Msg("ledger append is a no-op replay")
		return existing, nil
	}
	entry.WALOffset = l.offset
	l.offset++
	l.mu.Unlock()

	if l.db != nil {
		if err := l.persist(ctx, entry); err != nil {
			l.mu.Lock()
			l.offset--
			l.mu.Unlock()
			return nil, fmt.Errorf("ledger: persist: %w", err)
		}
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	stored := &l.entries[len(l.entries)-1]
	l.index[key] = stored
	l.mu.Unlock()

	l.log.Info().
		Str("billing_entry_id", billingEntryID).
		Str("event_type", eventType).
		Int64("wal_offset", entry.WALOffset).
		Msg("ledger entry appended")

	return stored, nil
}

// LoadFromStore reads every persisted entry into the in-memory log in
// wal_offset order. Call once after EnsureSchema and before any
// AppendEntry — balances derived afterwards include prior processes'
// history, and the next append continues from the stored offset.
func (l *Ledger) LoadFromStore(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT wal_offset, billing_entry_id, event_type, correlation_id, postings, exchange_rate, ts
		FROM ledger_entries ORDER BY wal_offset
	`)
	if err != nil {
		return fmt.Errorf("ledger: load: %w", err)
	}
	defer rows.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	for rows.Next() {
		var e LedgerEntry
		var payload []byte
		if err := rows.Scan(&e.WALOffset, &e.BillingEntryID, &e.EventType, &e.CorrelationID, &payload, &e.ExchangeRate, &e.Timestamp); err != nil {
			return fmt.Errorf("ledger: load scan: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Postings); err != nil {
			return fmt.Errorf("ledger: load postings for %s/%s: %w", e.BillingEntryID, e.EventType, err)
		}
		if _, ok := l.index[e.dedupeKey()]; ok {
			continue
		}
		l.entries = append(l.entries, e)
		stored := &l.entries[len(l.entries)-1]
		l.index[e.dedupeKey()] = stored
		if e.WALOffset >= l.offset {
			l.offset = e.WALOffset + 1
		}
	}
	return rows.Err()
}

func (l *Ledger) persist(ctx context.Context, e LedgerEntry) error {
	payload, err := json.Marshal(e.Postings)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (wal_offset, billing_entry_id, event_type, correlation_id, postings, exchange_rate, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (billing_entry_id, event_type) DO NOTHING
	`, e.WALOffset, e.BillingEntryID, e.EventType, e.CorrelationID, payload, e.ExchangeRate, e.Timestamp)
	return err
}

// DeriveBalance folds the entire log left-to-right, summing signed deltas
// for the given account. Balances are never cached.
func (l *Ledger) DeriveBalance(account string) wireformat.MicroUSD {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, e := range l.entries {
		for _, p := range e.Postings {
			if p.Account == account {
				total += int64(p.Delta)
			}
		}
	}
	return wireformat.MicroUSD(total)
}

// DeriveAllBalances folds the entire log once, returning every account's
// balance.
func (l *Ledger) DeriveAllBalances() map[string]wireformat.MicroUSD {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]wireformat.MicroUSD)
	for _, e := range l.entries {
		for _, p := range e.Postings {
			out[p.Account] += wireformat.MicroUSD(p.Delta)
		}
	}
	return out
}

// EntryCount returns the number of distinct entries appended (replays do
// not increment this).
func (l *Ledger) EntryCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the full append-only log, in append order.
func (l *Ledger) Entries() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// --- Posting factories ---

// Mint injects supply: user:available += n, system:revenue -= n. n is the
// provider's debt created by the injection.
func Mint(user string, n wireformat.MicroUSD) []Posting {
	return []Posting{
		{Account: userAvailable(user), Delta: n, Denom: Denom},
		{Account: "system:revenue", Delta: -n, Denom: Denom},
	}
}

// Reserve holds funds against a pending request: user:available -= n,
// user:held += n.
func Reserve(user string, n wireformat.MicroUSD) []Posting {
	return []Posting{
		{Account: userAvailable(user), Delta: -n, Denom: Denom},
		{Account: userHeld(user), Delta: n, Denom: Denom},
	}
}

// Commit settles a reservation against actual cost: user:held -= reserved,
// user:available += (reserved - actual), system:revenue += actual. Handles
// both overage (actual < reserved) and exact cost.
func Commit(user string, reserved, actual wireformat.MicroUSD) []Posting {
	return []Posting{
		{Account: userHeld(user), Delta: -reserved, Denom: Denom},
		{Account: userAvailable(user), Delta: reserved - actual, Denom: Denom},
		{Account: "system:revenue", Delta: actual, Denom: Denom},
	}
}

// Release reverses a reservation in full (pre-stream failure, user cancel,
// reserve expiry): user:held -= n, user:available += n.
func Release(user string, n wireformat.MicroUSD) []Posting {
	return []Posting{
		{Account: userHeld(user), Delta: -n, Denom: Denom},
		{Account: userAvailable(user), Delta: n, Denom: Denom},
	}
}

// Void reverses a commit (administrative reversal): the inverse of Commit
// given the same (reserved, actual) pair originally posted.
func Void(user string, reserved, actual wireformat.MicroUSD) []Posting {
	return []Posting{
		{Account: userHeld(user), Delta: reserved, Denom: Denom},
		{Account: userAvailable(user), Delta: -(reserved - actual), Denom: Denom},
		{Account: "system:revenue", Delta: -actual, Denom: Denom},
	}
}

func userAvailable(user string) string { return "user:" + user + ":available" }
func userHeld(user string) string      { return "user:" + user + ":held" }
