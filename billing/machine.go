// Package billing implements the gateway's per-request billing state
// machine: the finite-state lifecycle a single billing entry moves through
// from reservation to settlement, durable across crashes via a
// write-ahead log (wal.go), and wired directly into the ledger's
// double-entry postings so no state transition is ever recorded without
// its corresponding accounting movement.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/ledger"
	"github.com/latticeforge/gateway/wireformat"
)

// State is one node in the billing entry lifecycle graph.
type State string

const (
	StateReserveHeld     State = "RESERVE_HELD"
	StateCommitted       State = "COMMITTED"
	StateFinalizePending State = "FINALIZE_PENDING"
	StateFinalizeAcked   State = "FINALIZE_ACKED"
	StateFinalizeFailed  State = "FINALIZE_FAILED"
	StateReleased        State = "RELEASED"
	StateVoided          State = "VOIDED"
)

// transitions enumerates every edge the machine honors. There is no node
// for IDLE: a billing entry comes into existence already in
// RESERVE_HELD (via Reserve) or, for administrative backfill, directly in
// COMMITTED (via AdminMarkCommitted) — both are constructors, not
// transitions, so neither needs an incoming edge here.
var transitions = map[State][]State{
	StateReserveHeld:     {StateFinalizePending, StateReleased},
	StateCommitted:       {StateVoided},
	StateFinalizePending: {StateFinalizeAcked, StateFinalizeFailed},
	StateFinalizeFailed:  {StateFinalizeAcked, StateVoided},
}

var terminalStates = map[State]bool{
	StateFinalizeAcked: true,
	StateReleased:      true,
	StateVoided:        true,
}

func canTransition(from, to State) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateError is raised when a requested transition is not in the graph, or
// targets a terminal entry. Always a programming or operator error, never
// retried automatically.
type StateError struct {
	BillingEntryID string
	From           State
	To             State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("BillingStateError: entry %s cannot transition %s -> %s", e.BillingEntryID, e.From, e.To)
}

// Entry is one billing entry's full lifecycle record.
type Entry struct {
	BillingEntryID string
	CorrelationID  string
	UserID         string
	State          State
	ReservedAmount wireformat.MicroUSD
	ActualAmount   wireformat.MicroUSD
	ExchangeRate   float64 // frozen at Reserve time
	FinalizeAttempts int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (e Entry) clone() *Entry {
	c := e
	return &c
}

// Machine is the billing state machine. It owns no network calls itself —
// settlement transport lives in the settlement package — but every state
// transition it accepts is WAL-logged, and every transition that moves
// money (reserve, commit, release, void of a COMMITTED entry) also posts
// the matching ledger entry: the WAL write happens first, so a crash
// between the two replays cleanly. Settlement-only transitions
// (settled, finalize-failed, manual finalize, void of a FINALIZE_FAILED
// entry) post no ledger entry.
type Machine struct {
	mu      sync.Mutex
	entries map[string]*Entry
	wal     WAL
	ledger  *ledger.Ledger
	log     zerolog.Logger

	observer func(from, to State)
}

// SetTransitionObserver registers a callback invoked after every accepted
// state transition, for metric emission. Replayed transitions at startup
// do not fire it.
func (m *Machine) SetTransitionObserver(fn func(from, to State)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

func (m *Machine) observe(from, to State) {
	m.mu.Lock()
	fn := m.observer
	m.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

// New constructs a Machine. wal must not be nil; pass NewMemoryWAL() for
// tests or ephemeral deployments.
func New(wal WAL, l *ledger.Ledger, log zerolog.Logger) *Machine {
	return &Machine{
		entries: make(map[string]*Entry),
		wal:     wal,
		ledger:  l,
		log:     log.With().Str("component", "billing").Logger(),
	}
}

// CountInState returns how many entries currently sit in the given state.
// The circuit breaker's pending-reconciliation guard polls this for
// StateFinalizePending to detect a settlement backlog that is not
// draining.
func (m *Machine) CountInState(s State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.State == s {
			n++
		}
	}
	return n
}

// Get returns a copy of the current state for a billing entry, if known.
func (m *Machine) Get(billingEntryID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[billingEntryID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

type reservePayload struct {
	UserID       string              `json:"user_id"`
	Amount       wireformat.MicroUSD `json:"amount"`
	ExchangeRate float64             `json:"exchange_rate"`
}

// Reserve creates a new billing entry in RESERVE_HELD, freezing the
// exchange rate in effect at reservation time (the rate used at
// commit is always the one frozen here, never re-fetched). Idempotent: a
// second Reserve call with the same billingEntryID is a no-op returning
// the existing entry, matching the ledger's own replay semantics.
func (m *Machine) Reserve(ctx context.Context, billingEntryID, correlationID, userID string, amount wireformat.MicroUSD, exchangeRate float64) (*Entry, error) {
	if !ids.Valid(billingEntryID) {
		return nil, gwerrors.New(gwerrors.KindConfigInvalid, "billing_entry_id is not a valid ULID", gwerrors.Context{CorrelationID: correlationID})
	}

	m.mu.Lock()
	if existing, ok := m.entries[billingEntryID]; ok {
		m.mu.Unlock()
		return existing.clone(), nil
	}
	m.mu.Unlock()

	env, err := NewEnvelope("reserve", billingEntryID, correlationID, reservePayload{UserID: userID, Amount: amount, ExchangeRate: exchangeRate})
	if err != nil {
		return nil, err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("billing: wal append reserve: %w", err)
	}

	if _, err := m.ledger.AppendEntry(ctx, billingEntryID, "reserve", correlationID, ledger.Reserve(userID, amount), nil); err != nil {
		return nil, fmt.Errorf("billing: ledger reserve: %w", err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		BillingEntryID: billingEntryID,
		CorrelationID:  correlationID,
		UserID:         userID,
		State:          StateReserveHeld,
		ReservedAmount: amount,
		ExchangeRate:   exchangeRate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	m.entries[billingEntryID] = entry
	m.mu.Unlock()

	m.observe("", StateReserveHeld)
	m.log.Info().Str("billing_entry_id", billingEntryID).Str("state", string(StateReserveHeld)).Msg("billing entry reserved")
	return entry.clone(), nil
}

type commitPayload struct {
	Reserved wireformat.MicroUSD `json:"reserved"`
	Actual   wireformat.MicroUSD `json:"actual"`
}

// Commit freezes actual cost against a held reservation and transitions
// RESERVE_HELD -> FINALIZE_PENDING, posting the ledger Commit postings
// using the exchange rate frozen at Reserve time.
func (m *Machine) Commit(ctx context.Context, billingEntryID string, actual wireformat.MicroUSD) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[billingEntryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("billing: unknown entry %s", billingEntryID)
	}
	if entry.State == StateFinalizePending && entry.ActualAmount == actual {
		clone := entry.clone()
		m.mu.Unlock()
		return clone, nil // replay no-op
	}
	if !canTransition(entry.State, StateFinalizePending) {
		from := entry.State
		m.mu.Unlock()
		return nil, &StateError{BillingEntryID: billingEntryID, From: from, To: StateFinalizePending}
	}
	correlationID, userID, reserved, rate := entry.CorrelationID, entry.UserID, entry.ReservedAmount, entry.ExchangeRate
	m.mu.Unlock()

	env, err := NewEnvelope("commit", billingEntryID, correlationID, commitPayload{Reserved: reserved, Actual: actual})
	if err != nil {
		return nil, err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("billing: wal append commit: %w", err)
	}

	if _, err := m.ledger.AppendEntry(ctx, billingEntryID, "commit", correlationID, ledger.Commit(userID, reserved, actual), &rate); err != nil {
		return nil, fmt.Errorf("billing: ledger commit: %w", err)
	}

	m.mu.Lock()
	entry.State = StateFinalizePending
	entry.ActualAmount = actual
	entry.UpdatedAt = time.Now().UTC()
	clone := entry.clone()
	m.mu.Unlock()

	m.observe(StateReserveHeld, StateFinalizePending)
	m.log.Info().Str("billing_entry_id", billingEntryID).Str("state", string(StateFinalizePending)).Msg("billing entry committed")
	return clone, nil
}

type releasePayload struct {
	Reason string              `json:"reason"`
	Amount wireformat.MicroUSD `json:"amount"`
}

// Release reverses a reservation in full — pre-stream failure, user
// cancellation, or reserve-TTL expiry — transitioning RESERVE_HELD ->
// RELEASED.
func (m *Machine) Release(ctx context.Context, billingEntryID, reason string) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[billingEntryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("billing: unknown entry %s", billingEntryID)
	}
	if entry.State == StateReleased {
		clone := entry.clone()
		m.mu.Unlock()
		return clone, nil
	}
	if !canTransition(entry.State, StateReleased) {
		from := entry.State
		m.mu.Unlock()
		return nil, &StateError{BillingEntryID: billingEntryID, From: from, To: StateReleased}
	}
	correlationID, userID, reserved := entry.CorrelationID, entry.UserID, entry.ReservedAmount
	m.mu.Unlock()

	env, err := NewEnvelope("release", billingEntryID, correlationID, releasePayload{Reason: reason, Amount: reserved})
	if err != nil {
		return nil, err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("billing: wal append release: %w", err)
	}

	if _, err := m.ledger.AppendEntry(ctx, billingEntryID, "release", correlationID, ledger.Release(userID, reserved), nil); err != nil {
		return nil, fmt.Errorf("billing: ledger release: %w", err)
	}

	m.mu.Lock()
	entry.State = StateReleased
	entry.UpdatedAt = time.Now().UTC()
	clone := entry.clone()
	m.mu.Unlock()

	m.observe(StateReserveHeld, StateReleased)
	m.log.Info().Str("billing_entry_id", billingEntryID).Str("reason", reason).Msg("billing entry released")
	return clone, nil
}

// MarkSettled transitions FINALIZE_PENDING -> FINALIZE_ACKED once the
// external settlement service has acknowledged the commit. No ledger
// postings accompany this transition: the accounting movement already
// happened at Commit, settlement only confirms the external system agrees.
func (m *Machine) MarkSettled(ctx context.Context, billingEntryID string) (*Entry, error) {
	return m.simpleTransition(ctx, billingEntryID, "settled", StateFinalizeAcked, nil)
}

// MarkSettlementFailed records one failed settlement attempt. It does not
// transition state on its own; callers exhaust retries before
// calling MarkFinalizeFailed.
func (m *Machine) MarkSettlementFailed(ctx context.Context, billingEntryID string, cause error) error {
	m.mu.Lock()
	entry, ok := m.entries[billingEntryID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("billing: unknown entry %s", billingEntryID)
	}
	entry.FinalizeAttempts++
	attempts := entry.FinalizeAttempts
	correlationID := entry.CorrelationID
	m.mu.Unlock()

	env, err := NewEnvelope("settlement_attempt_failed", billingEntryID, correlationID, map[string]interface{}{
		"attempt": attempts,
		"error":   cause.Error(),
	})
	if err != nil {
		return err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return fmt.Errorf("billing: wal append settlement failure: %w", err)
	}
	m.log.Warn().Str("billing_entry_id", billingEntryID).Int("attempt", attempts).Err(cause).Msg("settlement attempt failed")
	return nil
}

// MarkFinalizeFailed transitions FINALIZE_PENDING -> FINALIZE_FAILED once
// settlement retries are exhausted. The entry now requires operator
// intervention (ManualFinalize or VoidFailed).
func (m *Machine) MarkFinalizeFailed(ctx context.Context, billingEntryID string) (*Entry, error) {
	return m.simpleTransition(ctx, billingEntryID, "finalize_failed", StateFinalizeFailed, nil)
}

// ManualFinalize is an operator action moving a stuck FINALIZE_FAILED
// entry to FINALIZE_ACKED once the operator has confirmed out-of-band that
// settlement did in fact succeed.
func (m *Machine) ManualFinalize(ctx context.Context, billingEntryID, operator string) (*Entry, error) {
	return m.simpleTransition(ctx, billingEntryID, "manual_finalize", StateFinalizeAcked, map[string]interface{}{"operator": operator})
}

// VoidFailed is an operator action dropping an irrecoverable FINALIZE_FAILED
// entry: FINALIZE_FAILED -> VOIDED. Does not reverse the commit's ledger
// postings — settlement state, not accounting state.
func (m *Machine) VoidFailed(ctx context.Context, billingEntryID, operator, reason string) (*Entry, error) {
	return m.simpleTransition(ctx, billingEntryID, "void_failed", StateVoided, map[string]interface{}{"operator": operator, "reason": reason})
}

// VoidCommitted is an operator reversal of an entry that was administratively
// marked COMMITTED (see AdminMarkCommitted): COMMITTED -> VOIDED. Posts the
// inverse ledger entry via ledger.Void so the reversal is auditable.
func (m *Machine) VoidCommitted(ctx context.Context, billingEntryID, operator, reason string) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[billingEntryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("billing: unknown entry %s", billingEntryID)
	}
	if !canTransition(entry.State, StateVoided) {
		from := entry.State
		m.mu.Unlock()
		return nil, &StateError{BillingEntryID: billingEntryID, From: from, To: StateVoided}
	}
	correlationID, userID, reserved, actual := entry.CorrelationID, entry.UserID, entry.ReservedAmount, entry.ActualAmount
	m.mu.Unlock()

	env, err := NewEnvelope("void_committed", billingEntryID, correlationID, map[string]interface{}{"operator": operator, "reason": reason})
	if err != nil {
		return nil, err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("billing: wal append void: %w", err)
	}
	if _, err := m.ledger.AppendEntry(ctx, billingEntryID, "void", correlationID, ledger.Void(userID, reserved, actual), nil); err != nil {
		return nil, fmt.Errorf("billing: ledger void: %w", err)
	}

	m.mu.Lock()
	entry.State = StateVoided
	entry.UpdatedAt = time.Now().UTC()
	clone := entry.clone()
	m.mu.Unlock()

	m.observe(StateCommitted, StateVoided)
	return clone, nil
}

// AdminMarkCommitted administratively constructs an entry directly in the
// COMMITTED state, bypassing Reserve/Commit. This exists for backfill and
// reconciliation tooling (cmd/gatewayctl) that needs to represent a ledger
// movement that happened outside the normal reserve-then-commit flow; it
// still posts the matching ledger entry so the log stays authoritative.
func (m *Machine) AdminMarkCommitted(ctx context.Context, billingEntryID, correlationID, userID string, reserved, actual wireformat.MicroUSD, operator string) (*Entry, error) {
	m.mu.Lock()
	if existing, ok := m.entries[billingEntryID]; ok {
		m.mu.Unlock()
		return existing.clone(), nil
	}
	m.mu.Unlock()

	env, err := NewEnvelope("admin_mark_committed", billingEntryID, correlationID, map[string]interface{}{
		"operator": operator, "reserved": reserved, "actual": actual,
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("billing: wal append admin commit: %w", err)
	}
	if _, err := m.ledger.AppendEntry(ctx, billingEntryID, "commit", correlationID, ledger.Commit(userID, reserved, actual), nil); err != nil {
		return nil, fmt.Errorf("billing: ledger admin commit: %w", err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		BillingEntryID: billingEntryID,
		CorrelationID:  correlationID,
		UserID:         userID,
		State:          StateCommitted,
		ReservedAmount: reserved,
		ActualAmount:   actual,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.mu.Lock()
	m.entries[billingEntryID] = entry
	m.mu.Unlock()
	return entry.clone(), nil
}

func (m *Machine) simpleTransition(ctx context.Context, billingEntryID, eventType string, to State, payload map[string]interface{}) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[billingEntryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("billing: unknown entry %s", billingEntryID)
	}
	if entry.State == to {
		clone := entry.clone()
		m.mu.Unlock()
		return clone, nil
	}
	if !canTransition(entry.State, to) {
		from := entry.State
		m.mu.Unlock()
		return nil, &StateError{BillingEntryID: billingEntryID, From: from, To: to}
	}
	correlationID := entry.CorrelationID
	from := entry.State
	m.mu.Unlock()

	if payload == nil {
		payload = map[string]interface{}{}
	}
	env, err := NewEnvelope(eventType, billingEntryID, correlationID, payload)
	if err != nil {
		return nil, err
	}
	if _, err := m.wal.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("billing: wal append %s: %w", eventType, err)
	}

	m.mu.Lock()
	entry.State = to
	entry.UpdatedAt = time.Now().UTC()
	clone := entry.clone()
	m.mu.Unlock()

	m.observe(from, to)
	m.log.Info().Str("billing_entry_id", billingEntryID).Str("state", string(to)).Msg("billing entry transitioned")
	return clone, nil
}

// IsTerminal reports whether a state accepts no further transitions.
func IsTerminal(s State) bool { return terminalStates[s] }

// Replay reconstructs in-memory entry state from the WAL, used on startup
// after a crash between a WAL write and its in-memory mutation (the WAL
// write always happens first, so replay is always sufficient).
func (m *Machine) Replay(ctx context.Context) error {
	envs, err := m.wal.Replay(ctx)
	if err != nil {
		return fmt.Errorf("billing: wal replay: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		m.applyReplayed(env)
	}
	return nil
}

func (m *Machine) applyReplayed(env Envelope) {
	entry := m.entries[env.BillingEntryID]
	switch env.EventType {
	case "reserve":
		if entry != nil {
			return
		}
		var p reservePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		now := env.Timestamp
		m.entries[env.BillingEntryID] = &Entry{
			BillingEntryID: env.BillingEntryID,
			CorrelationID:  env.CorrelationID,
			UserID:         p.UserID,
			State:          StateReserveHeld,
			ReservedAmount: p.Amount,
			ExchangeRate:   p.ExchangeRate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	case "commit", "admin_mark_committed":
		var p commitPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && entry != nil {
			entry.ActualAmount = p.Actual
		}
		if entry != nil {
			entry.State = StateFinalizePending
			entry.UpdatedAt = env.Timestamp
		}
	case "release":
		if entry != nil {
			entry.State = StateReleased
			entry.UpdatedAt = env.Timestamp
		}
	case "settled", "manual_finalize":
		if entry != nil {
			entry.State = StateFinalizeAcked
			entry.UpdatedAt = env.Timestamp
		}
	case "finalize_failed":
		if entry != nil {
			entry.State = StateFinalizeFailed
			entry.UpdatedAt = env.Timestamp
		}
	case "void_failed", "void_committed":
		if entry != nil {
			entry.State = StateVoided
			entry.UpdatedAt = env.Timestamp
		}
	case "settlement_attempt_failed":
		if entry != nil {
			entry.FinalizeAttempts++
		}
	}
}
