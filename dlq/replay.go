package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/billing"
	"github.com/latticeforge/gateway/security"
	"github.com/latticeforge/gateway/settlement"
)

// Settler is the narrow interface the replay worker needs against the
// external billing service: post one settlement record. Accepting an
// interface (not *settlement.Client directly) keeps replay_test.go free of a
// live HTTP dependency.
type Settler interface {
	PostRecord(ctx context.Context, rec settlement.Record) error
}

// BillingSink is the narrow interface the replay worker needs against the
// billing state machine: acknowledge success or exhaustion. *billing.Machine
// satisfies this directly; it is expressed as an interface here purely so
// replay_test.go can stub it without constructing a full Machine + WAL +
// Ledger (no import cycle: billing never imports dlq).
type BillingSink interface {
	MarkSettled(ctx context.Context, billingEntryID string) (*billing.Entry, error)
	MarkFinalizeFailed(ctx context.Context, billingEntryID string) (*billing.Entry, error)
}

// ReplayWorker polls the DLQ schedule for ready entries and retries their
// settlement, backing off per entry with jitter.
type ReplayWorker struct {
	store      *Store
	settler    Settler
	billing    BillingSink
	maxRetries int
	pollEvery  time.Duration
	batchSize  int64
	sealer     *security.Sealer
	log        zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReplayWorker constructs a ReplayWorker. maxRetries bounds the attempt
// count before an entry transitions FINALIZE_FAILED and is dropped into the
// terminal keyspace.
func NewReplayWorker(store *Store, settler Settler, billingSink BillingSink, maxRetries int, pollEvery time.Duration, log zerolog.Logger) *ReplayWorker {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}
	return &ReplayWorker{
		store:      store,
		settler:    settler,
		billing:    billingSink,
		maxRetries: maxRetries,
		pollEvery:  pollEvery,
		batchSize:  50,
		log:        log.With().Str("component", "dlq_replay").Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// WithSealer makes the worker open AES-GCM-sealed payloads (written by a
// handler configured with the same sealer) before replaying them.
// Plaintext payloads still replay, so enabling sealing does not strand
// entries parked before the secret was configured.
func (w *ReplayWorker) WithSealer(s *security.Sealer) *ReplayWorker {
	w.sealer = s
	return w
}

// decodePayload unwraps a possibly-sealed DLQ payload into a settlement
// record. A sealed payload is a JSON string holding the base64 ciphertext.
func (w *ReplayWorker) decodePayload(payload json.RawMessage) (settlement.Record, error) {
	var rec settlement.Record
	if w.sealer != nil {
		var sealed string
		if err := json.Unmarshal(payload, &sealed); err == nil {
			opened, oErr := w.sealer.Open(sealed)
			if oErr != nil {
				return rec, oErr
			}
			payload = opened
		}
	}
	err := json.Unmarshal(payload, &rec)
	return rec, err
}

// Start runs the poll loop in a background goroutine until Stop is called.
func (w *ReplayWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for it to do so.
func (w *ReplayWorker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *ReplayWorker) tick(ctx context.Context) {
	ready, err := w.store.GetReady(ctx, time.Now().UTC(), w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("dlq replay: get ready failed")
		return
	}
	for _, entry := range ready {
		w.replayOne(ctx, entry)
	}
}

func (w *ReplayWorker) replayOne(ctx context.Context, entry Entry) {
	claimed, err := w.store.ClaimForReplay(ctx, entry.ReservationID)
	if err != nil {
		w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: claim failed")
		return
	}
	if !claimed {
		return // another worker already holds the claim
	}
	defer func() {
		if err := w.store.ReleaseClaim(ctx, entry.ReservationID); err != nil {
			w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: release claim failed")
		}
	}()

	rec, err := w.decodePayload(entry.Payload)
	if err != nil {
		w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: corrupt payload, terminal-dropping")
		_ = w.store.TerminalDrop(ctx, entry.ReservationID)
		return
	}

	settleErr := w.settler.PostRecord(ctx, rec)
	if settleErr == nil {
		if _, err := w.billing.MarkSettled(ctx, entry.ReservationID); err != nil {
			w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: settled but state transition failed")
			return
		}
		if err := w.store.Delete(ctx, entry.ReservationID); err != nil {
			w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: delete after settle failed")
		}
		return
	}

	if entry.AttemptCount+1 >= w.maxRetries {
		w.log.Warn().Str("reservation_id", entry.ReservationID).Int("attempts", entry.AttemptCount+1).Msg("dlq replay: retries exhausted, marking finalize-failed")
		if _, err := w.billing.MarkFinalizeFailed(ctx, entry.ReservationID); err != nil {
			w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: finalize-failed transition failed")
		}
		if err := w.store.TerminalDrop(ctx, entry.ReservationID); err != nil {
			w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: terminal drop failed")
		}
		return
	}

	next := nextAttemptBackoff(entry.AttemptCount + 1)
	if _, err := w.store.IncrementAttempt(ctx, entry.ReservationID, time.Now().UTC().Add(next), 11*time.Hour); err != nil {
		w.log.Error().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq replay: increment attempt failed")
	}
}

// nextAttemptBackoff derives the delay before the next retry from a
// cenkalti/backoff/v4 exponential policy, built fresh per call so the
// delay depends only on the attempt count plus the policy's ±30% random
// jitter (the policy itself is
// stateless between DLQ ticks; state lives in Redis, not in this process).
func nextAttemptBackoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.MaxInterval = 10 * time.Minute
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
