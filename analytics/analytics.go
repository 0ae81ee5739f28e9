// Package analytics is the gateway's cost-event feed: every settled
// invocation (and every ensemble branch) emits one CostEvent, buffered in
// memory and flushed in batches to a sink. The feed is advisory — the
// ledger is the accounting truth — so a dropped batch is logged, never
// retried into the billing path.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/wireformat"
)

// CostEvent is one billed invocation, or one branch of an ensemble run.
type CostEvent struct {
	BillingEntryID   string              `json:"billing_entry_id"`
	CorrelationID    string              `json:"correlation_id"`
	EnsembleID       string              `json:"ensemble_id,omitempty"`
	TenantID         string              `json:"tenant_id"`
	Agent            string              `json:"agent"`
	Provider         string              `json:"provider"`
	Model            string              `json:"model"`
	EstimatedMicro   wireformat.MicroUSD `json:"estimated_micro"`
	ActualMicro      wireformat.MicroUSD `json:"actual_micro"`
	PromptTokens     int                 `json:"prompt_tokens"`
	CompletionTokens int                 `json:"completion_tokens"`
	At               time.Time           `json:"at"`
}

// Sink receives flushed batches.
type Sink interface {
	Write(ctx context.Context, events []CostEvent) error
	Close() error
}

// Tee fans one batch out to several sinks; the first error wins but
// every sink still sees the batch.
func Tee(sinks ...Sink) Sink { return teeSink(sinks) }

type teeSink []Sink

func (t teeSink) Write(ctx context.Context, events []CostEvent) error {
	var first error
	for _, s := range t {
		if err := s.Write(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeSink) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes each event as a structured log line. The development
// default, and the fallback when no ClickHouse DSN is configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "cost_feed").Logger()}
}

func (s *LogSink) Write(_ context.Context, events []CostEvent) error {
	for _, e := range events {
		s.log.Info().
			Str("billing_entry_id", e.BillingEntryID).
			Str("tenant_id", e.TenantID).
			Str("agent", e.Agent).
			Str("provider", e.Provider).
			Str("model", e.Model).
			Int64("actual_micro", int64(e.ActualMicro)).
			Str("ensemble_id", e.EnsembleID).
			Msg("cost event")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ClickHouseSink posts batches over the HTTP interface as JSONEachRow
// inserts. endpoint is the ClickHouse HTTP URL (http://host:8123).
type ClickHouseSink struct {
	endpoint string
	table    string
	client   *http.Client
	log      zerolog.Logger
}

func NewClickHouseSink(endpoint string, log zerolog.Logger) *ClickHouseSink {
	return &ClickHouseSink{
		endpoint: endpoint,
		table:    "gateway_cost_events",
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("component", "cost_feed_ch").Logger(),
	}
}

func (s *ClickHouseSink) Write(ctx context.Context, events []CostEvent) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("analytics: encode event: %w", err)
		}
	}
	url := fmt.Sprintf("%s/?query=INSERT%%20INTO%%20%s%%20FORMAT%%20JSONEachRow", s.endpoint, s.table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("analytics: insert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analytics: insert returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return nil }

// PipelineStats is a point-in-time snapshot of pipeline throughput.
type PipelineStats struct {
	Emitted int64 `json:"emitted"`
	Flushed int64 `json:"flushed"`
	Dropped int64 `json:"dropped"`
}

// Pipeline buffers events and flushes them on a size or time trigger.
type Pipeline struct {
	sink      Sink
	events    chan CostEvent
	batchSize int
	flushEvery time.Duration
	log       zerolog.Logger

	emitted int64
	flushed int64
	dropped int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPipeline constructs a Pipeline over sink.
func NewPipeline(log zerolog.Logger, sink Sink) *Pipeline {
	return &Pipeline{
		sink:       sink,
		events:     make(chan CostEvent, 1024),
		batchSize:  64,
		flushEvery: 5 * time.Second,
		log:        log.With().Str("component", "cost_pipeline").Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Emit queues one event. Non-blocking: if the buffer is full the event is
// dropped and counted, because the billing path must never stall on the
// advisory feed.
func (p *Pipeline) Emit(e CostEvent) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case p.events <- e:
		atomic.AddInt64(&p.emitted, 1)
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Start launches the flush loop.
func (p *Pipeline) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushEvery)
		defer ticker.Stop()
		batch := make([]CostEvent, 0, p.batchSize)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := p.sink.Write(ctx, batch); err != nil {
				p.log.Error().Err(err).Int("batch", len(batch)).Msg("cost feed flush failed, batch dropped")
				atomic.AddInt64(&p.dropped, int64(len(batch)))
			} else {
				atomic.AddInt64(&p.flushed, int64(len(batch)))
			}
			batch = batch[:0]
		}
		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case <-p.stop:
				// drain whatever is queued, then flush once
				for {
					select {
					case e := <-p.events:
						batch = append(batch, e)
					default:
						flush()
						return
					}
				}
			case e := <-p.events:
				batch = append(batch, e)
				if len(batch) >= p.batchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// Stop flushes remaining events and shuts the loop down.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	_ = p.sink.Close()
}

// Stats returns throughput counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Emitted: atomic.LoadInt64(&p.emitted),
		Flushed: atomic.LoadInt64(&p.flushed),
		Dropped: atomic.LoadInt64(&p.dropped),
	}
}
