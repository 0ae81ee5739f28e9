package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSink struct {
	mu     sync.Mutex
	events []CostEvent
	fail   bool
}

func (c *captureSink) Write(_ context.Context, events []CostEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return context.DeadlineExceeded
	}
	c.events = append(c.events, events...)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPipelineFlushesOnStop(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(zerolog.Nop(), sink)
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		p.Emit(CostEvent{BillingEntryID: "e", TenantID: "t1", ActualMicro: 100})
	}
	p.Stop()

	if sink.count() != 10 {
		t.Fatalf("want 10 events flushed, got %d", sink.count())
	}
	stats := p.Stats()
	if stats.Emitted != 10 || stats.Flushed != 10 || stats.Dropped != 0 {
		t.Fatalf("stats wrong: %+v", stats)
	}
}

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(zerolog.Nop(), sink)
	p.batchSize = 4
	p.flushEvery = time.Hour // only the size trigger can fire
	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 4; i++ {
		p.Emit(CostEvent{BillingEntryID: "e"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 4 {
		t.Fatalf("batch-size trigger did not flush, got %d", sink.count())
	}
}

func TestPipelineCountsDroppedBatches(t *testing.T) {
	sink := &captureSink{fail: true}
	p := NewPipeline(zerolog.Nop(), sink)
	p.Start(context.Background())
	p.Emit(CostEvent{BillingEntryID: "e"})
	p.Stop()

	stats := p.Stats()
	if stats.Dropped != 1 || stats.Flushed != 0 {
		t.Fatalf("failed flush must count as dropped: %+v", stats)
	}
}

func TestEmitStampsTime(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(zerolog.Nop(), sink)
	p.Start(context.Background())
	p.Emit(CostEvent{BillingEntryID: "e"})
	p.Stop()

	if sink.count() != 1 || sink.events[0].At.IsZero() {
		t.Fatalf("Emit must stamp At when unset: %+v", sink.events)
	}
}
