package breaker

import (
	"testing"
	"time"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Second})
	for i := 0; i < 2; i++ {
		allowed, probe := b.Allow()
		if !allowed || probe {
			t.Fatalf("expected plain allow, got allowed=%v probe=%v", allowed, probe)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("want CLOSED got %s", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("want OPEN after 3rd failure got %s", b.State())
	}
}

func TestOpenRejectsUntilCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Millisecond})
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("want OPEN got %s", b.State())
	}
	if allowed, _ := b.Allow(); allowed {
		t.Fatal("should reject immediately after opening")
	}
	time.Sleep(40 * time.Millisecond)
	allowed, probe := b.Allow()
	if !allowed || !probe {
		t.Fatalf("expected single probe allowed after cooldown, got allowed=%v probe=%v", allowed, probe)
	}
}

func TestOnlyOneProbeAllowedAtATime(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	allowed1, probe1 := b.Allow()
	if !allowed1 || !probe1 {
		t.Fatal("first caller after cooldown should get the probe")
	}
	allowed2, probe2 := b.Allow()
	if allowed2 || probe2 {
		t.Fatal("second concurrent caller must not also get a probe")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("want CLOSED after successful probe got %s", b.State())
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("want OPEN after failed probe got %s", b.State())
	}
	if allowed, _ := b.Allow(); allowed {
		t.Fatal("should reject again immediately after failed probe")
	}
}

func TestWindowExpiryDoesNotAccumulateStaleFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Window: 20 * time.Millisecond, Cooldown: time.Second})
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	b.RecordFailure() // old two should have aged out of the window
	if b.State() != StateClosed {
		t.Fatalf("want CLOSED, stale failures should not count got %s", b.State())
	}
}

func TestRegistryIsolatesTargets(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Minute})
	r.For("pool-a").RecordFailure()
	if r.For("pool-a").State() != StateOpen {
		t.Fatal("pool-a should be open")
	}
	if r.For("pool-b").State() != StateClosed {
		t.Fatal("pool-b should be unaffected")
	}
}
