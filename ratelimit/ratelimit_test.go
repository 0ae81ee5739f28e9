package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(zerolog.Nop(), 5, 0)
	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow("scope-a")
		if !allowed {
			t.Fatalf("request %d should be allowed within limit", i)
		}
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l := New(zerolog.Nop(), 2, 0)
	l.Allow("scope-a")
	l.Allow("scope-a")
	allowed, retryAfter := l.Allow("scope-a")
	if allowed {
		t.Fatal("3rd request should be rejected")
	}
	if retryAfter <= 0 {
		t.Fatal("expected positive retry-after")
	}
}

func TestBurstExtendsLimit(t *testing.T) {
	l := New(zerolog.Nop(), 2, 3)
	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow("scope-a")
		if !allowed {
			t.Fatalf("request %d should be allowed within rpm+burst", i)
		}
	}
	allowed, _ := l.Allow("scope-a")
	if allowed {
		t.Fatal("6th request should exceed rpm+burst")
	}
}

func TestScopesAreIndependent(t *testing.T) {
	l := New(zerolog.Nop(), 1, 0)
	l.Allow("scope-a")
	allowed, _ := l.Allow("scope-b")
	if !allowed {
		t.Fatal("scope-b should be unaffected by scope-a's usage")
	}
}

func TestCleanupEvictsIdleScopes(t *testing.T) {
	l := New(zerolog.Nop(), 5, 0)
	l.Allow("scope-a")
	l.windows["scope-a"].tokens[0] = time.Now().Add(-3 * time.Minute)
	l.Cleanup()
	if _, ok := l.windows["scope-a"]; ok {
		t.Fatal("idle scope should have been evicted")
	}
}
