package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewIsValidAndFixedLength(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != Length {
			t.Fatalf("want %d chars, got %d (%q)", Length, len(id), id)
		}
		if !Valid(id) {
			t.Fatalf("generated ID not valid: %q", id)
		}
	}
}

func TestNewIsMonotonicWithinProcess(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("IDs must be strictly increasing: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestTimePrefixOrdersAcrossMilliseconds(t *testing.T) {
	early := NewWithTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	late := NewWithTime(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if early >= late {
		t.Fatalf("lexicographic order must follow time: %q vs %q", early, late)
	}
}

func TestRoundTripParseSerialize(t *testing.T) {
	id := New()
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != id {
		t.Fatalf("parse->serialize must reproduce the byte string: %q != %q", parsed.String(), id)
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"short",
		"0123456789012345678901234",           // 25 chars
		"012345678901234567890123456",         // 27 chars
		"01ARZ3NDEKTSV4RRFFQ69G5FAU",          // U is outside Crockford base32
		"01ARZ3NDEKTSV4RRFFQ69G5FA!",          // punctuation
	}
	for _, s := range bad {
		if Valid(s) {
			t.Fatalf("Valid(%q) should be false", s)
		}
	}
}

func TestMustValidPanicsOnMalformed(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustValid must panic on a malformed ID")
		}
	}()
	MustValid("not-an-id")
}
