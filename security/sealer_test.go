package security

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("operator-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	plaintext := []byte(`{"billing_entry_id":"01J","actual_amount":"2500"}`)
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "billing_entry_id") {
		t.Fatal("sealed payload must not leak plaintext")
	}
	back, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(back) != string(plaintext) {
		t.Fatalf("round trip mismatch: %q", back)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	s, _ := NewSealer("operator-secret")
	a, _ := s.Seal([]byte("payload"))
	b, _ := s.Seal([]byte("payload"))
	if a == b {
		t.Fatal("each seal must use a fresh nonce")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, _ := NewSealer("operator-secret")
	sealed, _ := s.Seal([]byte("payload"))
	tampered := sealed[:len(sealed)-5] + "AAAA="
	if _, err := s.Open(tampered); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := NewSealer("key-a")
	b, _ := NewSealer("key-b")
	sealed, _ := a.Seal([]byte("payload"))
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("a different key must fail authentication")
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Fatal("empty secret must be rejected")
	}
}
