package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testPaywall() *Paywall {
	return NewPaywall(zerolog.Nop(), []byte("test-secret"), 50_000, "0xrecipient", 1)
}

func paywallNext(t *testing.T, sawUser *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*sawUser = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestPaywallIssues402WithSealedChallenge(t *testing.T) {
	p := testPaywall()
	auth := NewAuthMiddleware(zerolog.Nop(), "")
	var user string
	h := p.OrBearer(auth)(paywallNext(t, &user))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("want 402 got %d", rec.Code)
	}
	var c PaymentChallenge
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("challenge body: %v", err)
	}
	if c.Nonce == "" || c.HMAC == "" || c.Recipient != "0xrecipient" || c.ChainID != 1 {
		t.Fatalf("challenge incomplete: %+v", c)
	}
	if c.Amount != 50_000 {
		t.Fatalf("want amount 50000 got %d", c.Amount)
	}
	if !c.ExpiresAt.After(time.Now()) {
		t.Fatal("challenge already expired")
	}
}

func TestPaywallAcceptsValidProof(t *testing.T) {
	p := testPaywall()
	auth := NewAuthMiddleware(zerolog.Nop(), "")
	var user string
	h := p.OrBearer(auth)(paywallNext(t, &user))

	challenge, err := p.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	proof := PaymentProof{PaymentChallenge: challenge, Payer: "0xpayer", TxHash: "0xabc"}
	raw, _ := json.Marshal(proof)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Payment", base64.StdEncoding.EncodeToString(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if user != "payer:0xpayer" {
		t.Fatalf("payer identity not propagated, got %q", user)
	}
}

func TestPaywallRejectsTamperedAmount(t *testing.T) {
	p := testPaywall()
	auth := NewAuthMiddleware(zerolog.Nop(), "")
	var user string
	h := p.OrBearer(auth)(paywallNext(t, &user))

	challenge, err := p.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	challenge.Amount = 1 // pay less than quoted
	proof := PaymentProof{PaymentChallenge: challenge, Payer: "0xpayer", TxHash: "0xabc"}
	raw, _ := json.Marshal(proof)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Payment", base64.StdEncoding.EncodeToString(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("tampered proof must be rejected with 402, got %d", rec.Code)
	}
}

func TestPaywallRejectsExpiredProof(t *testing.T) {
	p := testPaywall()
	p.ttl = -time.Minute // every challenge is born expired
	auth := NewAuthMiddleware(zerolog.Nop(), "")
	var user string
	h := p.OrBearer(auth)(paywallNext(t, &user))

	challenge, err := p.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	proof := PaymentProof{PaymentChallenge: challenge, Payer: "0xpayer", TxHash: "0xabc"}
	raw, _ := json.Marshal(proof)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Payment", base64.StdEncoding.EncodeToString(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expired proof must be rejected with 402, got %d", rec.Code)
	}
}

func TestPaywallBearerHeaderStillUsesKeyAuth(t *testing.T) {
	p := testPaywall()
	auth := NewAuthMiddleware(zerolog.Nop(), "")
	var user string
	h := p.OrBearer(auth)(paywallNext(t, &user))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer some-api-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("bearer path should pass through auth middleware, got %d", rec.Code)
	}
}

func TestChallengeRoundTripsThroughCanonicalJSON(t *testing.T) {
	p := testPaywall()
	challenge, err := p.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	// Marshal/unmarshal as a client would and confirm the seal still
	// verifies — the decimal-string amount and RFC3339 timestamp must
	// survive the round trip byte-for-byte.
	raw, _ := json.Marshal(challenge)
	var back PaymentChallenge
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	want, err := p.seal(back)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if want != challenge.HMAC {
		t.Fatal("challenge seal did not survive a JSON round trip")
	}
}
