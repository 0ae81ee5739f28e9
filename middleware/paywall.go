// Paywall implements the pay-per-call challenge-response alternative to
// bearer-key auth: an unauthenticated chat request receives a 402 carrying
// an HMAC-sealed challenge; the client pays, then re-presents the
// challenge with its proof in the X-Payment header. The seal makes the
// scheme stateless — the gateway never stores issued challenges, it just
// verifies its own signature and the expiry on the way back in.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/wireformat"
)

// PaymentChallenge is the body of a 402 response. HMAC covers the
// canonical JSON of every other field, so the challenge round-trips
// through the client byte-for-byte verifiable.
type PaymentChallenge struct {
	Nonce     string              `json:"nonce"`
	Amount    wireformat.MicroUSD `json:"amount"`
	Recipient string              `json:"recipient"`
	ChainID   int64               `json:"chain_id"`
	ExpiresAt time.Time           `json:"expires_at"`
	HMAC      string              `json:"hmac,omitempty"`
}

// PaymentProof is what the client re-presents in the X-Payment header
// (base64 of this JSON): the original challenge plus the payer identity
// and transaction reference.
type PaymentProof struct {
	PaymentChallenge
	Payer  string `json:"payer"`
	TxHash string `json:"tx_hash"`
}

// Paywall issues and verifies pay-per-call challenges.
type Paywall struct {
	secret    []byte
	amount    wireformat.MicroUSD
	recipient string
	chainID   int64
	ttl       time.Duration
	logger    zerolog.Logger
}

// NewPaywall constructs a Paywall. secret seals challenges; it must be
// shared across replicas so a challenge issued by one instance verifies on
// another.
func NewPaywall(logger zerolog.Logger, secret []byte, amount wireformat.MicroUSD, recipient string, chainID int64) *Paywall {
	return &Paywall{
		secret:    secret,
		amount:    amount,
		recipient: recipient,
		chainID:   chainID,
		ttl:       5 * time.Minute,
		logger:    logger.With().Str("component", "paywall").Logger(),
	}
}

func (p *Paywall) seal(c PaymentChallenge) (string, error) {
	c.HMAC = ""
	canonical, err := wireformat.Canonicalize(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// NewChallenge mints a sealed challenge for one call.
func (p *Paywall) NewChallenge() (PaymentChallenge, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return PaymentChallenge{}, err
	}
	c := PaymentChallenge{
		Nonce:     hex.EncodeToString(buf),
		Amount:    p.amount,
		Recipient: p.recipient,
		ChainID:   p.chainID,
		ExpiresAt: time.Now().UTC().Add(p.ttl).Truncate(time.Second),
	}
	sealHex, err := p.seal(c)
	if err != nil {
		return PaymentChallenge{}, err
	}
	c.HMAC = sealHex
	return c, nil
}

// VerifyProof checks an X-Payment header value: the embedded challenge
// must carry our own unexpired seal. Returns the payer identity.
func (p *Paywall) VerifyProof(headerValue string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return "", false
	}
	var proof PaymentProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return "", false
	}
	if proof.Payer == "" || proof.HMAC == "" {
		return "", false
	}
	if time.Now().UTC().After(proof.ExpiresAt) {
		return "", false
	}
	want, err := p.seal(proof.PaymentChallenge)
	if err != nil {
		return "", false
	}
	if !hmac.Equal([]byte(want), []byte(proof.HMAC)) {
		return "", false
	}
	return proof.Payer, true
}

// OrBearer returns middleware that authenticates by bearer API key when an
// Authorization header is present, and by payment proof otherwise. A
// request carrying neither receives 402 with a fresh challenge, not 401 —
// the caller can always pay its way in.
func (p *Paywall) OrBearer(auth *AuthMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		bearer := auth.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(auth.headerKey) != "" {
				bearer.ServeHTTP(w, r)
				return
			}
			if proof := r.Header.Get("X-Payment"); proof != "" {
				payer, ok := p.VerifyProof(proof)
				if !ok {
					p.logger.Warn().Str("path", r.URL.Path).Msg("payment proof rejected")
					http.Error(w, `{"error":"invalid_payment","message":"payment proof rejected"}`, http.StatusPaymentRequired)
					return
				}
				ctx := SetUserID(r.Context(), "payer:"+payer)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			challenge, err := p.NewChallenge()
			if err != nil {
				http.Error(w, `{"error":"internal","message":"challenge mint failed"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(challenge)
		})
	}
}
