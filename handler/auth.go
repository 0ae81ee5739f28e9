// Wallet-signed session auth: POST /v1/auth/nonce hands out a one-shot
// nonce bound to an address; POST /v1/auth/verify checks the caller's
// signature over it and mints a short-lived session token. The session
// token then authenticates the API-key management endpoints (/v1/keys).
// Signature verification itself is pluggable — the gateway consumes signed
// material, it does not issue identity.
package handler

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// SignatureVerifier checks that signature is a valid signature by address
// over nonce. The production implementation delegates to the wallet
// infrastructure; HMACSignatureVerifier below is the self-contained
// variant for deployments that provision per-address shared secrets.
type SignatureVerifier interface {
	VerifySignature(address, nonce, signature string) bool
}

// HMACSignatureVerifier accepts signature == hex(HMAC-SHA256(secret, address|nonce)).
type HMACSignatureVerifier struct {
	Secret []byte
}

func (v HMACSignatureVerifier) VerifySignature(address, nonce, signature string) bool {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write([]byte(address + "|" + nonce))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

type issuedNonce struct {
	address   string
	expiresAt time.Time
}

// APIKey is one managed key record. The secret is returned only once, at
// creation.
type APIKey struct {
	ID        string    `json:"id"`
	Key       string    `json:"key,omitempty"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyCacher lets freshly created keys authenticate immediately without a
// round-trip to the backing validator. *middleware.AuthMiddleware
// satisfies it.
type KeyCacher interface {
	CacheValidation(apiKey, userID string)
}

// AuthHandler serves the nonce/verify pair and the session-authenticated
// key management endpoints.
type AuthHandler struct {
	sessionSecret []byte
	sessionTTL    time.Duration
	nonceTTL      time.Duration
	verifier      SignatureVerifier
	keyCache      KeyCacher
	log           zerolog.Logger

	mu     sync.Mutex
	nonces map[string]issuedNonce
	keys   map[string][]APIKey // address -> keys (secrets redacted after creation)
}

// NewAuthHandler constructs an AuthHandler. keyCache may be nil.
func NewAuthHandler(sessionSecret []byte, verifier SignatureVerifier, keyCache KeyCacher, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		sessionSecret: sessionSecret,
		sessionTTL:    24 * time.Hour,
		nonceTTL:      5 * time.Minute,
		verifier:      verifier,
		keyCache:      keyCache,
		log:           log.With().Str("component", "auth_handler").Logger(),
		nonces:        make(map[string]issuedNonce),
		keys:          make(map[string][]APIKey),
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Nonce handles POST /v1/auth/nonce.
func (h *AuthHandler) Nonce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, `{"error":"invalid_request","message":"address required"}`, http.StatusBadRequest)
		return
	}
	nonce, err := randomHex(16)
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	expires := time.Now().UTC().Add(h.nonceTTL)

	h.mu.Lock()
	for n, rec := range h.nonces { // opportunistic sweep of expired nonces
		if time.Now().After(rec.expiresAt) {
			delete(h.nonces, n)
		}
	}
	h.nonces[nonce] = issuedNonce{address: req.Address, expiresAt: expires}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"nonce":      nonce,
		"expires_at": expires,
	})
}

// Verify handles POST /v1/auth/verify: consumes the nonce, checks the
// signature, mints a session token.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address   string `json:"address"`
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.Nonce == "" || req.Signature == "" {
		http.Error(w, `{"error":"invalid_request","message":"address, nonce, signature required"}`, http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	rec, ok := h.nonces[req.Nonce]
	if ok {
		delete(h.nonces, req.Nonce) // single use, even on a failed signature
	}
	h.mu.Unlock()

	if !ok || rec.address != req.Address || time.Now().After(rec.expiresAt) {
		http.Error(w, `{"error":"invalid_nonce","message":"nonce unknown, expired, or bound to a different address"}`, http.StatusUnauthorized)
		return
	}
	if h.verifier == nil || !h.verifier.VerifySignature(req.Address, req.Nonce, req.Signature) {
		http.Error(w, `{"error":"invalid_signature"}`, http.StatusUnauthorized)
		return
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Address,
		"iat": now.Unix(),
		"exp": now.Add(h.sessionTTL).Unix(),
	})
	signed, err := token.SignedString(h.sessionSecret)
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"session_token": signed,
		"expires_at":    now.Add(h.sessionTTL),
	})
}

// sessionAddress validates the session token on a management request and
// returns the authenticated address.
func (h *AuthHandler) sessionAddress(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		raw = raw[7:]
	}
	if raw == "" {
		return "", false
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.sessionSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", false
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// ListKeys handles GET /v1/keys.
func (h *AuthHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	address, ok := h.sessionAddress(r)
	if !ok {
		http.Error(w, `{"error":"session_required"}`, http.StatusUnauthorized)
		return
	}
	h.mu.Lock()
	keys := append([]APIKey(nil), h.keys[address]...)
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"keys": keys})
}

// CreateKey handles POST /v1/keys. The key secret appears in this response
// and nowhere else.
func (h *AuthHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	address, ok := h.sessionAddress(r)
	if !ok {
		http.Error(w, `{"error":"session_required"}`, http.StatusUnauthorized)
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	id, err := randomHex(8)
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	secret, err := randomHex(24)
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	key := APIKey{ID: id, Key: "lfk_" + secret, Label: req.Label, CreatedAt: time.Now().UTC()}

	h.mu.Lock()
	stored := key
	stored.Key = "" // never retrievable again
	h.keys[address] = append(h.keys[address], stored)
	h.mu.Unlock()

	if h.keyCache != nil {
		h.keyCache.CacheValidation(key.Key, address)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(key)
}

// DeleteKey handles DELETE /v1/keys/{id}.
func (h *AuthHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	address, ok := h.sessionAddress(r)
	if !ok {
		http.Error(w, `{"error":"session_required"}`, http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	defer h.mu.Unlock()
	keys := h.keys[address]
	for i, k := range keys {
		if k.ID == id {
			h.keys[address] = append(keys[:i], keys[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
}
