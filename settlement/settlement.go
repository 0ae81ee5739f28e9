// Package settlement implements the outbound settlement protocol: an
// ES256-signed JWT session with the external billing service, canonical
// JSON request signing, and the boot-time protocol-version handshake.
// Follows the same HTTP-client conventions as the adapters (provider/*.go's
// shared http.Client + context.Context-first methods) and golang-jwt/v5,
// already in the corpus's dependency surface.
package settlement

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/wireformat"
)

// LoadSigningKeyFromPEM reads an EC private key (PKCS#8 or SEC1) from path,
// as used to mint the settlement session's ES256 token.
func LoadSigningKeyFromPEM(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settlement: read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("settlement: no PEM block found in %s", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("settlement: parse EC private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("settlement: key at %s is not an ECDSA private key", path)
	}
	return key, nil
}

// MaxSessionTTL bounds how long a minted session JWT may live.
const MaxSessionTTL = 5 * time.Minute

// MaxClockSkew is the allowed leeway when verifying iat/exp.
const MaxClockSkew = 30 * time.Second

// SupportedProtocolVersion is the version this client negotiates at boot.
const SupportedProtocolVersion = "2026-01"

// Claims is the settlement session's JWT payload.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer mints ES256-signed session tokens.
type Signer struct {
	key      *ecdsa.PrivateKey
	issuer   string
	audience string
}

// NewSigner constructs a Signer from an ECDSA P-256 private key.
func NewSigner(key *ecdsa.PrivateKey, issuer, audience string) *Signer {
	return &Signer{key: key, issuer: issuer, audience: audience}
}

// Mint issues a session token for subject sub with the given TTL, capped
// at MaxSessionTTL.
func (s *Signer) Mint(sub string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxSessionTTL {
		ttl = MaxSessionTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(s.key)
}

// Verifier checks ES256 session tokens minted by a counterpart Signer.
type Verifier struct {
	publicKey *ecdsa.PublicKey
	issuer    string
	audience  string
}

// NewVerifier constructs a Verifier from an ECDSA P-256 public key.
func NewVerifier(publicKey *ecdsa.PublicKey, issuer, audience string) *Verifier {
	return &Verifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString, enforcing algorithm pinning,
// issuer/audience match, and MaxClockSkew leeway on iat/exp.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(MaxClockSkew),
		jwt.WithValidMethods([]string{"ES256"}),
	)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindProtocolIncompatible, err, gwerrors.Context{})
	}
	if !token.Valid {
		return nil, gwerrors.New(gwerrors.KindProtocolIncompatible, "settlement session token invalid", gwerrors.Context{})
	}
	return claims, nil
}

// Record is one settlement posting sent to the external billing service.
// CorrelationID ties it back to a billing.Entry; EnsembleID is set only
// for ensemble branch records (per-branch cost attribution).
type Record struct {
	BillingEntryID string              `json:"billing_entry_id"`
	CorrelationID  string              `json:"correlation_id"`
	EnsembleID     string              `json:"ensemble_id,omitempty"`
	UserID         string              `json:"user_id"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
	ActualAmount   wireformat.MicroUSD `json:"actual_amount"`
	Timestamp      time.Time           `json:"timestamp"`
}

// HandshakeResponse is the server's reply to the boot-time protocol
// negotiation.
type HandshakeResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	Compatible      bool   `json:"compatible"`
}

// Client talks to the external billing service: boot handshake plus
// per-record settlement posts, each signed with a fresh short-lived
// session token and canonical-JSON body.
type Client struct {
	baseURL string
	signer  *Signer
	subject string
	http    *http.Client
}

// NewClient constructs a settlement Client.
func NewClient(baseURL string, signer *Signer, subject string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, signer: signer, subject: subject, http: httpClient}
}

// Handshake negotiates the protocol version at boot. A mismatched version
// is KindProtocolIncompatible; an unreachable service is
// KindProtocolUnreachable — the distinction matters because the former is
// a deploy-time configuration bug and the latter is a transient outage.
func (c *Client) Handshake(ctx context.Context) (HandshakeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/protocol", nil)
	if err != nil {
		return HandshakeResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HandshakeResponse{}, gwerrors.Wrap(gwerrors.KindProtocolUnreachable, err, gwerrors.Context{})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return HandshakeResponse{}, gwerrors.New(gwerrors.KindProtocolUnreachable, fmt.Sprintf("handshake status %d: %s", resp.StatusCode, body), gwerrors.Context{})
	}

	var hr HandshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return HandshakeResponse{}, gwerrors.Wrap(gwerrors.KindProtocolIncompatible, err, gwerrors.Context{})
	}
	if hr.ProtocolVersion != SupportedProtocolVersion {
		return hr, gwerrors.New(gwerrors.KindProtocolIncompatible, "settlement service protocol version "+hr.ProtocolVersion+" != "+SupportedProtocolVersion, gwerrors.Context{})
	}
	return hr, nil
}

// PostRecord signs and sends one settlement Record. The body is
// canonicalized before signing so the server can independently verify the
// byte sequence that was authorized.
func (c *Client) PostRecord(ctx context.Context, rec Record) error {
	token, err := c.signer.Mint(c.subject, MaxSessionTTL)
	if err != nil {
		return err
	}

	body, err := wireformat.Canonicalize(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindProtocolUnreachable, err, gwerrors.Context{CorrelationID: rec.CorrelationID})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return gwerrors.New(gwerrors.KindProtocolIncompatible, fmt.Sprintf("settlement post status %d: %s", resp.StatusCode, respBody), gwerrors.Context{CorrelationID: rec.CorrelationID})
	}
	return nil
}
