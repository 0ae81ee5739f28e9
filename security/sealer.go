// Package security provides at-rest encryption for the billing records
// the gateway parks outside its own process: DLQ settlement payloads
// carry account identifiers and amounts, and sit in Redis for hours
// between replay attempts, so they are sealed with AES-256-GCM before
// they leave the process and opened on the way back in.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Sealer encrypts and decrypts small payloads with AES-256-GCM. The
// 32-byte key is derived from the configured secret with SHA-256, so any
// operator-supplied string works as key material.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the AEAD from secret. An empty secret is an error —
// callers that want plaintext storage pass a nil *Sealer instead.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("security: empty sealing secret")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("security: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. A truncated or tampered input fails authentication.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("security: decode: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return nil, errors.New("security: sealed payload too short")
	}
	plaintext, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("security: open: %w", err)
	}
	return plaintext, nil
}
