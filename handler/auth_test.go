package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func testAuthHandler() *AuthHandler {
	secret := []byte("session-secret")
	return NewAuthHandler(secret, HMACSignatureVerifier{Secret: secret}, nil, zerolog.Nop())
}

func signNonce(secret []byte, address, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(address + "|" + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func obtainSession(t *testing.T, h *AuthHandler, address string) string {
	t.Helper()
	rec := postJSON(t, h.Nonce, "/v1/auth/nonce", map[string]string{"address": address})
	if rec.Code != http.StatusOK {
		t.Fatalf("nonce: want 200 got %d", rec.Code)
	}
	var nr struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &nr); err != nil || nr.Nonce == "" {
		t.Fatalf("nonce body: %v %s", err, rec.Body.String())
	}

	rec = postJSON(t, h.Verify, "/v1/auth/verify", map[string]string{
		"address":   address,
		"nonce":     nr.Nonce,
		"signature": signNonce(h.sessionSecret, address, nr.Nonce),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: want 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var vr struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &vr); err != nil || vr.SessionToken == "" {
		t.Fatalf("verify body: %v %s", err, rec.Body.String())
	}
	return vr.SessionToken
}

func TestNonceVerifyMintsSession(t *testing.T) {
	h := testAuthHandler()
	token := obtainSession(t, h, "0xalice")
	if token == "" {
		t.Fatal("empty session token")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	h := testAuthHandler()
	rec := postJSON(t, h.Nonce, "/v1/auth/nonce", map[string]string{"address": "0xalice"})
	var nr struct {
		Nonce string `json:"nonce"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &nr)

	rec = postJSON(t, h.Verify, "/v1/auth/verify", map[string]string{
		"address":   "0xalice",
		"nonce":     nr.Nonce,
		"signature": "deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", rec.Code)
	}
}

func TestNonceIsSingleUse(t *testing.T) {
	h := testAuthHandler()
	rec := postJSON(t, h.Nonce, "/v1/auth/nonce", map[string]string{"address": "0xalice"})
	var nr struct {
		Nonce string `json:"nonce"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &nr)

	body := map[string]string{
		"address":   "0xalice",
		"nonce":     nr.Nonce,
		"signature": signNonce(h.sessionSecret, "0xalice", nr.Nonce),
	}
	if rec := postJSON(t, h.Verify, "/v1/auth/verify", body); rec.Code != http.StatusOK {
		t.Fatalf("first verify should succeed, got %d", rec.Code)
	}
	if rec := postJSON(t, h.Verify, "/v1/auth/verify", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("nonce replay must fail, got %d", rec.Code)
	}
}

func TestVerifyRejectsNonceBoundToOtherAddress(t *testing.T) {
	h := testAuthHandler()
	rec := postJSON(t, h.Nonce, "/v1/auth/nonce", map[string]string{"address": "0xalice"})
	var nr struct {
		Nonce string `json:"nonce"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &nr)

	rec = postJSON(t, h.Verify, "/v1/auth/verify", map[string]string{
		"address":   "0xmallory",
		"nonce":     nr.Nonce,
		"signature": signNonce(h.sessionSecret, "0xmallory", nr.Nonce),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", rec.Code)
	}
}

func TestKeyLifecycle(t *testing.T) {
	h := testAuthHandler()
	token := obtainSession(t, h, "0xalice")

	// Create
	raw, _ := json.Marshal(map[string]string{"label": "ci"})
	req := httptest.NewRequest(http.MethodPost, "/v1/keys", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: want 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var created APIKey
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("create body: %v", err)
	}
	if created.Key == "" || created.ID == "" {
		t.Fatalf("created key incomplete: %+v", created)
	}

	// List — secret must be redacted
	req = httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ListKeys(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: want 200 got %d", rec.Code)
	}
	var listed struct {
		Keys []APIKey `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("list body: %v", err)
	}
	if len(listed.Keys) != 1 || listed.Keys[0].ID != created.ID {
		t.Fatalf("list mismatch: %+v", listed.Keys)
	}
	if listed.Keys[0].Key != "" {
		t.Fatal("listed key must not expose the secret")
	}

	// Delete via chi router so the {id} param resolves
	r := chi.NewRouter()
	r.Delete("/v1/keys/{id}", h.DeleteKey)
	req = httptest.NewRequest(http.MethodDelete, "/v1/keys/"+created.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: want 204 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ListKeys(rec, req)
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed.Keys) != 0 {
		t.Fatalf("key not deleted: %+v", listed.Keys)
	}
}

func TestKeysRequireSession(t *testing.T) {
	h := testAuthHandler()
	req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	rec := httptest.NewRecorder()
	h.ListKeys(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ListKeys(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 for garbage token, got %d", rec.Code)
	}
}

func TestDiscoveryDocumentIsPlainText(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/gateway", nil)
	rec := httptest.NewRecorder()
	DiscoveryHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("want plain text, got %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("invoke: POST /v1/agents/{agent}/invoke")) {
		t.Fatal("discovery document missing invoke endpoint")
	}
}

func TestHomepageEmbedsToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=tok123", nil)
	rec := httptest.NewRecorder()
	HomeHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("tok123")) {
		t.Fatal("homepage should embed the token parameter")
	}
}
