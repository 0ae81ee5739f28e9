// Header normalization: the gateway owns provider credentials and
// telemetry, so provider-auth headers are stripped on the way in and
// upstream bookkeeping headers are stripped on the way out, replaced
// with the gateway's own.
package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// stripFromRequest lists provider headers a client must not smuggle
// through the gateway.
var stripFromRequest = []string{
	"x-api-key",
	"anthropic-version",
	"anthropic-beta",
	"openai-organization",
	"openai-project",
	"x-stainless-lang",
	"x-stainless-os",
	"x-stainless-runtime",
	"x-stainless-arch",
	"x-stainless-package-version",
}

// stripFromResponse lists upstream headers that must not leak to the
// client: provider identities, provider rate limits, CDN fingerprints.
var stripFromResponse = []string{
	"x-api-key",
	"anthropic-version",
	"openai-organization",
	"openai-processing-ms",
	"x-ratelimit-limit-requests",
	"x-ratelimit-limit-tokens",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-remaining-tokens",
	"x-ratelimit-reset-requests",
	"x-ratelimit-reset-tokens",
	"cf-ray",
	"cf-cache-status",
	"server",
	"x-request-id",
}

// HeaderNormalization strips provider headers in both directions and
// stamps the gateway's identity on every response.
type HeaderNormalization struct {
	logger zerolog.Logger
}

// NewHeaderNormalization creates the middleware.
func NewHeaderNormalization(logger zerolog.Logger) *HeaderNormalization {
	return &HeaderNormalization{logger: logger}
}

// Handler returns the HTTP middleware handler.
func (h *HeaderNormalization) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, header := range stripFromRequest {
			if r.Header.Get(header) != "" {
				h.logger.Debug().Str("header", header).Str("path", r.URL.Path).Msg("stripped provider header from request")
				r.Header.Del(header)
			}
		}
		if ct := r.Header.Get("Content-Type"); ct != "" && strings.Contains(ct, "json") && ct != "application/json" {
			r.Header.Set("Content-Type", "application/json")
		}
		if r.Header.Get("Accept") == "" {
			r.Header.Set("Accept", "application/json")
		}
		next.ServeHTTP(&headerNormWriter{ResponseWriter: w}, r)
	})
}

// headerNormWriter applies the response-side normalization once, just
// before the header block is committed.
type headerNormWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (hw *headerNormWriter) WriteHeader(code int) {
	if hw.wroteHeader {
		return
	}
	hw.wroteHeader = true
	for _, header := range stripFromResponse {
		hw.ResponseWriter.Header().Del(header)
	}
	hw.ResponseWriter.Header().Set("X-Lattice-Gateway", "true")
	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerNormWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

// Flush keeps streaming responses flowing through the wrapper.
func (hw *headerNormWriter) Flush() {
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
