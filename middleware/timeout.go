// Request deadline enforcement. Every request runs under a context
// deadline resolved from (in order) the caller's X-Lattice-Timeout
// header, the per-provider table, or the default. On expiry the caller
// gets 504 and the still-running handler's writes are suppressed until
// its cancelled context unwinds it.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/config"
)

// maxClientTimeout caps what a caller may ask for via header.
const maxClientTimeout = 5 * time.Minute

// TimeoutMiddleware applies the resolved deadline per request.
type TimeoutMiddleware struct {
	logger zerolog.Logger
	cfg    *config.Config
}

// NewTimeoutMiddleware creates a new timeout middleware.
func NewTimeoutMiddleware(logger zerolog.Logger, cfg *config.Config) *TimeoutMiddleware {
	return &TimeoutMiddleware{logger: logger, cfg: cfg}
}

// Handler returns the HTTP middleware handler.
func (t *TimeoutMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := t.resolve(r)
		if timeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		tw := &timeoutWriter{ResponseWriter: w}
		done := make(chan struct{})
		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
			return
		case <-ctx.Done():
		}

		// Deadline hit first: answer 504 ourselves and gag the handler
		// goroutine's late writes, then wait for its context-cancelled
		// unwind so nothing races the connection after we return.
		tw.mu.Lock()
		tw.timedOut = true
		if !tw.wroteHeader {
			tw.wroteHeader = true
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGatewayTimeout)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"type":    "timeout",
					"message": "request timed out after " + timeout.String(),
				},
			})
		}
		tw.mu.Unlock()

		t.logger.Warn().Str("path", r.URL.Path).Dur("timeout", timeout).Msg("request timed out")
		<-done
	})
}

// resolve picks the deadline: caller header (capped), then the provider
// table for proxy endpoints, then the default.
func (t *TimeoutMiddleware) resolve(r *http.Request) time.Duration {
	if headerVal := r.Header.Get("X-Lattice-Timeout"); headerVal != "" {
		if seconds, err := strconv.Atoi(headerVal); err == nil && seconds > 0 {
			timeout := time.Duration(seconds) * time.Second
			if timeout > maxClientTimeout {
				timeout = maxClientTimeout
			}
			return timeout
		}
	}
	if r.URL.Path == "/v1/chat/completions" || r.URL.Path == "/v1/embeddings" {
		if providerName := r.URL.Query().Get("provider"); providerName != "" {
			return t.cfg.ProviderTimeout(providerName)
		}
	}
	return t.cfg.DefaultTimeout
}

// timeoutWriter serializes writes between the handler goroutine and the
// timeout path, and drops handler output that arrives after expiry.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, context.DeadlineExceeded
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

// Flush keeps streaming responses flowing while the deadline has not hit.
func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
