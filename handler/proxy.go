// Pass-through proxy: the unbilled OpenAI-compatible surface
// (/v1/chat/completions, /v1/embeddings, /v1/models). Requests name a
// model directly and are forwarded to whichever registered adapter owns
// it; the billed agent path lives in invoke.go.
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/provider"
)

// ProxyHandler forwards canonical requests to provider adapters.
type ProxyHandler struct {
	logger   zerolog.Logger
	registry *provider.Registry
}

// NewProxyHandler creates a new proxy handler.
func NewProxyHandler(logger zerolog.Logger, registry *provider.Registry) *ProxyHandler {
	return &ProxyHandler{
		logger:   logger.With().Str("component", "proxy").Logger(),
		registry: registry,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}
	if len(req.Tools) > 0 {
		if err := provider.ValidateToolDefinitions(req.Tools); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_tools", err.Error())
			return
		}
	}

	if r.Header.Get("X-Lattice-DryRun") == "true" {
		h.handleDryRun(w, &req)
		return
	}

	prov, err := h.registry.GetForModel(req.Model)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "provider_not_found", err.Error())
		return
	}

	if req.Stream {
		h.streamChat(w, r, prov, &req, start)
		return
	}

	resp, err := prov.ChatCompletion(r.Context(), &req)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Msg("provider error")
		h.writeError(w, http.StatusBadGateway, "provider_error", "upstream provider error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Lattice-Model", prov.Name()+"/"+req.Model)
	w.Header().Set("X-Lattice-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}

	h.logger.Info().
		Str("provider", prov.Name()).
		Str("model", req.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("chat completion success")
}

// streamChat forwards the provider's SSE stream chunk by chunk, watching
// for client disconnects so the provider call is cancelled (and partial
// output accounted) the moment the caller goes away.
func (h *ProxyHandler) streamChat(w http.ResponseWriter, r *http.Request, prov provider.Provider, req *provider.ChatRequest, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported by server")
		return
	}

	stream, err := prov.ChatCompletionStream(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Msg("stream open failed")
		h.writeError(w, http.StatusBadGateway, "provider_error", "upstream provider streaming error: "+err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Lattice-Model", prov.Name()+"/"+req.Model)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var chunks int
	var bytesSent int64
	disconnected := false
	clientGone := r.Context().Done()

loop:
	for {
		select {
		case <-clientGone:
			disconnected = true
			break loop
		default:
		}
		chunk, err := stream.Next()
		if err != nil {
			if err != io.EOF {
				h.logger.Error().Err(err).Msg("stream read error")
			}
			break
		}
		if _, writeErr := w.Write(chunk); writeErr != nil {
			disconnected = true
			break
		}
		chunks++
		bytesSent += int64(len(chunk))
		flusher.Flush()
	}

	h.logger.Info().
		Str("provider", prov.Name()).
		Str("model", req.Model).
		Int("chunks_sent", chunks).
		Int64("bytes_sent", bytesSent).
		Bool("client_disconnected", disconnected).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("stream finished")
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	prov, err := h.registry.GetForModel(req.Model)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "provider_not_found", err.Error())
		return
	}
	resp, err := prov.Embeddings(r.Context(), &req)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "provider_error", "upstream provider error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Lattice-Model", prov.Name()+"/"+req.Model)
	w.Header().Set("X-Lattice-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// handleDryRun estimates tokens without calling the provider.
func (h *ProxyHandler) handleDryRun(w http.ResponseWriter, req *provider.ChatRequest) {
	promptTokens := 0
	for _, msg := range req.Messages {
		if content, ok := msg.Content.(string); ok {
			promptTokens += len(content) / 4
		}
	}
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"dry_run":  true,
		"model":    req.Model,
		"provider": provider.DetectProvider(req.Model),
		"estimated_tokens": map[string]int{
			"prompt_tokens":   promptTokens,
			"max_completion":  maxTokens,
			"total_estimated": promptTokens + maxTokens,
		},
	})
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	models := make([]map[string]interface{}, 0)
	for _, name := range h.registry.List() {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id":       model,
				"object":   "model",
				"provider": name,
				"owned_by": name,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": models})
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheckAll(r.Context())
	resp := make(map[string]interface{}, len(health))
	for name, status := range health {
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"type": errType, "message": message},
	})
}
