// Provider inspection surface: listing, per-provider models with
// micro-USD pricing, connectivity tests, and pre-request cost estimates.
// Everything here is read-only against the registry and pricing table —
// providers register at boot, never over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/wireformat"
)

// ProviderConfigHandler serves the provider inspection endpoints.
type ProviderConfigHandler struct {
	logger   zerolog.Logger
	registry *provider.Registry
	pricing  *provider.PricingConfig
}

// NewProviderConfigHandler creates the handler.
func NewProviderConfigHandler(logger zerolog.Logger, registry *provider.Registry, pricing *provider.PricingConfig) *ProviderConfigHandler {
	return &ProviderConfigHandler{logger: logger, registry: registry, pricing: pricing}
}

// ProviderInfo is one provider's publicly visible state.
type ProviderInfo struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"` // "network" or "claude-code"
	Models    []string `json:"models"`
	Healthy   bool     `json:"healthy"`
	LatencyMs int64    `json:"latency_ms"`
	LastCheck string   `json:"last_check,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ProviderPricingInfo is one model's rate card in integer micro-USD per
// 1M tokens.
type ProviderPricingInfo struct {
	Model       string              `json:"model"`
	Provider    string              `json:"provider"`
	InputPer1M  wireformat.MicroUSD `json:"input_per_1m_micro"`
	OutputPer1M wireformat.MicroUSD `json:"output_per_1m_micro"`
	Free        bool                `json:"free"`
}

func (h *ProviderConfigHandler) providerInfo(name string, prov provider.Provider, status provider.HealthStatus) ProviderInfo {
	return ProviderInfo{
		Name:      name,
		Type:      string(h.registry.TypeOf(name)),
		Models:    prov.Models(),
		Healthy:   status.Healthy,
		LatencyMs: status.Latency.Milliseconds(),
		LastCheck: status.LastCheck.Format(time.RFC3339),
		Error:     status.Error,
	}
}

func notFound(w http.ResponseWriter, name string) {
	writeError(w, http.StatusNotFound, "not_found", "provider '"+name+"' not found")
}

// ListProviders handles GET /v1/providers.
func (h *ProviderConfigHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	health := h.registry.HealthCheckAll(ctx)

	out := make([]ProviderInfo, 0)
	for _, name := range h.registry.List() {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		out = append(out, h.providerInfo(name, prov, health[name]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
		"total":  len(out),
	})
}

// GetProvider handles GET /v1/providers/{name}.
func (h *ProviderConfigHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	prov, ok := h.registry.Get(name)
	if !ok {
		notFound(w, name)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.providerInfo(name, prov, prov.HealthCheck(ctx)))
}

// GetProviderModels handles GET /v1/providers/{name}/models, each model
// annotated with its rate card when the pricing table knows it.
func (h *ProviderConfigHandler) GetProviderModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	prov, ok := h.registry.Get(name)
	if !ok {
		notFound(w, name)
		return
	}

	models := make([]map[string]interface{}, 0)
	for _, model := range prov.Models() {
		entry := map[string]interface{}{
			"id":       model,
			"provider": name,
			"object":   "model",
		}
		if pricing, ok := h.pricing.GetPricing(name, model); ok {
			entry["pricing"] = map[string]interface{}{
				"input_per_1m_micro":  pricing.InputPer1M,
				"output_per_1m_micro": pricing.OutputPer1M,
				"free":                pricing.Free,
			}
		}
		models = append(models, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":   "list",
		"data":     models,
		"total":    len(models),
		"provider": name,
	})
}

// TestProvider handles POST /v1/providers/{name}/test.
func (h *ProviderConfigHandler) TestProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	prov, ok := h.registry.Get(name)
	if !ok {
		notFound(w, name)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	status := prov.HealthCheck(ctx)

	result := map[string]interface{}{
		"provider":   name,
		"healthy":    status.Healthy,
		"latency_ms": status.Latency.Milliseconds(),
		"tested_at":  time.Now().Format(time.RFC3339),
	}
	if status.Error != "" {
		result["error"] = status.Error
	}
	httpStatus := http.StatusOK
	if !status.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, result)
}

// GetPricing handles GET /v1/providers/pricing.
func (h *ProviderConfigHandler) GetPricing(w http.ResponseWriter, r *http.Request) {
	all := h.pricing.AllPricing()
	out := make([]ProviderPricingInfo, 0, len(all))
	for key, p := range all {
		out = append(out, ProviderPricingInfo{
			Model:       key,
			Provider:    provider.DetectProvider(key),
			InputPer1M:  p.InputPer1M,
			OutputPer1M: p.OutputPer1M,
			Free:        p.Free,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
		"total":  len(out),
	})
}

// EstimateCost handles POST /v1/providers/estimate.
func (h *ProviderConfigHandler) EstimateCost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model        string `json:"model"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	providerName := provider.DetectProvider(req.Model)
	cost := h.pricing.EstimateCost(providerName, req.Model, req.InputTokens, req.OutputTokens)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":                req.Model,
		"provider":             providerName,
		"input_tokens":         req.InputTokens,
		"output_tokens":        req.OutputTokens,
		"estimated_cost_micro": cost,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
