package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/routing"
)

// ExperimentHandler provides HTTP handlers for experiment management.
type ExperimentHandler struct {
	engine *routing.ExperimentEngine
	logger zerolog.Logger
}

// NewExperimentHandler creates a new experiment handler.
func NewExperimentHandler(engine *routing.ExperimentEngine, logger zerolog.Logger) *ExperimentHandler {
	return &ExperimentHandler{engine: engine, logger: logger}
}

// ListExperiments handles GET /v1/experiments.
func (h *ExperimentHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListExperiments())
}

// CreateExperiment handles POST /v1/experiments.
func (h *ExperimentHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var exp routing.Experiment
	if err := json.NewDecoder(r.Body).Decode(&exp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	created, err := h.engine.CreateExperiment(exp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}

	h.logger.Info().Str("id", created.ID).Str("name", created.Name).Msg("experiment created")
	writeJSON(w, http.StatusCreated, created)
}

// GetExperiment handles GET /v1/experiments/{id}.
func (h *ExperimentHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exp, metrics, err := h.engine.GetExperiment(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment": exp,
		"metrics":    metrics,
	})
}

// StartExperiment handles POST /v1/experiments/{id}/start.
func (h *ExperimentHandler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.StartExperiment(id); err != nil {
		writeError(w, http.StatusBadRequest, "start_failed", err.Error())
		return
	}
	h.logger.Info().Str("id", id).Msg("experiment started")
	writeJSON(w, http.StatusOK, map[string]string{"status": "running", "id": id})
}

// PauseExperiment handles POST /v1/experiments/{id}/pause.
func (h *ExperimentHandler) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.PauseExperiment(id); err != nil {
		writeError(w, http.StatusBadRequest, "pause_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "id": id})
}

// ConcludeExperiment handles POST /v1/experiments/{id}/conclude?winner=<idx>.
func (h *ExperimentHandler) ConcludeExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	winnerIdx, err := strconv.Atoi(r.URL.Query().Get("winner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_winner", "winner query param must be a variant index")
		return
	}
	if err := h.engine.ConcludeExperiment(id, winnerIdx); err != nil {
		writeError(w, http.StatusBadRequest, "conclude_failed", err.Error())
		return
	}
	h.logger.Info().Str("id", id).Int("winner_idx", winnerIdx).Msg("experiment concluded")
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "concluded", "id": id, "winner_idx": winnerIdx})
}

// DeleteExperiment handles DELETE /v1/experiments/{id}.
func (h *ExperimentHandler) DeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteExperiment(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignVariant handles POST /v1/experiments/{id}/assign.
func (h *ExperimentHandler) AssignVariant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		RequestKey string `json:"request_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	variant, idx, err := h.engine.AssignVariant(id, body.RequestKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "assign_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"variant":     variant,
		"variant_idx": idx,
	})
}

// RecordResult handles POST /v1/experiments/{id}/result.
func (h *ExperimentHandler) RecordResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		VariantIdx int     `json:"variant_idx"`
		Cost       float64 `json:"cost"`
		LatencyMs  float64 `json:"latency_ms"`
		Tokens     int64   `json:"tokens"`
		IsError    bool    `json:"is_error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	h.engine.RecordResult(id, body.VariantIdx, body.Cost, time.Duration(body.LatencyMs*float64(time.Millisecond)), body.Tokens, body.IsError)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// GetMetrics handles GET /v1/experiments/{id}/metrics.
func (h *ExperimentHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, metrics, err := h.engine.GetExperiment(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": id,
		"metrics":       metrics,
	})
}

// CompareVariants handles GET /v1/experiments/{id}/compare.
func (h *ExperimentHandler) CompareVariants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	errorTest, err := h.engine.CompareErrorRates(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "compare_failed", err.Error())
		return
	}
	costTest, err := h.engine.CompareCosts(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "compare_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": id,
		"error_rate":    errorTest,
		"cost":          costTest,
	})
}
