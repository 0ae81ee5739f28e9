// Streaming agent invocation. Only an ensemble agent bound to the
// first_complete strategy is served here, with the race-and-hand-off
// streaming treatment; any other agent is refused with CONFIG_INVALID,
// and single-model streaming goes through the proxy's
// /v1/chat/completions path instead.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/latticeforge/gateway/ensemble"
	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/middleware"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/resolver"
	"github.com/latticeforge/gateway/wireformat"
)

// InvokeStream handles POST /v1/agents/{agent}/invoke/stream. It only
// supports agents bound to an ensemble first_complete policy; a
// single-model streaming agent should call the provider's adapter
// directly via the legacy /v1/chat/completions streaming path.
func (h *InvokeHandler) InvokeStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent := chi.URLParam(r, "agent")
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = ids.New()
	}

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		userID = middleware.GetAPIKey(ctx)
	}
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, gwerrors.New(gwerrors.KindAccessDenied, "no authenticated caller", gwerrors.Context{Agent: agent}))
		return
	}

	policy := agentEnsemblePolicy(h.resolver, agent)
	if policy == nil || ensemble.Strategy(policy.Strategy) != ensemble.StrategyFirstComplete {
		h.writeError(w, http.StatusBadRequest, gwerrors.New(gwerrors.KindConfigInvalid, "agent is not bound to a streaming-capable (first_complete ensemble) policy", gwerrors.Context{Agent: agent}))
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, gwerrors.New(gwerrors.KindConfigInvalid, "invalid request body: "+err.Error(), gwerrors.Context{Agent: agent}))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, gwerrors.New(gwerrors.KindConfigInvalid, "messages must not be empty", gwerrors.Context{Agent: agent}))
		return
	}

	scope, limits := h.scopeLimits(userID, agent)
	resolved, err := h.resolver.Resolve(ctx, agent, resolver.ResolveOpts{
		TaskType:             req.TaskType,
		BudgetScope:          scope,
		BudgetLimits:         limits,
		BudgetExceededPolicy: "downgrade",
	})
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}
	_ = resolved // the winning pool is determined by the race itself, not by Resolve

	ensembleID := ids.New()
	members := make([]ensemble.Member, 0, len(policy.PoolIDs))
	for _, poolID := range policy.PoolIDs {
		pool, ok := h.resolver.Pool(poolID)
		if !ok {
			continue
		}
		prov, ok := h.registry.Get(pool.Provider)
		if !ok {
			continue
		}
		pricing, _ := h.pricing.GetPricing(pool.Provider, pool.Model)
		members = append(members, ensemble.Member{
			PoolID:                 pool.ID,
			Provider:               prov,
			Model:                  pool.Model,
			OutputPricePer1M:       pricing.OutputPer1M,
			PerModelBudgetMicroUSD: policy.PerModelBudgetMicroUSD,
		})
	}
	if len(members) == 0 {
		h.writeError(w, http.StatusBadRequest, gwerrors.New(gwerrors.KindConfigInvalid, "ensemble policy resolved zero members", gwerrors.Context{Agent: agent}))
		return
	}

	billingEntryID := ids.New()
	estimatedCost := h.pricing.EstimateCost(resolved.Provider, resolved.ModelID, estimateInputTokens(req.Messages), estimateMaxTokens(req.MaxTokens))
	if _, err := h.billing.Reserve(ctx, billingEntryID, correlationID, userID, estimatedCost, 1.0); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	run, err := ensemble.RunStream(ctx, ensemble.Request{
		EnsembleID: ensembleID,
		Members:    members,
		Strategy:   ensemble.StrategyFirstComplete,
		Base: provider.ChatRequest{
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Tools:       req.Tools,
			Stream:      true,
		},
		TotalBudgetMicroUSD: policy.TotalBudgetMicroUSD,
		TotalTimeout:        2 * time.Minute,
	})
	if err != nil {
		_, _ = h.billing.Release(ctx, billingEntryID, "pre_stream_failure")
		h.writeError(w, statusForError(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		_, _ = h.billing.Release(ctx, billingEntryID, "pre_stream_failure")
		h.writeError(w, http.StatusInternalServerError, gwerrors.New(gwerrors.KindConfigInvalid, "streaming not supported by response writer", gwerrors.Context{Agent: agent}))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Billing-Entry-ID", billingEntryID)
	w.WriteHeader(http.StatusOK)

	for chunk := range run.Chunks() {
		_, _ = w.Write(chunk.Data)
		_, _ = w.Write([]byte("\n"))
		flusher.Flush()
	}

	branches, winnerPool, runErr := run.Wait()
	if runErr != nil {
		h.log.Warn().Err(runErr).Str("ensemble_id", ensembleID).Msg("streaming ensemble run failed after dispatch")
		_, _ = h.billing.Release(ctx, billingEntryID, "pre_stream_failure")
		return
	}

	var totalCost wireformat.MicroUSD
	for _, b := range branches {
		if b.Overcount || b.Err != nil {
			continue
		}
		totalCost += b.Cost
	}
	if _, err := h.billing.Commit(ctx, billingEntryID, totalCost); err != nil {
		h.log.Error().Err(err).Str("billing_entry_id", billingEntryID).Msg("commit failed after streaming dispatch")
		return
	}
	if h.budgets != nil && scope.TenantID != "" {
		if _, err := h.budgets.RecordCost(ctx, scope, limits, totalCost); err != nil {
			h.log.Error().Err(err).Msg("budget record-cost failed after streaming commit")
		}
	}
	// Only the winner is billed — cancelled losers' Overcount costs are
	// diagnostic only: a winner's race attributes only the winner's cost.
	h.settle(ctx, billingEntryID, correlationID, ensembleID, userID, "", winnerPool, totalCost)
}
