// Invoke wires the gateway's core subsystems — resolver, budget enforcer,
// circuit breaker, billing state machine, ledger, and ensemble orchestrator
// — into the one inbound endpoint that actually spends money:
// POST /v1/agents/{agent}/invoke.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/analytics"
	"github.com/latticeforge/gateway/billing"
	"github.com/latticeforge/gateway/breaker"
	"github.com/latticeforge/gateway/budget"
	"github.com/latticeforge/gateway/dlq"
	"github.com/latticeforge/gateway/domain"
	"github.com/latticeforge/gateway/ensemble"
	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/middleware"
	"github.com/latticeforge/gateway/observability"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/resolver"
	"github.com/latticeforge/gateway/security"
	"github.com/latticeforge/gateway/settlement"
	"github.com/latticeforge/gateway/wireformat"
)

// InvokeRequest is the inbound body for an agent invocation.
type InvokeRequest struct {
	Messages    []provider.ChatMessage `json:"messages"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	Tools       []provider.Tool        `json:"tools,omitempty"`
	TaskType    string                 `json:"task_type,omitempty"`
}

// InvokeResponse wraps the provider/ensemble response with the billing
// bookkeeping the caller is entitled to see.
type InvokeResponse struct {
	BillingEntryID string               `json:"billing_entry_id"`
	ActualCostMicro wireformat.MicroUSD `json:"actual_cost_micro"`
	Response       provider.ChatResponse `json:"response"`
	EnsembleID     string               `json:"ensemble_id,omitempty"`
}

// BudgetScopeLimits is the (scope, limits) pair a tenant's invocation is
// gated and metered against. Callers of NewInvokeHandler supply a function
// so per-tenant/per-tier limits can be looked up from config instead of
// being hardcoded here.
type BudgetScopeLimits func(tenantID, agent string) (budget.Scope, budget.Limits)

// InvokeHandler dispatches a single agent invocation end to end: resolve ->
// reserve -> dispatch (single or ensemble) -> commit -> settle-or-DLQ.
type InvokeHandler struct {
	resolver   *resolver.Resolver
	registry   *provider.Registry
	pricing    *provider.PricingConfig
	billing    *billing.Machine
	budgets    *budget.Enforcer
	breakers   *breaker.Registry
	dlqStore   *dlq.Store
	settleClient *settlement.Client
	scopeLimits BudgetScopeLimits
	log        zerolog.Logger

	ledgerGuard      *breaker.LedgerGuard
	maxUnknownWindow time.Duration
	maxPendingReconciliation int

	sealer   *security.Sealer
	costFeed *analytics.Pipeline
}

// WithSealer makes the handler seal DLQ settlement payloads with
// AES-GCM before they are parked in Redis. The replay worker must be
// given the same sealer.
func (h *InvokeHandler) WithSealer(s *security.Sealer) *InvokeHandler {
	h.sealer = s
	return h
}

// WithCostFeed attaches the advisory cost-event pipeline; one event is
// emitted per settled invocation and per ensemble branch.
func (h *InvokeHandler) WithCostFeed(p *analytics.Pipeline) *InvokeHandler {
	h.costFeed = p
	return h
}

// WithLedgerGuard attaches the ledger-write health guard and its limits.
// With a guard attached, every dispatch first checks that the ledger
// write path has not been failing longer than maxUnknownWindow and that
// the FINALIZE_PENDING backlog has not passed maxPending; either
// condition refuses the request with BUDGET_CIRCUIT_OPEN.
func (h *InvokeHandler) WithLedgerGuard(g *breaker.LedgerGuard, maxUnknownWindow time.Duration, maxPending int) *InvokeHandler {
	h.ledgerGuard = g
	h.maxUnknownWindow = maxUnknownWindow
	h.maxPendingReconciliation = maxPending
	return h
}

// NewInvokeHandler constructs an InvokeHandler. settleClient/dlqStore may be
// nil, in which case a failed best-effort settlement is simply logged (this
// is only acceptable for local/dev deployments without a configured
// external billing service).
func NewInvokeHandler(
	res *resolver.Resolver,
	registry *provider.Registry,
	pricing *provider.PricingConfig,
	billingMachine *billing.Machine,
	budgets *budget.Enforcer,
	breakers *breaker.Registry,
	dlqStore *dlq.Store,
	settleClient *settlement.Client,
	scopeLimits BudgetScopeLimits,
	log zerolog.Logger,
) *InvokeHandler {
	return &InvokeHandler{
		resolver:     res,
		registry:     registry,
		pricing:      pricing,
		billing:      billingMachine,
		budgets:      budgets,
		breakers:     breakers,
		dlqStore:     dlqStore,
		settleClient: settleClient,
		scopeLimits:  scopeLimits,
		log:          log.With().Str("component", "invoke_handler").Logger(),
	}
}

// Invoke handles POST /v1/agents/{agent}/invoke.
func (h *InvokeHandler) Invoke(w http.ResponseWriter, r *http.Request) {
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

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, gwerrors.New(gwerrors.KindConfigInvalid, "invalid request body: "+err.Error(), gwerrors.Context{Agent: agent}))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, gwerrors.New(gwerrors.KindConfigInvalid, "messages must not be empty", gwerrors.Context{Agent: agent}))
		return
	}

	if h.ledgerGuard != nil && h.ledgerGuard.IsBudgetCircuitOpen(h.maxUnknownWindow) {
		h.writeError(w, http.StatusServiceUnavailable, gwerrors.New(gwerrors.KindBudgetCircuitOpen, "ledger write path failing beyond max unknown window", gwerrors.Context{Agent: agent}))
		return
	}
	if h.maxPendingReconciliation > 0 {
		pending := h.billing.CountInState(billing.StateFinalizePending)
		if h.breakers.For("settlement").IsPendingReconciliationExceeded(pending, h.maxPendingReconciliation) {
			h.writeError(w, http.StatusServiceUnavailable, gwerrors.New(gwerrors.KindBudgetCircuitOpen, "too many entries pending reconciliation", gwerrors.Context{Agent: agent}))
			return
		}
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

	target := resolved.Provider + ":" + resolved.ModelID
	br := h.breakers.For(target)
	if allowed, _ := br.Allow(); !allowed {
		h.writeError(w, http.StatusServiceUnavailable, gwerrors.New(gwerrors.KindBudgetCircuitOpen, "circuit open for "+target, gwerrors.Context{Agent: agent, Provider: resolved.Provider, Model: resolved.ModelID}))
		return
	}

	estimatedTokens := estimateMaxTokens(req.MaxTokens)
	estimatedCost := h.pricing.EstimateCost(resolved.Provider, resolved.ModelID, estimateInputTokens(req.Messages), estimatedTokens)

	billingEntryID := ids.New()
	if _, err := h.billing.Reserve(ctx, billingEntryID, correlationID, userID, estimatedCost, 1.0); err != nil {
		if h.ledgerGuard != nil {
			h.ledgerGuard.RecordWriteFailure()
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if h.ledgerGuard != nil {
		h.ledgerGuard.RecordWriteSuccess()
	}

	base := provider.ChatRequest{
		Model:       resolved.ModelID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	}

	var (
		resp       provider.ChatResponse
		actualCost wireformat.MicroUSD
		ensembleID string
	)

	if policy := agentEnsemblePolicy(h.resolver, agent); policy != nil {
		ensembleID = ids.New()
		result, eErr := h.runEnsemble(ctx, ensembleID, *policy, base)
		if eErr != nil {
			br.RecordFailure()
			_, _ = h.billing.Release(ctx, billingEntryID, "pre_stream_failure")
			h.writeError(w, statusForError(eErr), eErr)
			return
		}
		resp = result.Winner
		actualCost = result.TotalCost
		h.settleEnsembleBranches(ctx, ensembleID, correlationID, userID, result)
	} else {
		r, dErr := h.dispatchSingle(ctx, resolved, base)
		if dErr != nil {
			br.RecordFailure()
			_, _ = h.billing.Release(ctx, billingEntryID, "pre_stream_failure")
			h.writeError(w, statusForError(dErr), dErr)
			return
		}
		resp = r
		actualCost = h.pricing.CalculateCost(resolved.Provider, resolved.ModelID, r.Usage.PromptTokens, r.Usage.CompletionTokens)
		br.RecordSuccess()
	}

	if _, err := h.billing.Commit(ctx, billingEntryID, actualCost); err != nil {
		if h.ledgerGuard != nil {
			h.ledgerGuard.RecordWriteFailure()
		}
		h.log.Error().Err(err).Str("billing_entry_id", billingEntryID).Msg("commit failed after successful dispatch")
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if h.ledgerGuard != nil {
		h.ledgerGuard.RecordWriteSuccess()
	}

	if h.budgets != nil && scope.TenantID != "" {
		if _, err := h.budgets.RecordCost(ctx, scope, limits, actualCost); err != nil {
			h.log.Error().Err(err).Msg("budget record-cost failed after commit; spend is already accounted in the ledger")
		}
	}

	h.settle(ctx, billingEntryID, correlationID, ensembleID, userID, resolved.Provider, resolved.ModelID, actualCost)

	if span := observability.SpanFromContext(ctx); span != nil {
		span.SetAttribute("billing_entry_id", billingEntryID)
		span.SetAttribute("agent", agent)
		span.SetAttribute("cost_micro", strconv.FormatInt(int64(actualCost), 10))
	}

	if h.costFeed != nil {
		h.costFeed.Emit(analytics.CostEvent{
			BillingEntryID:   billingEntryID,
			CorrelationID:    correlationID,
			EnsembleID:       ensembleID,
			TenantID:         userID,
			Agent:            agent,
			Provider:         resolved.Provider,
			Model:            resolved.ModelID,
			EstimatedMicro:   estimatedCost,
			ActualMicro:      actualCost,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Billing-Entry-ID", billingEntryID)
	json.NewEncoder(w).Encode(InvokeResponse{
		BillingEntryID:  billingEntryID,
		ActualCostMicro: actualCost,
		Response:        resp,
		EnsembleID:      ensembleID,
	})
}

func (h *InvokeHandler) dispatchSingle(ctx context.Context, resolved domain.ResolvedModel, base provider.ChatRequest) (provider.ChatResponse, error) {
	prov, ok := h.registry.Get(resolved.Provider)
	if !ok {
		return provider.ChatResponse{}, gwerrors.New(gwerrors.KindProviderUnavailable, "provider not registered: "+resolved.Provider, gwerrors.Context{Provider: resolved.Provider})
	}
	resp, err := prov.ChatCompletion(ctx, &base)
	if err != nil {
		return provider.ChatResponse{}, gwerrors.Wrap(gwerrors.KindProviderUnavailable, err, gwerrors.Context{Provider: resolved.Provider, Model: resolved.ModelID})
	}
	return *resp, nil
}

func agentEnsemblePolicy(res *resolver.Resolver, agent string) *domain.EnsemblePolicy {
	b, ok := res.Binding(agent)
	if !ok {
		return nil
	}
	return b.EnsemblePolicy
}

func (h *InvokeHandler) runEnsemble(ctx context.Context, ensembleID string, policy domain.EnsemblePolicy, base provider.ChatRequest) (ensemble.Result, error) {
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
		return ensemble.Result{}, gwerrors.New(gwerrors.KindConfigInvalid, "ensemble policy resolved zero members", gwerrors.Context{})
	}

	return ensemble.Run(ctx, ensemble.Request{
		EnsembleID:          ensembleID,
		Members:             members,
		Strategy:            ensemble.Strategy(policy.Strategy),
		Base:                base,
		TotalBudgetMicroUSD: policy.TotalBudgetMicroUSD,
		TotalTimeout:        2 * time.Minute,
	})
}

// settleEnsembleBranches posts one settlement record per branch, sharing
// ensembleID across them — sent individually, preserving per-model
// observability.
func (h *InvokeHandler) settleEnsembleBranches(ctx context.Context, ensembleID, correlationID, userID string, result ensemble.Result) {
	for _, b := range result.Branches {
		if b.Err != nil {
			continue
		}
		branchEntryID := ids.New()
		h.settle(ctx, branchEntryID, correlationID, ensembleID, userID, "", b.PoolID, b.Cost)
		if h.costFeed != nil {
			h.costFeed.Emit(analytics.CostEvent{
				BillingEntryID: branchEntryID,
				CorrelationID:  correlationID,
				EnsembleID:     ensembleID,
				TenantID:       userID,
				Model:          b.PoolID,
				ActualMicro:    b.Cost,
			})
		}
	}
}

// settle makes a best-effort synchronous settlement attempt; on failure it
// records the attempt against the billing entry and enqueues the
// reservation into the DLQ for durable async retry.
func (h *InvokeHandler) settle(ctx context.Context, billingEntryID, correlationID, ensembleID, userID, providerName, model string, cost wireformat.MicroUSD) {
	if h.settleClient == nil {
		return
	}
	rec := settlement.Record{
		BillingEntryID: billingEntryID,
		CorrelationID:  correlationID,
		EnsembleID:     ensembleID,
		UserID:         userID,
		Provider:       providerName,
		Model:          model,
		ActualAmount:   cost,
		Timestamp:      time.Now().UTC(),
	}
	if err := h.settleClient.PostRecord(ctx, rec); err != nil {
		h.log.Warn().Err(err).Str("billing_entry_id", billingEntryID).Msg("synchronous settlement failed, queueing to DLQ")
		if mErr := h.billing.MarkSettlementFailed(ctx, billingEntryID, err); mErr != nil {
			h.log.Error().Err(mErr).Msg("failed to record settlement failure")
		}
		if h.dlqStore != nil {
			payload, _ := json.Marshal(rec)
			if h.sealer != nil {
				if sealed, sErr := h.sealer.Seal(payload); sErr == nil {
					payload, _ = json.Marshal(sealed)
				} else {
					h.log.Error().Err(sErr).Msg("payload seal failed, storing plaintext")
				}
			}
			_, uErr := h.dlqStore.Upsert(ctx, dlq.Entry{
				ReservationID: billingEntryID,
				NextAttemptAt: time.Now().UTC().Add(10 * time.Second),
				Reason:        err.Error(),
				CreatedAt:     time.Now().UTC(),
				Payload:       payload,
			}, 11*time.Hour)
			if uErr != nil {
				h.log.Error().Err(uErr).Msg("failed to enqueue DLQ entry")
			}
		}
		return
	}
	if _, err := h.billing.MarkSettled(ctx, billingEntryID); err != nil {
		h.log.Error().Err(err).Str("billing_entry_id", billingEntryID).Msg("settlement acked but state transition failed")
	}
}

func estimateMaxTokens(callerMax *int) int {
	if callerMax != nil && *callerMax > 0 {
		return *callerMax
	}
	return 1024
}

func estimateInputTokens(messages []provider.ChatMessage) int {
	total := 0
	for _, m := range messages {
		if s, ok := m.Content.(string); ok {
			total += len(s) / 4
		}
	}
	if total == 0 {
		total = 1
	}
	return total
}

func statusForError(err error) int {
	var e *gwerrors.Error
	switch {
	case asGatewayError(err, &e):
		switch e.Kind {
		case gwerrors.KindAccessDenied, gwerrors.KindPoolUnauthorized:
			return http.StatusForbidden
		case gwerrors.KindBindingInvalid, gwerrors.KindConfigInvalid:
			return http.StatusBadRequest
		case gwerrors.KindRateLimited, gwerrors.KindBudgetExceeded:
			return http.StatusTooManyRequests
		case gwerrors.KindBudgetCircuitOpen, gwerrors.KindBudgetUnavailable, gwerrors.KindProviderUnavailable:
			return http.StatusServiceUnavailable
		case gwerrors.KindContextOverflow:
			return http.StatusRequestEntityTooLarge
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

func asGatewayError(err error, target **gwerrors.Error) bool {
	type kindCarrier interface{ Kind() gwerrors.Kind }
	if kc, ok := err.(kindCarrier); ok {
		*target = &gwerrors.Error{Kind: kc.Kind(), Message: err.Error()}
		return true
	}
	if e, ok := err.(*gwerrors.Error); ok {
		*target = e
		return true
	}
	return false
}

func (h *InvokeHandler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   err.Error(),
		"kind":    kindOf(err),
	})
}

func kindOf(err error) string {
	type kindCarrier interface{ Kind() gwerrors.Kind }
	if kc, ok := err.(kindCarrier); ok {
		return string(kc.Kind())
	}
	if e, ok := err.(*gwerrors.Error); ok {
		return string(e.Kind)
	}
	return "INTERNAL"
}
