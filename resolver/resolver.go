// Package resolver implements the Router/Resolver: agent-to-model
// resolution (alias, capability, native-runtime, budget-downgrade, health
// fallback), tenant-aware pool selection, and the bounded tool-call loop.
// Bindings and pool aliases load from a hot-reloadable JSON table.
package resolver

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/breaker"
	"github.com/latticeforge/gateway/budget"
	"github.com/latticeforge/gateway/domain"
	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/ratelimit"
)

// BindingTable holds the agent-binding and pool-alias maps loaded from
// config. Reloadable in place via Reload, guarded by a single RWMutex;
// main does not call Reload, so no signal triggers a reload.
type BindingTable struct {
	mu       sync.RWMutex
	bindings map[string]domain.AgentBinding // agent -> binding
	aliases  map[string]domain.Pool         // model alias -> pool
}

// bindingFile is the on-disk JSON shape loaded by LoadBindingTable.
type bindingFile struct {
	Bindings []domain.AgentBinding `json:"bindings"`
	Pools    []domain.Pool         `json:"pools"`
}

// LoadBindingTable reads the alias/binding tables from a JSON file.
func LoadBindingTable(path string) (*BindingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bf bindingFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, err
	}
	bt := &BindingTable{
		bindings: make(map[string]domain.AgentBinding, len(bf.Bindings)),
		aliases:  make(map[string]domain.Pool, len(bf.Pools)),
	}
	for _, b := range bf.Bindings {
		bt.bindings[b.Agent] = b
	}
	for _, p := range bf.Pools {
		bt.aliases[p.ID] = p
	}
	return bt, nil
}

// Reload re-reads path and swaps the table contents atomically. The
// gateway binary itself never calls it.
func (bt *BindingTable) Reload(path string) error {
	fresh, err := LoadBindingTable(path)
	if err != nil {
		return err
	}
	bt.mu.Lock()
	bt.bindings = fresh.bindings
	bt.aliases = fresh.aliases
	bt.mu.Unlock()
	return nil
}

func (bt *BindingTable) binding(agent string) (domain.AgentBinding, bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	b, ok := bt.bindings[agent]
	return b, ok
}

func (bt *BindingTable) pool(alias string) (domain.Pool, bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	p, ok := bt.aliases[alias]
	return p, ok
}

// Binding exposes an agent's binding to callers outside the resolver
// package — e.g. the invoke handler, which needs to know whether an agent's
// policy routes to the Ensemble Orchestrator before it ever calls Resolve.
func (r *Resolver) Binding(agent string) (domain.AgentBinding, bool) {
	return r.bindings.binding(agent)
}

// Pool exposes a pool-alias lookup to callers outside the resolver package
// (the invoke handler resolves each ensemble member's pool this way).
func (r *Resolver) Pool(alias string) (domain.Pool, bool) {
	return r.bindings.pool(alias)
}

// TenantClaims carries the validated, per-request tenant authorization
// used by the pool choke-point.
type TenantClaims struct {
	TenantID           string
	Tier               string
	AuthorizedPools     map[string]bool
	TaskTypePreference  map[string]string // task type -> preferred pool id
	TierDefaultPool     string
	GlobalDefaultPool   string
}

// BudgetChecker is the narrow interface the Resolver needs from a budget
// enforcer: whether the scope has already blown its cap. Accepting an
// interface (not *budget.Enforcer directly) keeps resolver_test.go free of
// a live Redis dependency.
type BudgetChecker interface {
	IsExceeded(ctx context.Context, scope budget.Scope, limits budget.Limits) (bool, error)
}

// BreakerChecker is the narrow interface the Resolver needs from a circuit
// breaker registry.
type BreakerChecker interface {
	For(target string) *breaker.Breaker
}

// Resolver maps agents to resolved models and runs the bounded tool-call
// loop. All dependencies are interfaces so unit tests can stub providers,
// budgets, and breakers without standing up Redis or real HTTP adapters.
type Resolver struct {
	bindings *BindingTable
	registry *provider.Registry
	budgets  BudgetChecker
	breakers BreakerChecker
	log      zerolog.Logger
}

// New constructs a Resolver. budgets/breakers may be nil to skip those
// checks (used by tests exercising pure chain-walking behavior).
func New(bindings *BindingTable, registry *provider.Registry, budgets BudgetChecker, breakers BreakerChecker, log zerolog.Logger) *Resolver {
	return &Resolver{bindings: bindings, registry: registry, budgets: budgets, breakers: breakers, log: log}
}

// ResolveOpts carries the per-call context the resolution steps need.
type ResolveOpts struct {
	Tenant        *TenantClaims
	TaskType      string
	BudgetScope   budget.Scope
	BudgetLimits  budget.Limits
	BudgetExceededPolicy string // "downgrade" | "" (reject)
}

// Resolve maps agent to a ResolvedModel, applying alias resolution,
// capability check, native-runtime enforcement, budget downgrade, and
// health fallback, in that order.
func (r *Resolver) Resolve(ctx context.Context, agent string, opts ResolveOpts) (domain.ResolvedModel, error) {
	binding, ok := r.bindings.binding(agent)
	if !ok {
		return domain.ResolvedModel{}, gwerrors.New(gwerrors.KindBindingInvalid, "no binding for agent", gwerrors.Context{Agent: agent})
	}

	visited := make(map[string]bool)

	primary, rejections, err := r.walkChain(agent, []string{binding.ModelAlias}, "primary", false, binding.Requires, visited)
	budgetDowngrade := false
	if err == nil {
		exceeded, bErr := r.budgetExceeded(ctx, opts)
		switch {
		case bErr != nil:
			return domain.ResolvedModel{}, gwerrors.Wrap(gwerrors.KindBudgetUnavailable, bErr, gwerrors.Context{Agent: agent})
		case exceeded:
			if opts.BudgetExceededPolicy != "downgrade" || len(binding.DowngradeChain) == 0 {
				return domain.ResolvedModel{}, gwerrors.New(gwerrors.KindBudgetExceeded, "budget exceeded for scope", gwerrors.Context{Agent: agent})
			}
			// Budget exceeded with a downgrade policy: skip primary, walk
			// the downgrade chain below.
			budgetDowngrade = true
		default:
			resolved, hErr := r.healthFilter(agent, primary)
			if hErr == nil {
				return resolved, nil
			}
			// Primary unhealthy: consult the fallback chain below. Only
			// the fallback candidates' rejections are reported — the
			// primary's unhealthiness is the reason the chain was walked,
			// not a chain rejection itself.
		}
	}

	// Budget downgrade: walk the downgrade chain. Downgrade does not
	// require health (fallback does), so the first capability-compatible
	// candidate wins as-is.
	if budgetDowngrade || err != nil {
		if len(binding.DowngradeChain) > 0 {
			downgraded, downRejections, dErr := r.walkChain(agent, binding.DowngradeChain, "downgrade", false, binding.Requires, visited)
			if dErr == nil {
				return downgraded, nil
			}
			rejections = append(rejections, downRejections...)
		}
		if budgetDowngrade {
			return domain.ResolvedModel{}, &gwerrors.ChainExhaustedError{Agent: agent, Rejections: rejections, ChainKind: "downgrade"}
		}
	}

	// Health fallback: walk the fallback chain (health required).
	if len(binding.FallbackChain) > 0 {
		fellback, fallRejections, fErr := r.walkChain(agent, binding.FallbackChain, "fallback", true, binding.Requires, visited)
		if fErr == nil {
			return fellback, nil
		}
		rejections = append(rejections, fallRejections...)
	}

	return domain.ResolvedModel{}, &gwerrors.ChainExhaustedError{Agent: agent, Rejections: rejections, ChainKind: "fallback"}
}

func (r *Resolver) budgetExceeded(ctx context.Context, opts ResolveOpts) (bool, error) {
	if r.budgets == nil || opts.BudgetScope.TenantID == "" {
		return false, nil
	}
	return r.budgets.IsExceeded(ctx, opts.BudgetScope, opts.BudgetLimits)
}

// walkChain iterates candidates in order, filtering by cycle prevention,
// disabled-provider exclusion, capability re-check, native-runtime
// re-check, and — when requireHealth — health/circuit state. visited is
// shared across downgrade and fallback passes so the same provider:model
// pair is never retried twice in one Resolve call.
func (r *Resolver) walkChain(agent string, chain []string, kind string, requireHealth bool, requires domain.Requirements, visited map[string]bool) (domain.ResolvedModel, []gwerrors.Rejection, error) {
	var rejections []gwerrors.Rejection

	for _, alias := range chain {
		pool, ok := r.bindings.pool(alias)
		if !ok {
			rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "alias not found"})
			continue
		}

		target := pool.Provider + ":" + pool.Model
		if visited[target] {
			rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "cycle: already visited " + target})
			continue
		}
		visited[target] = true

		if !pool.Enabled {
			rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "provider pool disabled"})
			continue
		}

		if requires.NativeRuntime {
			// The binding table's label and the registered adapter's own
			// declared type must both agree this is an in-process runtime.
			if pool.ProviderType != domain.ProviderTypeClaudeCode || r.registry.TypeOf(pool.Provider) != domain.ProviderTypeClaudeCode {
				rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "native_runtime required but provider is not claude-code"})
				continue
			}
		}

		if reason, ok := capabilityMismatch(requires, pool.Capabilities); !ok {
			rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: reason})
			continue
		}

		prov, ok := r.registry.Get(pool.Provider)
		if !ok {
			rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "provider not registered: " + pool.Provider})
			continue
		}

		if requireHealth {
			if r.breakers != nil {
				br := r.breakers.For(target)
				if allowed, _ := br.Allow(); !allowed {
					rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "circuit open for " + target})
					continue
				}
			}
			status := prov.HealthCheck(context.Background())
			if !status.Healthy {
				rejections = append(rejections, gwerrors.Rejection{Candidate: alias, Reason: "provider unhealthy"})
				continue
			}
		}

		resolved := domain.ResolvedModel{
			Provider: pool.Provider,
			ModelID:  pool.Model,
			PoolID:   pool.ID,
		}
		return resolved, rejections, nil
	}

	return domain.ResolvedModel{}, rejections, &gwerrors.ChainExhaustedError{Agent: agent, Rejections: rejections, ChainKind: kind}
}

// capabilityMismatch reports whether pool's advertised capabilities fail
// to satisfy requires, and if so, why.
func capabilityMismatch(requires, have domain.Requirements) (string, bool) {
	switch {
	case requires.ToolCalling && !have.ToolCalling:
		return "pool does not support tool calling", false
	case requires.ThinkingTraces && !have.ThinkingTraces:
		return "pool does not support thinking traces", false
	case requires.Vision && !have.Vision:
		return "pool does not support vision input", false
	case requires.Streaming && !have.Streaming:
		return "pool does not support streaming", false
	default:
		return "", true
	}
}

// healthFilter rejects an otherwise-resolved primary/downgrade candidate
// whose provider is currently unhealthy without consulting a fallback
// chain — callers that want fallback-on-unhealthy should resolve via the
// fallback chain directly.
func (r *Resolver) healthFilter(agent string, m domain.ResolvedModel) (domain.ResolvedModel, error) {
	prov, ok := r.registry.Get(m.Provider)
	if !ok {
		return domain.ResolvedModel{}, gwerrors.New(gwerrors.KindProviderUnavailable, "provider not registered: "+m.Provider, gwerrors.Context{Agent: agent, Provider: m.Provider})
	}
	status := prov.HealthCheck(context.Background())
	if !status.Healthy {
		return domain.ResolvedModel{}, gwerrors.New(gwerrors.KindProviderUnavailable, "provider unhealthy: "+status.Error, gwerrors.Context{Agent: agent, Provider: m.Provider})
	}
	return m, nil
}

// ResolvePoolForTenant is the single choke-point for tenant-aware pool
// selection: authorized set first, then task-type preference, then tier
// default, then global default. Unauthorized pools are rejected before
// any candidate is returned.
func ResolvePoolForTenant(tenant *TenantClaims, taskType string) (string, error) {
	if tenant == nil {
		return "", gwerrors.New(gwerrors.KindAccessDenied, "no tenant claims", gwerrors.Context{})
	}

	candidate := ""
	if pref, ok := tenant.TaskTypePreference[taskType]; ok {
		candidate = pref
	}
	if candidate == "" {
		candidate = tenant.TierDefaultPool
	}
	if candidate == "" {
		candidate = tenant.GlobalDefaultPool
	}
	if candidate == "" {
		return "", gwerrors.New(gwerrors.KindPoolUnauthorized, "no pool candidate for tenant", gwerrors.Context{TenantID: tenant.TenantID})
	}
	if !tenant.AuthorizedPools[candidate] {
		return "", gwerrors.New(gwerrors.KindPoolUnauthorized, "pool not authorized for tenant: "+candidate, gwerrors.Context{TenantID: tenant.TenantID, PoolID: candidate})
	}
	return candidate, nil
}

// LoopLimits bounds the tool-call loop.
type LoopLimits struct {
	MaxIterations         int
	MaxToolCalls          int
	MaxWallTime           time.Duration
	ContextWarnFraction   float64 // 0.80
	ContextFailFraction   float64 // 0.90
	ConsecutiveFailureMax int
}

// DefaultLoopLimits is the default bound set for the tool-call loop.
func DefaultLoopLimits() LoopLimits {
	return LoopLimits{
		MaxIterations:         25,
		MaxToolCalls:          50,
		MaxWallTime:           5 * time.Minute,
		ContextWarnFraction:   0.80,
		ContextFailFraction:   0.90,
		ConsecutiveFailureMax: 3,
	}
}

// ToolExecutor invokes a single tool call and returns its result (or an
// error if the tool itself failed, distinct from malformed-argument JSON).
type ToolExecutor func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

// ModelStep advances the conversation one iteration: given the running
// message history, returns either a final answer (done=true) or a set of
// tool calls to execute next.
type ModelStep func(ctx context.Context, history []provider.ChatMessage) (resp provider.ChatMessage, toolCalls []provider.ToolCall, done bool, err error)

// toolResultKey identifies one memoized tool result.
type toolResultKey struct {
	TraceID    string
	ToolCallID string
}

// ToolLoop runs the bounded tool-call loop: max
// iterations/tool-calls/wall-time, context-utilization ceiling, per-
// iteration budget + circuit-breaker recheck, per-iteration rate-limit
// acquisition, tool-result memoization by (trace_id, tool_call_id),
// consecutive-failure abort, and a single malformed-JSON repair round.
type ToolLoop struct {
	limits     LoopLimits
	limiter    ratelimit.Allower
	budgets    BudgetChecker
	breakers   BreakerChecker
	executor   ToolExecutor
	step       ModelStep
	log        zerolog.Logger

	ledgerGuard      LedgerGuardChecker
	maxUnknownWindow time.Duration

	mu      sync.Mutex
	results map[toolResultKey]json.RawMessage
}

// LedgerGuardChecker is the narrow interface the tool loop needs from the
// ledger-write health guard (breaker.LedgerGuard satisfies it).
type LedgerGuardChecker interface {
	IsBudgetCircuitOpen(maxUnknownWindow time.Duration) bool
}

// WithLedgerGuard makes the loop re-check the ledger write path between
// iterations, refusing to continue once it has been failing longer than
// maxUnknownWindow.
func (tl *ToolLoop) WithLedgerGuard(g LedgerGuardChecker, maxUnknownWindow time.Duration) *ToolLoop {
	tl.ledgerGuard = g
	tl.maxUnknownWindow = maxUnknownWindow
	return tl
}

// NewToolLoop constructs a ToolLoop. limiter/budgets/breakers may be nil
// to skip those checks.
func NewToolLoop(limits LoopLimits, limiter ratelimit.Allower, budgets BudgetChecker, breakers BreakerChecker, executor ToolExecutor, step ModelStep, log zerolog.Logger) *ToolLoop {
	return &ToolLoop{
		limits:   limits,
		limiter:  limiter,
		budgets:  budgets,
		breakers: breakers,
		executor: executor,
		step:     step,
		log:      log,
		results:  make(map[toolResultKey]json.RawMessage),
	}
}

// Run drives the loop to completion, returning the final assistant
// message or a structured gwerrors.Error naming which bound was hit.
func (tl *ToolLoop) Run(ctx context.Context, traceID string, scope budget.Scope, limits budget.Limits, target string, history []provider.ChatMessage, contextUtilization func() float64) (provider.ChatMessage, error) {
	deadline := time.Now().Add(tl.limits.MaxWallTime)
	totalToolCalls := 0
	consecutiveFailures := 0

	for iter := 0; iter < tl.limits.MaxIterations; iter++ {
		if time.Now().After(deadline) {
			return provider.ChatMessage{}, gwerrors.New(gwerrors.KindToolCallWallTimeExceeded, "tool-call loop exceeded max wall time", gwerrors.Context{TraceID: traceID})
		}

		if contextUtilization != nil {
			util := contextUtilization()
			if util >= tl.limits.ContextFailFraction {
				return provider.ChatMessage{}, gwerrors.New(gwerrors.KindContextOverflow, "context utilization exceeded fail threshold", gwerrors.Context{TraceID: traceID})
			}
			if util >= tl.limits.ContextWarnFraction {
				tl.log.Warn().Float64("utilization", util).Str("trace_id", traceID).Msg("context utilization above warn threshold")
			}
		}

		if tl.budgets != nil {
			if exceeded, err := tl.budgets.IsExceeded(ctx, scope, limits); err != nil {
				return provider.ChatMessage{}, gwerrors.Wrap(gwerrors.KindBudgetUnavailable, err, gwerrors.Context{TraceID: traceID})
			} else if exceeded {
				return provider.ChatMessage{}, gwerrors.New(gwerrors.KindBudgetExceeded, "budget exceeded mid-loop", gwerrors.Context{TraceID: traceID})
			}
		}
		if tl.breakers != nil {
			br := tl.breakers.For(target)
			if allowed, _ := br.Allow(); !allowed {
				return provider.ChatMessage{}, gwerrors.New(gwerrors.KindBudgetCircuitOpen, "circuit open mid-loop for "+target, gwerrors.Context{TraceID: traceID})
			}
		}
		if tl.ledgerGuard != nil && tl.ledgerGuard.IsBudgetCircuitOpen(tl.maxUnknownWindow) {
			return provider.ChatMessage{}, gwerrors.New(gwerrors.KindBudgetCircuitOpen, "ledger write path failing beyond max unknown window", gwerrors.Context{TraceID: traceID})
		}
		if tl.limiter != nil {
			if allowed, retryAfter := tl.limiter.Allow(traceID); !allowed {
				return provider.ChatMessage{}, gwerrors.New(gwerrors.KindRateLimited, "rate limited mid-loop, retry after "+retryAfter.String(), gwerrors.Context{TraceID: traceID})
			}
		}

		msg, toolCalls, done, err := tl.step(ctx, history)
		if err != nil {
			return provider.ChatMessage{}, err
		}
		if done {
			if tl.breakers != nil {
				tl.breakers.For(target).RecordSuccess()
			}
			return msg, nil
		}

		history = append(history, msg)

		for _, tc := range toolCalls {
			totalToolCalls++
			if totalToolCalls > tl.limits.MaxToolCalls {
				return provider.ChatMessage{}, gwerrors.New(gwerrors.KindToolCallLimitExceeded, "exceeded max total tool calls", gwerrors.Context{TraceID: traceID})
			}

			key := toolResultKey{TraceID: traceID, ToolCallID: tc.ID}
			result, cached := tl.cachedResult(key)
			if !cached {
				var args json.RawMessage
				if !json.Valid([]byte(tc.Function.Arguments)) {
					// One repair round: feed the parse error back as the tool
					// result and let the model retry with corrected arguments.
					repair, rErr := json.Marshal(map[string]string{"error": "malformed tool arguments: invalid JSON"})
					if rErr != nil {
						return provider.ChatMessage{}, rErr
					}
					result = repair
				} else {
					args = json.RawMessage(tc.Function.Arguments)
					out, execErr := tl.executor(ctx, tc.Function.Name, args)
					if execErr != nil {
						consecutiveFailures++
						if consecutiveFailures >= tl.limits.ConsecutiveFailureMax {
							if tl.breakers != nil {
								tl.breakers.For(target).RecordFailure()
							}
							return provider.ChatMessage{}, gwerrors.New(gwerrors.KindToolCallConsecutiveFailures, "consecutive tool-call failures exceeded limit", gwerrors.Context{TraceID: traceID})
						}
						errPayload, _ := json.Marshal(map[string]string{"error": execErr.Error()})
						result = errPayload
					} else {
						consecutiveFailures = 0
						result = out
					}
				}
				tl.cacheResult(key, result)
			}

			history = append(history, provider.ChatMessage{
				Role:       "tool",
				Content:    string(result),
				ToolCallID: tc.ID,
			})
		}
	}

	return provider.ChatMessage{}, gwerrors.New(gwerrors.KindToolCallMaxIterations, "tool-call loop exceeded max iterations", gwerrors.Context{TraceID: traceID})
}

func (tl *ToolLoop) cachedResult(key toolResultKey) (json.RawMessage, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	v, ok := tl.results[key]
	return v, ok
}

func (tl *ToolLoop) cacheResult(key toolResultKey, result json.RawMessage) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.results[key] = result
}
