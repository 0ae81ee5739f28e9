// Package ensemble implements the Ensemble Orchestrator: parallel
// multi-model dispatch with hierarchical cancellation, per-branch budget
// pre-clamping, and three merge strategies (first_complete, best_of_n,
// consensus). first_complete cancels the remaining branches itself, through
// a shared context.WithCancel, as soon as a winner is in; best_of_n and
// consensus fan out with golang.org/x/sync/errgroup, recording each
// branch's failure on its result instead of returning it, so one branch
// failing never cancels its siblings. All of it sits under an explicit
// total-timeout context.WithTimeout at the parent — the same
// ctx-composition idiom the provider adapters use for per-call deadlines.
package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/wireformat"
)

// Strategy names one of the three merge strategies.
type Strategy string

const (
	StrategyFirstComplete Strategy = "first_complete"
	StrategyBestOfN       Strategy = "best_of_n"
	StrategyConsensus     Strategy = "consensus"
)

// Member is one ensemble branch: a concrete provider+model pair and its
// per-model budget cap.
type Member struct {
	PoolID               string
	Provider             provider.Provider
	Model                string
	OutputPricePer1M     wireformat.MicroUSD
	PerModelBudgetMicroUSD wireformat.MicroUSD
}

// Request describes one ensemble run.
type Request struct {
	EnsembleID   string
	Members      []Member
	Strategy     Strategy
	Base         provider.ChatRequest
	TotalBudgetMicroUSD wireformat.MicroUSD
	TotalTimeout time.Duration
	// Score, used only by best_of_n; nil selects the default
	// content_length/completion_tokens scorer.
	Score func(provider.ChatResponse) float64
}

// BranchResult captures one branch's outcome plus the settlement record
// it contributes: each branch emits its own record with a shared
// ensemble_id, sent individually.
type BranchResult struct {
	PoolID   string
	Response provider.ChatResponse
	Cost     wireformat.MicroUSD
	Err      error
	Overcount bool // true for a streaming loser's best-effort cost estimate
}

// Result is the outcome of one ensemble run.
type Result struct {
	EnsembleID string
	Winner     provider.ChatResponse
	WinnerPool string
	Branches   []BranchResult
	TotalCost  wireformat.MicroUSD
}

// Run dispatches req.Members in parallel under a single cancellation
// hierarchy and merges per req.Strategy.
func Run(ctx context.Context, req Request) (Result, error) {
	parent := ctx
	if req.TotalTimeout > 0 {
		var cancel context.CancelFunc
		parent, cancel = context.WithTimeout(ctx, req.TotalTimeout)
		defer cancel()
	}

	switch req.Strategy {
	case StrategyFirstComplete:
		return runFirstComplete(parent, req)
	case StrategyBestOfN:
		return runBestOfN(parent, req)
	case StrategyConsensus:
		return runConsensus(parent, req)
	default:
		return Result{}, gwerrors.New(gwerrors.KindConfigInvalid, "unknown ensemble strategy: "+string(req.Strategy), gwerrors.Context{})
	}
}

// clampMaxTokens pre-clamps max_output_tokens to the per-model budget
// before dispatch: effective = min(caller_max_tokens,
// floor(per_model_budget * 1,000,000 / output_price_per_1M)), both amounts
// in micro-USD and the price per million output tokens.
func clampMaxTokens(callerMax *int, perModelBudget, outputPricePer1M wireformat.MicroUSD) int {
	callerVal := 0
	if callerMax != nil {
		callerVal = *callerMax
	}
	if outputPricePer1M <= 0 {
		return callerVal
	}
	budgetDerived := int((int64(perModelBudget) * 1_000_000) / int64(outputPricePer1M))
	if callerVal > 0 && callerVal < budgetDerived {
		return callerVal
	}
	return budgetDerived
}

func branchCost(m Member, usage provider.Usage) wireformat.MicroUSD {
	if m.OutputPricePer1M <= 0 {
		return 0
	}
	return wireformat.MicroUSD((int64(usage.CompletionTokens) * int64(m.OutputPricePer1M)) / 1_000_000)
}

func dispatchBranch(ctx context.Context, m Member, base provider.ChatRequest) (provider.ChatResponse, error) {
	clamped := clampMaxTokens(base.MaxTokens, m.PerModelBudgetMicroUSD, m.OutputPricePer1M)
	req := base
	req.Model = m.Model
	if clamped > 0 {
		req.MaxTokens = &clamped
	}
	resp, err := m.Provider.ChatCompletion(ctx, &req)
	if err != nil {
		return provider.ChatResponse{}, err
	}
	return *resp, nil
}

// capExceededErr flags a branch whose actual cost (recomputed from reported
// usage, not the pre-dispatch clamp) came in over its per-model cap. The
// result is discarded and the branch is reported as failed, but its cost
// is still recorded against the ensemble total.
func capExceededErr(m Member, cost wireformat.MicroUSD) error {
	if m.PerModelBudgetMicroUSD <= 0 || cost <= m.PerModelBudgetMicroUSD {
		return nil
	}
	return gwerrors.New(gwerrors.KindBudgetExceeded,
		fmt.Sprintf("branch %s cost %d exceeded per-model cap %d", m.PoolID, cost, m.PerModelBudgetMicroUSD),
		gwerrors.Context{PoolID: m.PoolID})
}

// checkEnsembleBudget enforces the hard bound: the sum of branch costs must
// never exceed the ensemble's total budget. Zero means unbounded.
func checkEnsembleBudget(total, limit wireformat.MicroUSD) error {
	if limit <= 0 || total <= limit {
		return nil
	}
	return gwerrors.New(gwerrors.KindBudgetExceeded,
		fmt.Sprintf("Ensemble budget exceeded: total cost %d exceeds cap %d", total, limit),
		gwerrors.Context{})
}

// --- first_complete ---

func runFirstComplete(ctx context.Context, req Request) (Result, error) {
	type outcome struct {
		idx  int
		resp provider.ChatResponse
		err  error
	}
	results := make(chan outcome, len(req.Members))
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, m := range req.Members {
		go func(i int, m Member) {
			resp, err := dispatchBranch(branchCtx, m, req.Base)
			select {
			case results <- outcome{idx: i, resp: resp, err: err}:
			case <-branchCtx.Done():
			}
		}(i, m)
	}

	branches := make([]BranchResult, len(req.Members))
	for i := range branches {
		branches[i].PoolID = req.Members[i].PoolID
	}

	var winnerIdx = -1
	var errs int
	for received := 0; received < len(req.Members); received++ {
		select {
		case o := <-results:
			if o.err == nil {
				branches[o.idx].Cost = branchCost(req.Members[o.idx], o.resp.Usage)
				o.err = capExceededErr(req.Members[o.idx], branches[o.idx].Cost)
			}
			if o.err != nil {
				branches[o.idx].Err = o.err
				errs++
				continue
			}
			if winnerIdx == -1 {
				winnerIdx = o.idx
				branches[o.idx].Response = o.resp
				cancel() // cancel all remaining siblings
			}
		case <-ctx.Done():
			return Result{}, gwerrors.Wrap(gwerrors.KindProviderUnavailable, ctx.Err(), gwerrors.Context{})
		}
		if winnerIdx != -1 {
			break
		}
	}

	if winnerIdx == -1 {
		return Result{Branches: branches}, gwerrors.New(gwerrors.KindProviderUnavailable, "all ensemble branches failed", gwerrors.Context{})
	}

	totalCost := branches[winnerIdx].Cost
	if err := checkEnsembleBudget(totalCost, req.TotalBudgetMicroUSD); err != nil {
		return Result{Branches: branches, TotalCost: totalCost}, err
	}

	return Result{
		EnsembleID: req.EnsembleID,
		Winner:     branches[winnerIdx].Response,
		WinnerPool: branches[winnerIdx].PoolID,
		Branches:   branches,
		TotalCost:  totalCost,
	}, nil
}

// --- best_of_n ---

func defaultScore(resp provider.ChatResponse) float64 {
	if resp.Usage.CompletionTokens == 0 {
		return 0
	}
	length := 0
	for _, c := range resp.Choices {
		if s, ok := c.Message.Content.(string); ok {
			length += len(s)
		}
	}
	return float64(length) / float64(resp.Usage.CompletionTokens)
}

func runBestOfN(ctx context.Context, req Request) (Result, error) {
	branches := make([]BranchResult, len(req.Members))
	g, gctx := errgroup.WithContext(ctx)

	for i, m := range req.Members {
		i, m := i, m
		branches[i].PoolID = m.PoolID
		g.Go(func() error {
			resp, err := dispatchBranch(gctx, m, req.Base)
			if err != nil {
				branches[i].Err = err
				return nil // a branch failure doesn't abort siblings in best_of_n
			}
			cost := branchCost(m, resp.Usage)
			branches[i].Cost = cost
			if capErr := capExceededErr(m, cost); capErr != nil {
				branches[i].Err = capErr // over per-model cap: result discarded, cost still recorded
				return nil
			}
			branches[i].Response = resp
			return nil
		})
	}
	_ = g.Wait() // branch errors are recorded per-branch, not propagated

	scorer := req.Score
	if scorer == nil {
		scorer = defaultScore
	}

	bestIdx := -1
	bestScore := 0.0
	var totalCost wireformat.MicroUSD
	for i, b := range branches {
		totalCost += b.Cost
		if b.Err != nil {
			continue
		}
		s := scorer(b.Response)
		if bestIdx == -1 || s > bestScore {
			bestIdx = i
			bestScore = s
		}
	}

	if err := checkEnsembleBudget(totalCost, req.TotalBudgetMicroUSD); err != nil {
		return Result{Branches: branches, TotalCost: totalCost}, err
	}

	if bestIdx == -1 {
		return Result{Branches: branches, TotalCost: totalCost}, gwerrors.New(gwerrors.KindProviderUnavailable, "all ensemble branches failed", gwerrors.Context{})
	}

	return Result{
		EnsembleID: req.EnsembleID,
		Winner:     branches[bestIdx].Response,
		WinnerPool: branches[bestIdx].PoolID,
		Branches:   branches,
		TotalCost:  totalCost,
	}, nil
}

// --- consensus ---

func runConsensus(ctx context.Context, req Request) (Result, error) {
	branches := make([]BranchResult, len(req.Members))
	g, gctx := errgroup.WithContext(ctx)

	for i, m := range req.Members {
		i, m := i, m
		branches[i].PoolID = m.PoolID
		g.Go(func() error {
			resp, err := dispatchBranch(gctx, m, req.Base)
			if err != nil {
				branches[i].Err = err
				return nil
			}
			cost := branchCost(m, resp.Usage)
			branches[i].Cost = cost
			if capErr := capExceededErr(m, cost); capErr != nil {
				branches[i].Err = capErr
				return nil
			}
			branches[i].Response = resp
			return nil
		})
	}
	_ = g.Wait()

	var totalCost wireformat.MicroUSD
	var votes []consensusVote
	var firstSuccess = -1
	for i, b := range branches {
		totalCost += b.Cost
		if b.Err != nil {
			continue
		}
		if firstSuccess == -1 {
			firstSuccess = i
		}
		if len(branches[i].Response.Choices) == 0 {
			continue
		}
		var obj map[string]interface{}
		if content, ok := branches[i].Response.Choices[0].Message.Content.(string); ok {
			if json.Unmarshal([]byte(content), &obj) == nil {
				votes = append(votes, consensusVote{obj: obj, order: len(votes)})
			}
		}
	}

	if err := checkEnsembleBudget(totalCost, req.TotalBudgetMicroUSD); err != nil {
		return Result{Branches: branches, TotalCost: totalCost}, err
	}

	if firstSuccess == -1 {
		return Result{Branches: branches, TotalCost: totalCost}, gwerrors.New(gwerrors.KindProviderUnavailable, "all ensemble branches failed", gwerrors.Context{})
	}

	if len(votes) == 0 {
		// No branch produced a parseable object: fall back to first success.
		return Result{
			EnsembleID: req.EnsembleID,
			Winner:     branches[firstSuccess].Response,
			WinnerPool: branches[firstSuccess].PoolID,
			Branches:   branches,
			TotalCost:  totalCost,
		}, nil
	}

	merged := majorityVoteFields(votes)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return Result{}, err
	}

	synthesized := branches[firstSuccess].Response
	synthesized.Model = synthesizedModelName(req.Members)
	if len(synthesized.Choices) > 0 {
		synthesized.Choices[0].Message.Content = string(mergedJSON)
	}

	return Result{
		EnsembleID: req.EnsembleID,
		Winner:     synthesized,
		WinnerPool: "consensus:" + req.EnsembleID,
		Branches:   branches,
		TotalCost:  totalCost,
	}, nil
}

// consensusVote is one branch's successfully parsed structured object,
// tagged with the order it was first observed in (for tie-breaking).
type consensusVote struct {
	obj   map[string]interface{}
	order int
}

// majorityVoteFields does a per-field majority vote across every
// successfully parsed branch object, breaking ties by insertion order of
// first vote.
func majorityVoteFields(votes []consensusVote) map[string]interface{} {
	type fieldVote struct {
		value    interface{}
		count    int
		firstSeen int
	}
	fields := make(map[string][]*fieldVote)

	for _, v := range votes {
		for k, val := range v.obj {
			valKey := valueKey(val)
			found := false
			for _, fv := range fields[k] {
				if valueKey(fv.value) == valKey {
					fv.count++
					found = true
					break
				}
			}
			if !found {
				fields[k] = append(fields[k], &fieldVote{value: val, count: 1, firstSeen: v.order})
			}
		}
	}

	result := make(map[string]interface{}, len(fields))
	for k, candidates := range fields {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].count != candidates[j].count {
				return candidates[i].count > candidates[j].count
			}
			return candidates[i].firstSeen < candidates[j].firstSeen
		})
		result[k] = candidates[0].value
	}
	return result
}

func valueKey(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func synthesizedModelName(members []Member) string {
	name := "ensemble("
	for i, m := range members {
		if i > 0 {
			name += "+"
		}
		name += m.Provider.Name() + ":" + m.Model
	}
	return name + ")"
}
