package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/latticeforge/gateway/budget"
	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/provider"
)

func budgetScope() budget.Scope  { return budget.Scope{TenantID: "acme", Agent: "assistant"} }
func budgetLimits() budget.Limits {
	return budget.Limits{CapMicroUSD: 1_000_000, WarnFraction: 0.8, Period: 0}
}

func echoExecutor(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"tool": name, "echo": string(args)})
}

func TestToolLoopCompletesWithoutTools(t *testing.T) {
	step := func(ctx context.Context, history []provider.ChatMessage) (provider.ChatMessage, []provider.ToolCall, bool, error) {
		return provider.ChatMessage{Role: "assistant", Content: "done"}, nil, true, nil
	}
	loop := NewToolLoop(DefaultLoopLimits(), nil, nil, nil, echoExecutor, step, testLog())
	msg, err := loop.Run(context.Background(), "trace-1", budgetScope(), budgetLimits(), "alpha:alpha-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "done" {
		t.Fatalf("expected final message, got %+v", msg)
	}
}

func TestToolLoopMemoizesResultByTraceAndToolCallID(t *testing.T) {
	calls := 0
	executor := func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.Marshal(map[string]int{"call": calls})
	}

	iteration := 0
	step := func(ctx context.Context, history []provider.ChatMessage) (provider.ChatMessage, []provider.ToolCall, bool, error) {
		iteration++
		if iteration > 2 {
			return provider.ChatMessage{Role: "assistant", Content: "final"}, nil, true, nil
		}
		return provider.ChatMessage{Role: "assistant"}, []provider.ToolCall{
			{ID: "tc-1", Function: provider.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
		}, false, nil
	}

	loop := NewToolLoop(DefaultLoopLimits(), nil, nil, nil, executor, step, testLog())
	_, err := loop.Run(context.Background(), "trace-2", budgetScope(), budgetLimits(), "alpha:alpha-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the executor to run exactly once across repeated identical tool_call_id, got %d", calls)
	}
}

func TestToolLoopMalformedJSONGetsOneRepairRound(t *testing.T) {
	iteration := 0
	step := func(ctx context.Context, history []provider.ChatMessage) (provider.ChatMessage, []provider.ToolCall, bool, error) {
		iteration++
		if iteration == 1 {
			return provider.ChatMessage{Role: "assistant"}, []provider.ToolCall{
				{ID: "tc-bad", Function: provider.FunctionCall{Name: "lookup", Arguments: `{not json`}},
			}, false, nil
		}
		// Second iteration: verify the repair payload landed in history as the
		// tool result for tc-bad.
		for _, m := range history {
			if m.ToolCallID == "tc-bad" {
				return provider.ChatMessage{Role: "assistant", Content: "repaired"}, nil, true, nil
			}
		}
		return provider.ChatMessage{}, nil, true, errors.New("repair payload missing from history")
	}

	loop := NewToolLoop(DefaultLoopLimits(), nil, nil, nil, echoExecutor, step, testLog())
	msg, err := loop.Run(context.Background(), "trace-3", budgetScope(), budgetLimits(), "alpha:alpha-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "repaired" {
		t.Fatalf("expected repaired completion, got %+v", msg)
	}
}

func TestToolLoopConsecutiveFailuresAbort(t *testing.T) {
	failingExecutor := func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream tool error")
	}
	call := 0
	step := func(ctx context.Context, history []provider.ChatMessage) (provider.ChatMessage, []provider.ToolCall, bool, error) {
		call++
		return provider.ChatMessage{Role: "assistant"}, []provider.ToolCall{
			{ID: fmt.Sprintf("tc-%d", call), Function: provider.FunctionCall{Name: "flaky", Arguments: `{}`}},
		}, false, nil
	}
	limits := DefaultLoopLimits()
	limits.ConsecutiveFailureMax = 2
	loop := NewToolLoop(limits, nil, nil, nil, failingExecutor, step, testLog())
	_, err := loop.Run(context.Background(), "trace-4", budgetScope(), budgetLimits(), "alpha:alpha-1", nil, nil)
	if !gwerrors.Is(err, gwerrors.KindToolCallConsecutiveFailures) {
		t.Fatalf("expected TOOL_CALL_CONSECUTIVE_FAILURES, got %v", err)
	}
}

func TestToolLoopMaxIterationsExceeded(t *testing.T) {
	step := func(ctx context.Context, history []provider.ChatMessage) (provider.ChatMessage, []provider.ToolCall, bool, error) {
		return provider.ChatMessage{Role: "assistant"}, nil, false, nil
	}
	limits := DefaultLoopLimits()
	limits.MaxIterations = 3
	loop := NewToolLoop(limits, nil, nil, nil, echoExecutor, step, testLog())
	_, err := loop.Run(context.Background(), "trace-5", budgetScope(), budgetLimits(), "alpha:alpha-1", nil, nil)
	if !gwerrors.Is(err, gwerrors.KindToolCallMaxIterations) {
		t.Fatalf("expected TOOL_CALL_MAX_ITERATIONS, got %v", err)
	}
}

func TestToolLoopContextOverflowFailsFast(t *testing.T) {
	step := func(ctx context.Context, history []provider.ChatMessage) (provider.ChatMessage, []provider.ToolCall, bool, error) {
		t.Fatal("step should never be called once context utilization exceeds the fail threshold")
		return provider.ChatMessage{}, nil, true, nil
	}
	loop := NewToolLoop(DefaultLoopLimits(), nil, nil, nil, echoExecutor, step, testLog())
	_, err := loop.Run(context.Background(), "trace-6", budgetScope(), budgetLimits(), "alpha:alpha-1", nil, func() float64 { return 0.95 })
	if !gwerrors.Is(err, gwerrors.KindContextOverflow) {
		t.Fatalf("expected CONTEXT_OVERFLOW, got %v", err)
	}
}
