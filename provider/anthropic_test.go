package provider

import (
	"testing"
)

func TestConvertRequestConcatenatesSystemMessages(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{APIKey: "k"})
	req := &ChatRequest{
		Model: "claude-3-5-sonnet",
		Messages: []ChatMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "hi"},
			{Role: "system", Content: "Answer in French."},
		},
	}
	aReq := p.convertRequest(req)
	want := "You are terse.\n\nAnswer in French."
	if aReq.System != want {
		t.Fatalf("system concat wrong: %q", aReq.System)
	}
	if len(aReq.Messages) != 1 || aReq.Messages[0].Role != "user" {
		t.Fatalf("system messages must not appear in the message list: %+v", aReq.Messages)
	}
}

func TestConvertRequestMergesConsecutiveToolResults(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{APIKey: "k"})
	req := &ChatRequest{
		Model: "claude-3-5-sonnet",
		Messages: []ChatMessage{
			{Role: "user", Content: "look things up"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "t1", Function: FunctionCall{Name: "search", Arguments: `{"q":"a"}`}},
				{ID: "t2", Function: FunctionCall{Name: "search", Arguments: `{"q":"b"}`}},
			}},
			{Role: "tool", ToolCallID: "t1", Content: "result a"},
			{Role: "tool", ToolCallID: "t2", Content: "result b"},
		},
	}
	aReq := p.convertRequest(req)
	// user, assistant(tool_use), ONE merged user(tool_result, tool_result)
	if len(aReq.Messages) != 3 {
		t.Fatalf("want 3 messages after merging, got %d: %+v", len(aReq.Messages), aReq.Messages)
	}
	last := aReq.Messages[2]
	if last.Role != "user" {
		t.Fatalf("merged tool results must land in a user message, got %q", last.Role)
	}
	blocks, ok := last.Content.([]map[string]interface{})
	if !ok || len(blocks) != 2 {
		t.Fatalf("want 2 tool_result blocks in one message, got %#v", last.Content)
	}
	for i, id := range []string{"t1", "t2"} {
		if blocks[i]["type"] != "tool_result" || blocks[i]["tool_use_id"] != id {
			t.Fatalf("block %d wrong: %#v", i, blocks[i])
		}
	}
}

func TestToolChoiceMapping(t *testing.T) {
	if tc := ConvertToolChoiceToAnthropic("auto"); tc == nil || tc.Type != "auto" {
		t.Fatalf("auto must map to {type:auto}, got %+v", tc)
	}
	if tc := ConvertToolChoiceToAnthropic("required"); tc == nil || tc.Type != "any" {
		t.Fatalf("required must map to {type:any}, got %+v", tc)
	}
	if tc := ConvertToolChoiceToAnthropic("none"); tc != nil {
		t.Fatalf("none must omit tool_choice, got %+v", tc)
	}
}
