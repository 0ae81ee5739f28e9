package provider

import (
	"context"
	"io"
	"testing"

	"github.com/latticeforge/gateway/domain"
)

func TestNativeProviderDeclaresClaudeCodeType(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewNativeProvider(nil, nil))

	if got := reg.TypeOf(NativeProviderName); got != domain.ProviderTypeClaudeCode {
		t.Fatalf("want claude-code type, got %s", got)
	}
	if got := reg.TypeOf("anthropic"); got != domain.ProviderTypeNetwork {
		t.Fatalf("unregistered provider must report network type, got %s", got)
	}
}

func TestNativeProviderCompletesInProcess(t *testing.T) {
	p := NewNativeProvider(nil, nil)
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model: "native/claude-code",
		Messages: []ChatMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "ping"},
		},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("want one choice, got %d", len(resp.Choices))
	}
	if c, _ := resp.Choices[0].Message.Content.(string); c != "ping" {
		t.Fatalf("echo runner should answer the last user message, got %q", c)
	}
	if resp.Usage.TotalTokens == 0 {
		t.Fatal("usage must be populated for billing")
	}
}

func TestNativeProviderCustomRunner(t *testing.T) {
	ran := false
	p := NewNativeProvider([]string{"native/custom"}, func(_ context.Context, _ *ChatRequest) (string, Usage, error) {
		ran = true
		return "custom", Usage{CompletionTokens: 1, TotalTokens: 1}, nil
	})
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{Model: "native/custom"})
	if err != nil || !ran {
		t.Fatalf("custom runner not invoked: %v", err)
	}
	if c, _ := resp.Choices[0].Message.Content.(string); c != "custom" {
		t.Fatalf("got %q", c)
	}
}

func TestNativeProviderStreamReplaysCompletion(t *testing.T) {
	p := NewNativeProvider(nil, nil)
	stream, err := p.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "native/claude-code",
		Messages: []ChatMessage{{Role: "user", Content: "hello stream"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()

	var out []byte
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, chunk...)
	}
	if string(out) != "hello stream" {
		t.Fatalf("stream content mismatch: %q", out)
	}
}

func TestNativeProviderAlwaysHealthy(t *testing.T) {
	p := NewNativeProvider(nil, nil)
	if !p.HealthCheck(context.Background()).Healthy {
		t.Fatal("in-process runtime must report healthy")
	}
}
