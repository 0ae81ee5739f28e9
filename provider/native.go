package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/latticeforge/gateway/domain"
)

// NativeProviderName is the registry name of the in-process runtime.
const NativeProviderName = "claude-code"

// ModelRunner executes one completion in-process. Deployments embed their
// runtime by supplying one; the default EchoRunner exists so the provider
// is exercisable without a hosted model.
type ModelRunner func(ctx context.Context, req *ChatRequest) (string, Usage, error)

// NativeProvider hosts a model in-process instead of over the network.
// Agents whose binding requires a native runtime may only resolve to a
// provider of this type; the resolver enforces that through Registry.TypeOf.
type NativeProvider struct {
	models []string
	runner ModelRunner

	mu    sync.Mutex
	calls int64
}

// EchoRunner is the default in-process runner: it answers with the last
// user message. Deployments replace it with a real embedded runtime.
func EchoRunner(_ context.Context, req *ChatRequest) (string, Usage, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if c, ok := m.Content.(string); ok {
			last = c
		}
	}
	promptTokens := 0
	for _, m := range req.Messages {
		if c, ok := m.Content.(string); ok {
			promptTokens += len(c) / 4
		}
	}
	return last, Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: len(last) / 4,
		TotalTokens:      promptTokens + len(last)/4,
	}, nil
}

// NewNativeProvider constructs the in-process provider. runner may be nil,
// in which case EchoRunner is used.
func NewNativeProvider(models []string, runner ModelRunner) *NativeProvider {
	if len(models) == 0 {
		models = []string{"native/claude-code"}
	}
	if runner == nil {
		runner = EchoRunner
	}
	return &NativeProvider{models: models, runner: runner}
}

func (p *NativeProvider) Name() string              { return NativeProviderName }
func (p *NativeProvider) Type() domain.ProviderType { return domain.ProviderTypeClaudeCode }
func (p *NativeProvider) Models() []string          { return append([]string(nil), p.models...) }

func (p *NativeProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	content, usage, err := p.runner(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("native runtime: %w", err)
	}
	p.mu.Lock()
	p.calls++
	id := p.calls
	p.mu.Unlock()
	return &ChatResponse{
		ID:      fmt.Sprintf("native-%d", id),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}, nil
}

// ChatCompletionStream runs the completion eagerly, then replays it as a
// single-chunk stream. An in-process runtime has no network latency to
// hide, so incremental delivery buys nothing.
func (p *NativeProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	resp, err := p.ChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	content := ""
	if len(resp.Choices) > 0 {
		if c, ok := resp.Choices[0].Message.Content.(string); ok {
			content = c
		}
	}
	return &nativeStream{reader: strings.NewReader(content)}, nil
}

func (p *NativeProvider) Embeddings(_ context.Context, _ *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	return nil, fmt.Errorf("native runtime does not serve embeddings")
}

// HealthCheck always reports healthy: the runtime lives in this process,
// so if we are running, it is reachable.
func (p *NativeProvider) HealthCheck(_ context.Context) HealthStatus {
	return HealthStatus{Healthy: true, LastCheck: time.Now()}
}

type nativeStream struct {
	reader *strings.Reader
	done   bool
}

func (s *nativeStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	buf := make([]byte, 4096)
	n, err := s.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		s.done = true
		return nil, io.EOF
	}
	return nil, io.EOF
}

func (s *nativeStream) Close() error {
	s.done = true
	return nil
}
