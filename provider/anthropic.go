package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider is the network adapter for Anthropic's Messages API.
// Unlike the OpenAI pass-through, every request is re-expressed: system
// messages concatenate into the top-level system parameter, tool
// definitions re-key to input_schema, and tool results become user-role
// tool_result content blocks (consecutive ones merged into one message).
type AnthropicProvider struct {
	config ProviderConfig
	client *http.Client
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []string {
	if len(p.config.Models) > 0 {
		return p.config.Models
	}
	return []string{
		"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022",
		"claude-3-opus-20240229", "claude-3-haiku-20240307",
	}
}

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	Messages    []anthropicMessage   `json:"messages"`
	System      string               `json:"system,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	StopSeqs    []string             `json:"stop_sequences,omitempty"`
	Tools       []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice  *AnthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []AnthropicContentBlock / block maps
}

// anthropicResponse is the Messages API response body.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	aReq := p.convertRequest(req)
	aReq.Stream = false

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := doWithRetry(ctx, p.client,
		jsonRequestFactory(ctx, http.MethodPost, p.config.BaseURL+"/messages", body, p.setHeaders),
		DefaultRetryPolicy())
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return p.convertResponse(&aResp), nil
}

// ChatCompletionStream opens the Messages SSE stream (event types
// message_start through message_stop); chunk typing happens downstream.
// No retry: a replayed stream would duplicate output.
func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	aReq := p.convertRequest(req)
	aReq.Stream = true

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	newReq := jsonRequestFactory(ctx, http.MethodPost, p.config.BaseURL+"/messages", body, p.setHeaders)
	httpReq, err := newReq()
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return NewHTTPStream(resp), nil
}

func (p *AnthropicProvider) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	return nil, fmt.Errorf("anthropic does not serve embeddings")
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/models", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error(), LastCheck: time.Now()}
	}
	defer resp.Body.Close()

	// Any non-5xx answer means the service is reachable.
	status := HealthStatus{Healthy: resp.StatusCode < 500, Latency: latency, LastCheck: time.Now()}
	if !status.Healthy {
		status.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return status
}

// convertRequest re-expresses a canonical request in Messages API form.
func (p *AnthropicProvider) convertRequest(req *ChatRequest) *anthropicRequest {
	aReq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   1024,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		aReq.MaxTokens = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		aReq.Tools = ConvertToolsToAnthropic(req.Tools)
		aReq.ToolChoice = ConvertToolChoiceToAnthropic(req.ToolChoice)
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch {
		case msg.Role == "system":
			// All system messages concatenate into the single top-level
			// system parameter.
			if content, ok := msg.Content.(string); ok {
				systemParts = append(systemParts, content)
			}
		case msg.Role == "tool" && msg.ToolCallID != "":
			p.appendToolResult(aReq, msg)
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			aReq.Messages = append(aReq.Messages, assistantToolUseMessage(msg))
		default:
			content := ""
			if c, ok := msg.Content.(string); ok {
				content = c
			}
			aReq.Messages = append(aReq.Messages, anthropicMessage{Role: msg.Role, Content: content})
		}
	}
	if len(systemParts) > 0 {
		aReq.System = strings.Join(systemParts, "\n\n")
	}
	return aReq
}

// appendToolResult adds one tool result, merging consecutive results
// into a single user message of tool_result blocks.
func (p *AnthropicProvider) appendToolResult(aReq *anthropicRequest, msg ChatMessage) {
	content := ""
	if c, ok := msg.Content.(string); ok {
		content = c
	}
	block := map[string]interface{}{
		"type":        "tool_result",
		"tool_use_id": msg.ToolCallID,
		"content":     content,
	}
	if n := len(aReq.Messages); n > 0 && aReq.Messages[n-1].Role == "user" {
		if prev, ok := aReq.Messages[n-1].Content.([]map[string]interface{}); ok && len(prev) > 0 && prev[0]["type"] == "tool_result" {
			aReq.Messages[n-1].Content = append(prev, block)
			return
		}
	}
	aReq.Messages = append(aReq.Messages, anthropicMessage{
		Role:    "user",
		Content: []map[string]interface{}{block},
	})
}

// assistantToolUseMessage re-expresses assistant tool calls as tool_use
// content blocks, preceded by a text block when the turn also had text.
func assistantToolUseMessage(msg ChatMessage) anthropicMessage {
	blocks := make([]map[string]interface{}, 0, len(msg.ToolCalls)+1)
	if content, ok := msg.Content.(string); ok && content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": content})
	}
	for _, tc := range msg.ToolCalls {
		var input json.RawMessage
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}
	return anthropicMessage{Role: "assistant", Content: blocks}
}

// convertResponse folds text and tool_use content blocks back into the
// canonical response shape.
func (p *AnthropicProvider) convertResponse(aResp *anthropicResponse) *ChatResponse {
	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range aResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: string(args)},
			})
		}
	}

	finishReason := mapStopReason(aResp.StopReason)
	if len(toolCalls) > 0 && aResp.StopReason == "tool_use" {
		finishReason = "tool_calls"
	}

	return &ChatResponse{
		ID:      aResp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   aResp.Model,
		Choices: []Choice{{
			Message: ChatMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: finishReason,
		}},
		Usage: Usage{
			PromptTokens:     aResp.Usage.InputTokens,
			CompletionTokens: aResp.Usage.OutputTokens,
			TotalTokens:      aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
}
