package provider

import (
	"encoding/json"
	"fmt"
)

// AnthropicTool is a tool definition in Anthropic's wire format: the
// canonical {name, description, parameters} triple re-keyed with
// input_schema.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// AnthropicToolChoice is Anthropic's tool_choice parameter.
type AnthropicToolChoice struct {
	Type string `json:"type"`           // "auto", "any", "tool"
	Name string `json:"name,omitempty"` // only when type="tool"
}

// AnthropicContentBlock is one content block in an Anthropic response.
type AnthropicContentBlock struct {
	Type  string          `json:"type"`            // "text", "tool_use"
	Text  string          `json:"text,omitempty"`  // for type="text"
	ID    string          `json:"id,omitempty"`    // for type="tool_use"
	Name  string          `json:"name,omitempty"`  // for type="tool_use"
	Input json.RawMessage `json:"input,omitempty"` // for type="tool_use"
}

// ConvertToolsToAnthropic converts canonical tool definitions to
// Anthropic's {name, description, input_schema} shape. Non-function tool
// types are skipped.
func ConvertToolsToAnthropic(tools []Tool) []AnthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]AnthropicTool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		result = append(result, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return result
}

// ConvertToolChoiceToAnthropic maps the canonical tool_choice values:
// auto -> {type:auto}, required -> {type:any}, none -> omitted, and a
// named function -> {type:tool, name}.
func ConvertToolChoiceToAnthropic(toolChoice interface{}) *AnthropicToolChoice {
	if toolChoice == nil {
		return nil
	}

	switch v := toolChoice.(type) {
	case string:
		switch v {
		case "auto":
			return &AnthropicToolChoice{Type: "auto"}
		case "none":
			return nil
		case "required":
			return &AnthropicToolChoice{Type: "any"}
		default:
			return &AnthropicToolChoice{Type: "auto"}
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				return &AnthropicToolChoice{Type: "tool", Name: name}
			}
		}
	}

	return &AnthropicToolChoice{Type: "auto"}
}

// ValidateToolDefinitions checks that tool definitions are well-formed
// before any adapter conversion runs.
func ValidateToolDefinitions(tools []Tool) error {
	seen := make(map[string]bool)
	for i, t := range tools {
		if t.Type != "function" {
			return fmt.Errorf("tool[%d]: unsupported type %q (only 'function' is supported)", i, t.Type)
		}
		if t.Function.Name == "" {
			return fmt.Errorf("tool[%d]: function name is required", i)
		}
		if seen[t.Function.Name] {
			return fmt.Errorf("tool[%d]: duplicate function name %q", i, t.Function.Name)
		}
		seen[t.Function.Name] = true
		if len(t.Function.Parameters) > 0 {
			var js json.RawMessage
			if err := json.Unmarshal(t.Function.Parameters, &js); err != nil {
				return fmt.Errorf("tool[%d] %q: parameters is not valid JSON: %w", i, t.Function.Name, err)
			}
		}
	}
	return nil
}
