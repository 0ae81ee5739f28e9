package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/latticeforge/gateway/wireformat"
)

// ModelPricing holds per-model token pricing in integer micro-USD per 1M
// tokens. Accounting paths never use floating point: a rate of
// $2.50 per 1M tokens is stored as 2_500_000 micro-USD, not 2.50.
type ModelPricing struct {
	InputPer1M  wireformat.MicroUSD `json:"input_per_1m"`
	OutputPer1M wireformat.MicroUSD `json:"output_per_1m"`
	Free        bool                `json:"free,omitempty"`
}

// PricingConfig holds all provider pricing data.
type PricingConfig struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing // key: "provider/model" or just "model"
}

const dollar = int64(wireformat.DollarMicros)

// microPerMillion expresses a per-1M-token rate given as whole dollars plus
// cents (to keep the table below legible without float literals): e.g.
// microPerMillion(2, 50) means $2.50. cents is 0-99.
func microPerMillion(dollars, cents int64) wireformat.MicroUSD {
	return wireformat.MicroUSD(dollars*dollar + cents*dollar/100)
}

// DefaultPricing returns the built-in pricing table (Feb 2026 rates),
// expressed in integer micro-USD per 1M tokens.
func DefaultPricing() *PricingConfig {
	pc := &PricingConfig{
		pricing: map[string]ModelPricing{
			// OpenAI
			"openai/gpt-4o":                 {InputPer1M: microPerMillion(2, 50), OutputPer1M: microPerMillion(10, 0)},
			"openai/gpt-4o-mini":            {InputPer1M: microPerMillion(0, 15), OutputPer1M: microPerMillion(0, 60)},
			"openai/gpt-4-turbo":            {InputPer1M: microPerMillion(10, 0), OutputPer1M: microPerMillion(30, 0)},
			"openai/gpt-4":                  {InputPer1M: microPerMillion(30, 0), OutputPer1M: microPerMillion(60, 0)},
			"openai/gpt-3.5-turbo":          {InputPer1M: microPerMillion(0, 50), OutputPer1M: microPerMillion(1, 50)},
			"openai/o1":                     {InputPer1M: microPerMillion(15, 0), OutputPer1M: microPerMillion(60, 0)},
			"openai/o1-mini":                {InputPer1M: microPerMillion(3, 0), OutputPer1M: microPerMillion(12, 0)},
			"openai/text-embedding-3-small": {InputPer1M: microPerMillion(0, 2), OutputPer1M: 0},
			"openai/text-embedding-3-large": {InputPer1M: microPerMillion(0, 13), OutputPer1M: 0},

			// Anthropic
			"anthropic/claude-3-5-sonnet-20241022": {InputPer1M: microPerMillion(3, 0), OutputPer1M: microPerMillion(15, 0)},
			"anthropic/claude-3-5-haiku-20241022":  {InputPer1M: microPerMillion(0, 80), OutputPer1M: microPerMillion(4, 0)},
			"anthropic/claude-3-opus-20240229":     {InputPer1M: microPerMillion(15, 0), OutputPer1M: microPerMillion(75, 0)},
			"anthropic/claude-3-sonnet-20240229":   {InputPer1M: microPerMillion(3, 0), OutputPer1M: microPerMillion(15, 0)},
			"anthropic/claude-3-haiku-20240307":    {InputPer1M: microPerMillion(0, 25), OutputPer1M: microPerMillion(1, 25)},

			// Native in-process runtime — no per-token vendor bill; the
			// deployment absorbs the compute, so invocations price at zero.
			"claude-code/native/claude-code": {InputPer1M: 0, OutputPer1M: 0, Free: true},
		},
	}
	return pc
}

// LoadFromFile loads pricing overrides from a JSON file. The file stores
// rates as integer micro-USD, matching ModelPricing's wire shape.
func (pc *PricingConfig) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}

	var overrides map[string]ModelPricing
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for k, v := range overrides {
		pc.pricing[k] = v
	}
	return nil
}

// GetPricing returns the pricing for a model. Tries "provider/model" first,
// then falls back to just "model" across all providers.
func (pc *PricingConfig) GetPricing(providerName, model string) (ModelPricing, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	key := providerName + "/" + model
	if p, ok := pc.pricing[key]; ok {
		return p, true
	}

	lowerModel := strings.ToLower(model)
	for k, p := range pc.pricing {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) == 2 && strings.ToLower(parts[1]) == lowerModel {
			return p, true
		}
	}

	return ModelPricing{}, false
}

// CalculateCost computes the cost for a request given token counts,
// rounding each component to the nearest micro-USD (never truncating
// toward zero, and never touching a float).
func (pc *PricingConfig) CalculateCost(providerName, model string, inputTokens, outputTokens int) wireformat.MicroUSD {
	pricing, found := pc.GetPricing(providerName, model)
	if !found || pricing.Free {
		return 0
	}

	inputCost := roundedDiv(int64(inputTokens)*int64(pricing.InputPer1M), 1_000_000)
	outputCost := roundedDiv(int64(outputTokens)*int64(pricing.OutputPer1M), 1_000_000)
	return wireformat.MicroUSD(inputCost + outputCost)
}

// roundedDiv divides num by denom rounding to nearest, half away from zero.
func roundedDiv(num, denom int64) int64 {
	if denom == 0 {
		return 0
	}
	neg := (num < 0) != (denom < 0)
	if num < 0 {
		num = -num
	}
	if denom < 0 {
		denom = -denom
	}
	q := (num + denom/2) / denom
	if neg {
		return -q
	}
	return q
}

// EstimateCost estimates cost from max_tokens (pre-request).
func (pc *PricingConfig) EstimateCost(providerName, model string, estimatedInputTokens, maxOutputTokens int) wireformat.MicroUSD {
	return pc.CalculateCost(providerName, model, estimatedInputTokens, maxOutputTokens)
}

// IsFreeModel returns true if the model is marked as free.
func (pc *PricingConfig) IsFreeModel(providerName, model string) bool {
	pricing, found := pc.GetPricing(providerName, model)
	return found && pricing.Free
}

// AllPricing returns all pricing entries (for API responses).
func (pc *PricingConfig) AllPricing() map[string]ModelPricing {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	result := make(map[string]ModelPricing, len(pc.pricing))
	for k, v := range pc.pricing {
		result[k] = v
	}
	return result
}

// SetPricing updates or adds pricing for a model.
func (pc *PricingConfig) SetPricing(key string, pricing ModelPricing) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.pricing[key] = pricing
}
