// Package domain holds the shared data-model types described by the
// gateway's specification: pools, resolved models, agent bindings, and the
// account key grammar the Ledger operates on.
package domain

import (
	"fmt"
	"strings"

	"github.com/latticeforge/gateway/wireformat"
)

// ProviderType distinguishes a network-hosted provider from one that runs
// the model in-process. Agents marked RequiresNativeRuntime must bind to a
// ProviderTypeClaudeCode provider; falling back to any other type is a hard
// failure, never a silent downgrade.
type ProviderType string

const (
	ProviderTypeNetwork    ProviderType = "network"
	ProviderTypeClaudeCode ProviderType = "claude-code"
)

// Pool is a named bundle of {provider, model, tier-access-set}. Pools are
// the unit of tenant authorization.
type Pool struct {
	ID           string
	Provider     string
	Model        string
	ProviderType ProviderType
	TierAccess   map[string]bool // tiers authorized to use this pool
	Capabilities Requirements    // what this pool actually supports
	Enabled      bool
}

// PricingEntry holds per-1M-token rates in integer micro-USD.
type PricingEntry struct {
	InputPer1M  wireformat.MicroUSD
	OutputPer1M wireformat.MicroUSD
}

// ResolvedModel is the output of the Router: a concrete provider+model pair
// together with the pricing used to cost its usage.
type ResolvedModel struct {
	Provider string
	ModelID  string
	PoolID   string
	Pricing  PricingEntry
}

// Requirements names the capabilities an AgentBinding demands of whatever
// model it resolves to.
type Requirements struct {
	NativeRuntime bool
	ToolCalling   bool
	ThinkingTraces bool
	Vision        bool
	Streaming     bool
}

// AgentBinding maps a logical agent to a model alias plus its requirements
// and fallback/downgrade chains.
type AgentBinding struct {
	Agent        string
	ModelAlias   string
	Temperature  *float64
	PersonaRef   string
	Requires     Requirements
	FallbackChain  []string // ordered list of aliases, health-gated
	DowngradeChain []string // ordered list of aliases, not health-gated
	EnsemblePolicy *EnsemblePolicy
}

// EnsemblePolicy, when non-nil on a binding, directs the Router to hand the
// request to the Ensemble Orchestrator instead of a single adapter.
type EnsemblePolicy struct {
	PoolIDs               []string
	Strategy              string // "first_complete" | "best_of_n" | "consensus"
	TotalBudgetMicroUSD    wireformat.MicroUSD
	PerModelBudgetMicroUSD wireformat.MicroUSD
}

// Account key grammar: user:<id>:available, user:<id>:held,
// system:revenue, system:refunds.
const (
	accountUserAvailable = "available"
	accountUserHeld      = "held"
	AccountSystemRevenue = "system:revenue"
	AccountSystemRefunds = "system:refunds"
)

// UserAvailable returns the "user:<id>:available" account key.
func UserAvailable(userID string) string { return fmt.Sprintf("user:%s:%s", userID, accountUserAvailable) }

// UserHeld returns the "user:<id>:held" account key.
func UserHeld(userID string) string { return fmt.Sprintf("user:%s:%s", userID, accountUserHeld) }

// ParseUserAccount splits a "user:<id>:<sub>" key into its user id and
// sub-account name. ok is false for non-user keys (system:*).
func ParseUserAccount(key string) (userID, sub string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "user" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
