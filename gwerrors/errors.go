// Package gwerrors defines the gateway's error taxonomy. Every error that
// crosses a component boundary is one of these Kinds, carrying structured
// context (agent, provider, model, tenant, correlation id, trace id, pool
// id) so operators can diagnose a failure without re-deriving it from logs.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind is a stable, loggable error classification.
type Kind string

const (
	// Configuration
	KindConfigInvalid         Kind = "CONFIG_INVALID"
	KindBindingInvalid        Kind = "BINDING_INVALID"
	KindNativeRuntimeRequired Kind = "NATIVE_RUNTIME_REQUIRED"

	// Authorization
	KindAccessDenied         Kind = "ACCESS_DENIED"
	KindPoolUnauthorized     Kind = "POOL_UNAUTHORIZED"
	KindBYOKProxyUnavailable Kind = "BYOK_PROXY_UNAVAILABLE"

	// Availability
	KindProviderUnavailable Kind = "PROVIDER_UNAVAILABLE"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindBudgetCircuitOpen   Kind = "BUDGET_CIRCUIT_OPEN"
	KindBudgetUnavailable   Kind = "BUDGET_UNAVAILABLE"
	KindBudgetExceeded      Kind = "BUDGET_EXCEEDED"

	// Execution
	KindToolCallMaxIterations       Kind = "TOOL_CALL_MAX_ITERATIONS"
	KindToolCallLimitExceeded       Kind = "TOOL_CALL_LIMIT_EXCEEDED"
	KindToolCallWallTimeExceeded    Kind = "TOOL_CALL_WALL_TIME_EXCEEDED"
	KindToolCallConsecutiveFailures Kind = "TOOL_CALL_CONSECUTIVE_FAILURES"
	KindContextOverflow             Kind = "CONTEXT_OVERFLOW"

	// Protocol
	KindProtocolIncompatible Kind = "PROTOCOL_INCOMPATIBLE"
	KindProtocolUnreachable  Kind = "PROTOCOL_UNREACHABLE"
)

// Context carries the structured fields every gateway error should surface.
type Context struct {
	Agent         string
	Provider      string
	Model         string
	TenantID      string
	CorrelationID string
	TraceID       string
	PoolID        string
}

// Error is the concrete error type for every Kind above that does not need
// its own payload (BillingStateError and LedgerError are richer and defined
// in their owning packages).
type Error struct {
	Kind    Kind
	Message string
	Ctx     Context
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, msg string, ctx Context) *Error {
	return &Error{Kind: kind, Message: msg, Ctx: ctx}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, cause error, ctx Context) *Error {
	return &Error{Kind: kind, Message: cause.Error(), Ctx: ctx, Cause: cause}
}

// Is reports whether err (or anything it wraps) is a gateway Error, or a
// ChainExhaustedError, of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	var ce *ChainExhaustedError
	if errors.As(err, &ce) {
		return ce.Kind() == k
	}
	return false
}

// Rejection names one candidate rejected while walking a fallback or
// downgrade chain, and why. Load-bearing for operator diagnostics per the
// Router's failure semantics.
type Rejection struct {
	Candidate string
	Reason    string
}

// ChainExhaustedError is raised when a fallback/downgrade chain runs out of
// candidates; it names every rejected candidate and the rejection reason.
type ChainExhaustedError struct {
	Agent       string
	Rejections  []Rejection
	ChainKind   string // "fallback" or "downgrade"
}

func (e *ChainExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s chain exhausted for agent %q after %d candidates",
		KindProviderUnavailable, e.ChainKind, e.Agent, len(e.Rejections))
}

func (e *ChainExhaustedError) Kind() Kind { return KindProviderUnavailable }
