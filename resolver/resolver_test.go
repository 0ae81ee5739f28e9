package resolver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/domain"
	"github.com/latticeforge/gateway/gwerrors"
	"github.com/latticeforge/gateway/provider"
)

type fakeProvider struct {
	name    string
	healthy bool
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, nil
}
func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
	return nil, nil
}
func (f *fakeProvider) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return nil, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: f.healthy, LastCheck: time.Now()}
}
func (f *fakeProvider) Models() []string { return []string{"fake-model"} }

func testLog() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestTable() *BindingTable {
	return &BindingTable{
		bindings: map[string]domain.AgentBinding{
			"assistant": {
				Agent:          "assistant",
				ModelAlias:     "primary-alias",
				FallbackChain:  []string{"fallback-alias"},
				DowngradeChain: []string{"cheap-alias"},
			},
			"native-agent": {
				Agent:      "native-agent",
				ModelAlias: "network-alias",
				Requires:   domain.Requirements{NativeRuntime: true},
			},
			"vision-agent": {
				Agent:      "vision-agent",
				ModelAlias: "no-vision-alias",
				Requires:   domain.Requirements{Vision: true},
				FallbackChain: []string{"vision-alias"},
			},
		},
		aliases: map[string]domain.Pool{
			"primary-alias":   {ID: "primary-alias", Provider: "alpha", Model: "alpha-1", Enabled: true},
			"fallback-alias":  {ID: "fallback-alias", Provider: "beta", Model: "beta-1", Enabled: true},
			"cheap-alias":     {ID: "cheap-alias", Provider: "beta", Model: "beta-mini", Enabled: true},
			"network-alias":   {ID: "network-alias", Provider: "alpha", Model: "alpha-1", ProviderType: domain.ProviderTypeNetwork, Enabled: true},
			"no-vision-alias": {ID: "no-vision-alias", Provider: "alpha", Model: "alpha-1", Enabled: true, Capabilities: domain.Requirements{Vision: false}},
			"vision-alias":    {ID: "vision-alias", Provider: "beta", Model: "beta-vision", Enabled: true, Capabilities: domain.Requirements{Vision: true}},
		},
	}
}

func newTestRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(&fakeProvider{name: "alpha", healthy: true})
	reg.Register(&fakeProvider{name: "beta", healthy: true})
	return reg
}

func TestResolvePrimaryHealthy(t *testing.T) {
	r := New(newTestTable(), newTestRegistry(), nil, nil, testLog())
	got, err := r.Resolve(context.Background(), "assistant", ResolveOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Provider != "alpha" || got.ModelID != "alpha-1" {
		t.Fatalf("expected alpha/alpha-1, got %+v", got)
	}
}

func TestResolveUnknownAgentFails(t *testing.T) {
	r := New(newTestTable(), newTestRegistry(), nil, nil, testLog())
	_, err := r.Resolve(context.Background(), "ghost", ResolveOpts{})
	if !gwerrors.Is(err, gwerrors.KindBindingInvalid) {
		t.Fatalf("expected BINDING_INVALID, got %v", err)
	}
}

func TestResolveFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(&fakeProvider{name: "alpha", healthy: false})
	reg.Register(&fakeProvider{name: "beta", healthy: true})

	r := New(newTestTable(), reg, nil, nil, testLog())
	got, err := r.Resolve(context.Background(), "assistant", ResolveOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Provider != "beta" || got.ModelID != "beta-1" {
		t.Fatalf("expected fallback to beta/beta-1, got %+v", got)
	}
}

func TestNativeRuntimeRequiredRejectsNetworkProvider(t *testing.T) {
	r := New(newTestTable(), newTestRegistry(), nil, nil, testLog())
	_, err := r.Resolve(context.Background(), "native-agent", ResolveOpts{})
	var chainErr *gwerrors.ChainExhaustedError
	if !asChainExhausted(err, &chainErr) {
		t.Fatalf("expected chain exhausted error, got %v", err)
	}
	found := false
	for _, rej := range chainErr.Rejections {
		if rej.Reason == "native_runtime required but provider is not claude-code" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected native-runtime rejection reason, got %+v", chainErr.Rejections)
	}
}

func TestCapabilityMismatchFallsBackToCapableCandidate(t *testing.T) {
	r := New(newTestTable(), newTestRegistry(), nil, nil, testLog())
	got, err := r.Resolve(context.Background(), "vision-agent", ResolveOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PoolID != "vision-alias" {
		t.Fatalf("expected fallback to vision-capable pool, got %+v", got)
	}
}

func TestChainExhaustionNamesEveryRejection(t *testing.T) {
	table := &BindingTable{
		bindings: map[string]domain.AgentBinding{
			"doomed": {Agent: "doomed", ModelAlias: "missing-alias"},
		},
		aliases: map[string]domain.Pool{},
	}
	r := New(table, newTestRegistry(), nil, nil, testLog())
	_, err := r.Resolve(context.Background(), "doomed", ResolveOpts{})
	var chainErr *gwerrors.ChainExhaustedError
	if !asChainExhausted(err, &chainErr) {
		t.Fatalf("expected chain exhausted error, got %v", err)
	}
	if len(chainErr.Rejections) != 1 || chainErr.Rejections[0].Reason != "alias not found" {
		t.Fatalf("expected one 'alias not found' rejection, got %+v", chainErr.Rejections)
	}
}

func TestResolvePoolForTenantChokePoint(t *testing.T) {
	tenant := &TenantClaims{
		TenantID:           "acme",
		AuthorizedPools:     map[string]bool{"pool-a": true},
		TaskTypePreference:  map[string]string{"summarize": "pool-b"},
		TierDefaultPool:     "pool-a",
	}

	if _, err := ResolvePoolForTenant(tenant, "summarize"); err == nil {
		t.Fatal("expected unauthorized pool-b to be rejected")
	}

	got, err := ResolvePoolForTenant(tenant, "classify")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "pool-a" {
		t.Fatalf("expected tier default pool-a, got %s", got)
	}
}

func TestResolvePoolForTenantRejectsUnauthorized(t *testing.T) {
	tenant := &TenantClaims{
		TenantID:       "acme",
		AuthorizedPools: map[string]bool{},
		GlobalDefaultPool: "pool-z",
	}
	_, err := ResolvePoolForTenant(tenant, "anything")
	if !gwerrors.Is(err, gwerrors.KindPoolUnauthorized) {
		t.Fatalf("expected POOL_UNAUTHORIZED, got %v", err)
	}
}

func asChainExhausted(err error, target **gwerrors.ChainExhaustedError) bool {
	ce, ok := err.(*gwerrors.ChainExhaustedError)
	if ok {
		*target = ce
	}
	return ok
}

func TestFallbackChainExhaustedReportsEachUnhealthyCandidate(t *testing.T) {
	table := &BindingTable{
		bindings: map[string]domain.AgentBinding{
			"writer": {
				Agent:         "writer",
				ModelAlias:    "opus-alias",
				FallbackChain: []string{"sonnet-alias", "gpt5-alias"},
			},
		},
		aliases: map[string]domain.Pool{
			"opus-alias":   {ID: "opus-alias", Provider: "anthropic", Model: "claude-opus", Enabled: true},
			"sonnet-alias": {ID: "sonnet-alias", Provider: "anthropic", Model: "claude-sonnet", Enabled: true},
			"gpt5-alias":   {ID: "gpt5-alias", Provider: "openai", Model: "gpt-5", Enabled: true},
		},
	}
	reg := provider.NewRegistry()
	reg.Register(&fakeProvider{name: "anthropic", healthy: false})
	reg.Register(&fakeProvider{name: "openai", healthy: false})

	r := New(table, reg, nil, nil, testLog())
	_, err := r.Resolve(context.Background(), "writer", ResolveOpts{})
	if !gwerrors.Is(err, gwerrors.KindProviderUnavailable) {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
	var chainErr *gwerrors.ChainExhaustedError
	if !asChainExhausted(err, &chainErr) {
		t.Fatalf("expected ChainExhaustedError, got %T", err)
	}
	if len(chainErr.Rejections) != 2 {
		t.Fatalf("want 2 rejections (one per fallback candidate), got %+v", chainErr.Rejections)
	}
	for i, want := range []string{"sonnet-alias", "gpt5-alias"} {
		rej := chainErr.Rejections[i]
		if rej.Candidate != want || rej.Reason != "provider unhealthy" {
			t.Fatalf("rejection %d wrong: %+v", i, rej)
		}
	}
}
