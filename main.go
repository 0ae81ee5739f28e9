package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/analytics"
	"github.com/latticeforge/gateway/billing"
	"github.com/latticeforge/gateway/breaker"
	"github.com/latticeforge/gateway/budget"
	"github.com/latticeforge/gateway/config"
	"github.com/latticeforge/gateway/dlq"
	"github.com/latticeforge/gateway/handler"
	"github.com/latticeforge/gateway/ledger"
	"github.com/latticeforge/gateway/logger"
	"github.com/latticeforge/gateway/observability"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/redisclient"
	"github.com/latticeforge/gateway/resolver"
	"github.com/latticeforge/gateway/router"
	"github.com/latticeforge/gateway/security"
	"github.com/latticeforge/gateway/settlement"
	"github.com/latticeforge/gateway/startup"
	"github.com/latticeforge/gateway/wireformat"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway starting")

	// Initialize Redis
	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without Redis")
	} else {
		if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// Initialize provider registry
	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	// Wire the core dispatch path — resolver, billing, ledger, budget,
	// breaker, DLQ, settlement — behind POST /v1/agents/{agent}/invoke.
	// Each piece degrades independently and logs the gap at startup:
	// without a binding table or a ledger DB the route is never mounted;
	// without Redis the budget enforcer and DLQ store are not built.
	core := wireCoreSubsystems(cfg, registry, rc, log)

	// Boot validation sequence: each step reports ok/warning/fatal; a
	// fatal result stops the process before it accepts traffic.
	if _, ok := runStartupSequence(cfg, core, log); !ok {
		log.Fatal().Msg("startup sequence reported a fatal step")
	}

	if core.replayWorker != nil {
		core.replayWorker.Start(context.Background())
	}
	if core.billingMachine != nil {
		if err := core.billingMachine.Replay(context.Background()); err != nil {
			log.Error().Err(err).Msg("billing WAL replay failed")
		}
	}

	// Initialize observability
	metrics := observability.NewMetrics(log)
	traceExporter := observability.NewLogExporter(log)
	tracer := observability.NewTracer(log, traceExporter, 1.0) // sample 100% in dev

	// Every billing state transition emits a counter alongside its log line.
	if core.billingMachine != nil {
		core.billingMachine.SetTransitionObserver(func(from, to billing.State) {
			metrics.TrackBillingTransition(string(from), string(to))
		})
	}

	// Cost-event feed: one event per settled invocation and per ensemble
	// branch, flushed to ClickHouse when a DSN is configured, the log
	// otherwise, and teed into the dispatch metrics either way. Advisory
	// only — the ledger stays the accounting truth.
	var costSink analytics.Sink
	if chDSN := os.Getenv("CLICKHOUSE_DSN"); chDSN != "" {
		costSink = analytics.NewClickHouseSink(chDSN, log)
		log.Info().Msg("cost feed writing to clickhouse")
	} else {
		costSink = analytics.NewLogSink(log)
		log.Info().Msg("cost feed writing to log (set CLICKHOUSE_DSN for production)")
	}
	costFeed := analytics.NewPipeline(log, analytics.Tee(costSink, dispatchMetricsSink{metrics}))
	costFeed.Start(context.Background())
	if core.invokeHandler != nil {
		core.invokeHandler.WithCostFeed(costFeed)
	}

	// Create router with all middleware and handlers
	var routerOpts []interface{}
	routerOpts = append(routerOpts, metrics, tracer)
	if core.invokeHandler != nil {
		routerOpts = append(routerOpts, core.invokeHandler)
	}
	r := router.NewRouter(cfg, log, registry, routerOpts...)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second, // extra buffer for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Start background provider health poller
	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		metrics.TrackProviderHealth(name, healthy)
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	// Graceful shutdown handling
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	// Stop background tasks
	healthPoller.Stop()
	costFeed.Stop()
	tracer.Shutdown()
	if core.replayWorker != nil {
		core.replayWorker.Stop()
	}
	if core.ledgerDB != nil {
		if err := core.ledgerDB.Close(); err != nil {
			log.Warn().Err(err).Msg("ledger db close failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	// Register OpenAI provider if API key is available
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openai := provider.NewOpenAIProvider(provider.ProviderConfig{
			Name:    "openai",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("openai"),
		})
		registry.Register(openai)
		log.Info().Msg("registered openai provider")
	}

	// Register Anthropic provider if API key is available
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		anthropic := provider.NewAnthropicProvider(provider.ProviderConfig{
			Name:    "anthropic",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("anthropic"),
		})
		registry.Register(anthropic)
		log.Info().Msg("registered anthropic provider")
	}

	// Register the in-process native runtime. Always available: it lives
	// in this process, needs no credentials, and is the only provider type
	// an agent requiring a native runtime may resolve to.
	registry.Register(provider.NewNativeProvider(nil, nil))
	log.Info().Msg("registered native claude-code runtime")
}

// dispatchMetricsSink tees the cost feed into the dispatch counters, so
// per-model spend shows up on /metrics without a second emission path.
type dispatchMetricsSink struct {
	metrics *observability.Metrics
}

func (d dispatchMetricsSink) Write(_ context.Context, events []analytics.CostEvent) error {
	for _, e := range events {
		d.metrics.TrackDispatch(e.Provider, e.Model, e.EnsembleID != "", int64(e.ActualMicro))
	}
	return nil
}

func (d dispatchMetricsSink) Close() error { return nil }

// coreSubsystems bundles the pieces of the agent-invocation dispatch path
// that need an explicit shutdown sequence or startup replay.
type coreSubsystems struct {
	invokeHandler  *handler.InvokeHandler
	billingMachine *billing.Machine
	replayWorker   *dlq.ReplayWorker
	ledgerDB       *sql.DB
	dlqStore       *dlq.Store
	settleClient   *settlement.Client
}

// wireCoreSubsystems builds the resolver/billing/budget/breaker/DLQ/
// settlement stack behind POST /v1/agents/{agent}/invoke. It requires a
// binding table (GATEWAY_BINDING_TABLE_PATH) to have anything to resolve
// against; everything else degrades to best-effort logging rather than
// failing startup, since the legacy /v1/chat/completions proxy path must
// keep working even when the gateway isn't configured for billed agent
// dispatch.
func wireCoreSubsystems(cfg *config.Config, registry *provider.Registry, rc *redisclient.Client, log zerolog.Logger) coreSubsystems {
	var out coreSubsystems

	if cfg.BindingTablePath == "" {
		log.Info().Msg("GATEWAY_BINDING_TABLE_PATH unset — agent invoke path disabled")
		return out
	}
	bindings, err := resolver.LoadBindingTable(cfg.BindingTablePath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.BindingTablePath).Msg("binding table load failed — agent invoke path disabled")
		return out
	}

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	}
	breakers := breaker.NewRegistry(breakerCfg)

	var budgets *budget.Enforcer
	if rc != nil {
		budgets = budget.New(rc.Raw(), log)
		budgets.StartDriftReconciler(context.Background(), 5*time.Minute)
	} else {
		log.Warn().Msg("redis unavailable — budget enforcement fails closed on every request")
	}

	res := resolver.New(bindings, registry, budgetCheckerOrNil(budgets), breakers, log)

	pricing := provider.DefaultPricing()
	if path := os.Getenv("PRICING_CONFIG_PATH"); path != "" {
		if err := pricing.LoadFromFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("pricing config load failed — using defaults")
		}
	}

	var ledgerDB *sql.DB
	var billingMachine *billing.Machine
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Msg("ledger db open failed — billing disabled")
		} else if err := db.PingContext(context.Background()); err != nil {
			log.Error().Err(err).Msg("ledger db ping failed — billing disabled")
			_ = db.Close()
		} else {
			ledgerDB = db
			led := ledger.New(db, log)
			if err := led.EnsureSchema(context.Background()); err != nil {
				log.Error().Err(err).Msg("ledger schema setup failed")
			}
			if err := led.LoadFromStore(context.Background()); err != nil {
				log.Error().Err(err).Msg("ledger durable-log load failed — balances derived this process start from empty")
			}
			var wal billing.WAL
			if cfg.WALPath != "" {
				fw, err := billing.OpenFileWAL(cfg.WALPath)
				if err != nil {
					log.Warn().Err(err).Str("path", cfg.WALPath).Msg("file WAL open failed — falling back to in-memory WAL")
					wal = billing.NewMemoryWAL()
				} else {
					wal = fw
				}
			} else {
				wal = billing.NewMemoryWAL()
				log.Warn().Msg("GATEWAY_WAL_PATH unset — billing WAL is in-memory and will not survive a crash")
			}
			billingMachine = billing.New(wal, led, log)
		}
	} else {
		log.Warn().Msg("DATABASE_URL unset — billing and ledger disabled")
	}

	var dlqStore *dlq.Store
	if rc != nil {
		dlqStore = dlq.New(rc.Raw(), log)
	}
	out.dlqStore = dlqStore

	var settleClient *settlement.Client
	if cfg.SettlementBaseURL != "" && cfg.SettlementSigningKeyPath != "" {
		key, err := settlement.LoadSigningKeyFromPEM(cfg.SettlementSigningKeyPath)
		if err != nil {
			log.Error().Err(err).Msg("settlement signing key load failed — settlement disabled")
		} else {
			signer := settlement.NewSigner(key, cfg.SettlementIssuer, cfg.SettlementAudience)
			settleClient = settlement.NewClient(cfg.SettlementBaseURL, signer, cfg.SettlementIssuer, nil)
		}
	} else {
		log.Warn().Msg("settlement base URL or signing key unset — settlements are not posted externally")
	}

	out.settleClient = settleClient

	if billingMachine == nil {
		log.Warn().Msg("billing machine unavailable — agent invoke path disabled")
		return out
	}

	scopeLimits := func(tenantID, agent string) (budget.Scope, budget.Limits) {
		return budget.Scope{TenantID: tenantID, Agent: agent},
			budget.Limits{CapMicroUSD: wireformat.MicroUSD(cfg.BudgetCapMicroUSD), WarnFraction: cfg.BudgetWarnFraction, Period: cfg.BudgetPeriod}
	}

	out.billingMachine = billingMachine
	out.ledgerDB = ledgerDB
	out.invokeHandler = handler.NewInvokeHandler(res, registry, pricing, billingMachine, budgets, breakers, dlqStore, settleClient, scopeLimits, log).
		WithLedgerGuard(breaker.NewLedgerGuard(), cfg.BreakerMaxUnknownWindow, cfg.BreakerMaxPendingReconciliation)

	if dlqStore != nil && settleClient != nil {
		out.replayWorker = dlq.NewReplayWorker(dlqStore, settleClient, billingMachine, cfg.DLQMaxRetries, cfg.DLQPollEvery, log)
	} else {
		log.Warn().Msg("DLQ replay worker disabled — requires both Redis and a configured settlement client")
	}

	// Seal DLQ settlement payloads at rest when a sealing secret is
	// configured; handler and replay worker must share the sealer.
	if cfg.SealingSecret != "" {
		if sealer, err := security.NewSealer(cfg.SealingSecret); err != nil {
			log.Error().Err(err).Msg("sealing secret rejected — DLQ payloads stored plaintext")
		} else {
			out.invokeHandler.WithSealer(sealer)
			if out.replayWorker != nil {
				out.replayWorker.WithSealer(sealer)
			}
		}
	}

	return out
}

// runStartupSequence executes the boot checklist: config sanity, WAL
// directory writability, DLQ durability + orphan/stale-lock recovery, and
// the settlement protocol handshake (fatal in production, a warning in
// development).
func runStartupSequence(cfg *config.Config, core coreSubsystems, log zerolog.Logger) ([]startup.Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seq := startup.New(log)

	seq.Add("config", func(ctx context.Context) (startup.Status, string) {
		if cfg.Addr == "" {
			return startup.StatusFatal, "listen address empty"
		}
		if cfg.BindingTablePath == "" {
			return startup.StatusWarning, "no binding table configured; agent invoke path disabled"
		}
		return startup.StatusOK, ""
	})

	seq.Add("wal-writability", startup.WritableDir(cfg.WALPath))

	seq.Add("dlq-persistence", func(ctx context.Context) (startup.Status, string) {
		if core.dlqStore == nil {
			return startup.StatusWarning, "no Redis; DLQ disabled"
		}
		status := core.dlqStore.CheckPersistence(ctx)
		if status == dlq.PersistenceVerified {
			return startup.StatusOK, string(status)
		}
		return startup.StatusWarning, "append-only durability " + string(status)
	})

	seq.Add("dlq-orphan-reconciliation", func(ctx context.Context) (startup.Status, string) {
		if core.dlqStore == nil {
			return startup.StatusWarning, "no Redis; skipped"
		}
		n, err := core.dlqStore.ReconcileOrphans(ctx)
		if err != nil {
			return startup.StatusWarning, err.Error()
		}
		return startup.StatusOK, fmt.Sprintf("%d orphans repaired", n)
	})

	seq.Add("dlq-stale-locks", func(ctx context.Context) (startup.Status, string) {
		if core.dlqStore == nil {
			return startup.StatusWarning, "no Redis; skipped"
		}
		n, err := core.dlqStore.RecoverStaleLocks(ctx)
		if err != nil {
			return startup.StatusWarning, err.Error()
		}
		return startup.StatusOK, fmt.Sprintf("%d stale locks cleared", n)
	})

	seq.Add("settlement-handshake", func(ctx context.Context) (startup.Status, string) {
		if core.settleClient == nil {
			return startup.StatusWarning, "settlement not configured; records are not posted externally"
		}
		hr, err := core.settleClient.Handshake(ctx)
		if err != nil {
			if cfg.Env == "production" {
				return startup.StatusFatal, err.Error()
			}
			return startup.StatusWarning, err.Error()
		}
		return startup.StatusOK, "protocol " + hr.ProtocolVersion
	})

	return seq.Run(ctx)
}

// budgetCheckerOrNil returns a nil resolver.BudgetChecker interface value
// when e is nil — a plain type assertion on a nil *budget.Enforcer would
// otherwise produce a non-nil interface wrapping a nil pointer.
func budgetCheckerOrNil(e *budget.Enforcer) resolver.BudgetChecker {
	if e == nil {
		return nil
	}
	return e
}
