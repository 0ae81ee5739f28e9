package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/config"
	"github.com/latticeforge/gateway/handler"
	gwmw "github.com/latticeforge/gateway/middleware"
	"github.com/latticeforge/gateway/observability"
	"github.com/latticeforge/gateway/provider"
	"github.com/latticeforge/gateway/routing"
	"github.com/latticeforge/gateway/wireformat"
)

// NewRouter returns a configured chi Router with the full middleware chain
// and all API routes mounted.
// Optional variadic args: metrics *observability.Metrics, tracer *observability.Tracer,
// invoke *handler.InvokeHandler
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, registry *provider.Registry, opts ...interface{}) http.Handler {
	r := chi.NewRouter()

	// Extract optional dependencies
	var metrics *observability.Metrics
	var tracer *observability.Tracer
	var invokeHandler *handler.InvokeHandler
	for _, opt := range opts {
		switch v := opt.(type) {
		case *observability.Metrics:
			metrics = v
		case *observability.Tracer:
			tracer = v
		case *handler.InvokeHandler:
			invokeHandler = v
		}
	}

	// --- Middleware Chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection (chi built-in)
	r.Use(chimw.RequestID)

	// 4. Panic recovery
	r.Use(chimw.Recoverer)

	// 5. Request logger (+ per-route latency/status metrics when mounted)
	r.Use(mwRequestLogger(appLogger, metrics))

	// 5b. Request tracing
	if tracer != nil {
		r.Use(observability.TracingMiddleware(tracer))
	}

	// 6. Body size limit
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"lattice-gateway"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"lattice-gateway"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"lattice-gateway"}`))
	})

	// Prometheus metrics endpoint — no auth required
	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// OpenAPI spec + Swagger UI — no auth required
	r.Get("/openapi.json", handler.OpenAPIHandler())
	r.Get("/docs", handler.SwaggerUIHandler())

	// Discovery document + token-parameterized homepage — no auth required
	r.Get("/.well-known/gateway", handler.DiscoveryHandler())
	r.Get("/", handler.HomeHandler())

	// --- API Routes (auth + rate limiting required) ---
	proxyHandler := handler.NewProxyHandler(appLogger, registry)
	pricingCfg := provider.DefaultPricing()
	providerCfgHandler := handler.NewProviderConfigHandler(appLogger, registry, pricingCfg)
	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	// Chat auth: bearer API key always; when a session secret is
	// configured, the pay-per-call 402 challenge-response path is offered
	// as the alternative, and the wallet-session endpoints come up.
	chatAuth := authMW.Handler
	var authHandler *handler.AuthHandler
	if cfg.SessionSecret != "" {
		secret := []byte(cfg.SessionSecret)
		paywall := gwmw.NewPaywall(appLogger, secret, wireformat.MicroUSD(cfg.PaywallAmountMicroUSD), cfg.PaywallRecipient, cfg.PaywallChainID)
		chatAuth = paywall.OrBearer(authMW)
		authHandler = handler.NewAuthHandler(secret, handler.HMACSignatureVerifier{Secret: secret}, authMW, appLogger)
	}

	r.Route("/v1", func(r chi.Router) {
		// Session bootstrap + API key management: rate-limited, not
		// API-key-gated — the session token is verified by the handler.
		if authHandler != nil {
			r.Group(func(pub chi.Router) {
				pub.Use(rateLimiter.Handler)
				pub.Post("/auth/nonce", authHandler.Nonce)
				pub.Post("/auth/verify", authHandler.Verify)
				pub.Get("/keys", authHandler.ListKeys)
				pub.Post("/keys", authHandler.CreateKey)
				pub.Delete("/keys/{id}", authHandler.DeleteKey)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(chatAuth)
			r.Use(rateLimiter.Handler)
			r.Use(headerNorm.Handler)
			r.Use(timeoutMW.Handler)

			// Pass-through chat endpoints
			r.Post("/chat/completions", proxyHandler.ChatCompletions)
			r.Post("/embeddings", proxyHandler.Embeddings)

			// Agent invocation — the core Router/Resolver + Ensemble + Billing
			// dispatch path . Wired only when the gateway started
			// with its core subsystems configured (binding table + ledger DB).
			if invokeHandler != nil {
				r.Post("/agents/{agent}/invoke", invokeHandler.Invoke)
				r.Post("/agents/{agent}/invoke/stream", invokeHandler.InvokeStream)
			}

			// Model listing
			r.Get("/models", proxyHandler.Models)

			// Provider health
			r.Get("/providers/health", proxyHandler.ProviderHealth)

			// Provider inspection
			r.Get("/providers", providerCfgHandler.ListProviders)
			r.Get("/providers/{name}", providerCfgHandler.GetProvider)
			r.Get("/providers/{name}/models", providerCfgHandler.GetProviderModels)
			r.Post("/providers/{name}/test", providerCfgHandler.TestProvider)
			r.Get("/providers/pricing", providerCfgHandler.GetPricing)
			r.Post("/providers/estimate", providerCfgHandler.EstimateCost)

			// Model experiments (A/B traffic splits over providers)
			experimentEngine := routing.NewExperimentEngine()
			experimentHandler := handler.NewExperimentHandler(experimentEngine, appLogger)
			r.Get("/experiments", experimentHandler.ListExperiments)
			r.Post("/experiments", experimentHandler.CreateExperiment)
			r.Get("/experiments/{id}", experimentHandler.GetExperiment)
			r.Post("/experiments/{id}/start", experimentHandler.StartExperiment)
			r.Post("/experiments/{id}/pause", experimentHandler.PauseExperiment)
			r.Post("/experiments/{id}/conclude", experimentHandler.ConcludeExperiment)
			r.Delete("/experiments/{id}", experimentHandler.DeleteExperiment)
			r.Post("/experiments/{id}/assign", experimentHandler.AssignVariant)
			r.Post("/experiments/{id}/result", experimentHandler.RecordResult)
			r.Get("/experiments/{id}/metrics", experimentHandler.GetMetrics)
			r.Get("/experiments/{id}/compare", experimentHandler.CompareVariants)

		})
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow env override
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			if metrics != nil {
				metrics.TrackHTTP(r.Method, r.URL.Path, rw.Status(), float64(dur.Milliseconds()))
			}
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
