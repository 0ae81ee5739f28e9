// Gateway metrics on prometheus/client_golang, served at /metrics. The
// instruments are fixed at construction — the rest of the codebase emits
// through the typed Track*/billing helpers, never by metric name.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics owns the process registry and the gateway's instruments.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	spendMicro      *prometheus.CounterVec
	providerHealthy *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
}

// NewMetrics builds the registry with the gateway's instruments plus the
// standard Go runtime collectors.
func NewMetrics(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_gateway_requests_total",
			Help: "Completed inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lattice_gateway_request_duration_ms",
			Help:    "Inbound request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"method", "path"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_gateway_dispatches_total",
			Help: "Billed agent dispatches.",
		}, []string{"provider", "model", "ensemble"}),
		spendMicro: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_gateway_spend_micro_usd_total",
			Help: "Actual spend in integer micro-USD.",
		}, []string{"provider", "model", "ensemble"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lattice_provider_healthy",
			Help: "1 when the provider's last health check passed.",
		}, []string{"provider"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_billing_state_transitions_total",
			Help: "Accepted billing state machine transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.dispatches, m.spendMicro, m.providerHealthy, m.transitions)
	return m
}

// TrackHTTP records one completed inbound request. Wired into the
// request-logger middleware so every mounted route reports latency and
// status without per-handler instrumentation.
func (m *Metrics) TrackHTTP(method, path string, statusCode int, latencyMs float64) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(latencyMs)
}

// TrackDispatch records one billed agent dispatch with its actual cost in
// integer micro-USD.
func (m *Metrics) TrackDispatch(provider, model string, ensemble bool, costMicro int64) {
	e := "false"
	if ensemble {
		e = "true"
	}
	m.dispatches.WithLabelValues(provider, model, e).Inc()
	if costMicro > 0 {
		m.spendMicro.WithLabelValues(provider, model, e).Add(float64(costMicro))
	}
}

// TrackProviderHealth records provider health status.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(val)
}

// TrackBillingTransition counts one accepted state machine transition.
func (m *Metrics) TrackBillingTransition(from, to string) {
	if from == "" {
		from = "NONE"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return h.ServeHTTP
}
