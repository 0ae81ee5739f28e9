// Background provider health polling. The resolver's fallback logic and
// the /v1/providers surfaces read per-provider health; this poller keeps
// that picture fresh and surfaces transitions to main's callback (which
// feeds the health gauge and the operator log).
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthPoller re-checks every registered provider on an interval.
type HealthPoller struct {
	registry *Registry
	logger   zerolog.Logger
	interval time.Duration

	mu         sync.RWMutex
	lastStatus map[string]bool // provider name -> was healthy
	onChange   func(provider string, healthy bool, status HealthStatus)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller; intervals under 5s are clamped up.
func NewHealthPoller(registry *Registry, logger zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		registry:   registry,
		logger:     logger.With().Str("component", "health_poller").Logger(),
		interval:   interval,
		lastStatus: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// OnStatusChange registers the transition callback.
func (hp *HealthPoller) OnStatusChange(cb func(provider string, healthy bool, status HealthStatus)) {
	hp.onChange = cb
}

// Start begins the background loop; Stop shuts it down.
func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel
	hp.logger.Info().Dur("interval", hp.interval).Msg("starting provider health poller")
	go hp.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
}

func (hp *HealthPoller) loop(ctx context.Context) {
	defer close(hp.done)
	hp.poll(ctx)
	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll(ctx)
		}
	}
}

func (hp *HealthPoller) poll(ctx context.Context) {
	// Half the interval bounds one cycle, so a hung provider can never
	// stack polls.
	pollCtx, cancel := context.WithTimeout(ctx, hp.interval/2)
	defer cancel()

	results := hp.registry.HealthCheckAll(pollCtx)

	hp.mu.Lock()
	defer hp.mu.Unlock()
	for name, status := range results {
		wasHealthy, known := hp.lastStatus[name]
		if known && wasHealthy != status.Healthy {
			hp.logger.Warn().
				Str("provider", name).
				Bool("healthy", status.Healthy).
				Str("error", status.Error).
				Dur("latency", status.Latency).
				Msg("provider status change")
			if hp.onChange != nil {
				hp.onChange(name, status.Healthy, status)
			}
		}
		hp.lastStatus[name] = status.Healthy
	}
}

// IsHealthy reports whether name was healthy at the last poll.
func (hp *HealthPoller) IsHealthy(name string) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	healthy, ok := hp.lastStatus[name]
	return ok && healthy
}
