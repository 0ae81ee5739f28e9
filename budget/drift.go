package budget

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DriftReport is the outcome of one reconciliation pass over every scope
// key present in the in-memory mirror.
type DriftReport struct {
	Checked int
	// Alerts lists the keys whose |durable - mirror| exceeded the drift
	// tolerance. The durable value has already been written back into the
	// mirror for each of them by the time the report is returned.
	Alerts []DriftAlert
}

// DriftAlert names one scope key whose mirror diverged past tolerance.
type DriftAlert struct {
	Key     string
	Durable int64
	Mirror  int64
}

// driftTolerance is the fraction of the durable value the mirror may
// diverge by before reconciliation raises an alert.
const driftTolerance = 0.01

// ReconcileDrift compares every mirrored counter against its durable Redis
// value. The durable value is authoritative: regardless of drift size, the
// mirror is overwritten with it. Keys missing from Redis (period window
// expired) are reconciled to zero.
func (e *Enforcer) ReconcileDrift(ctx context.Context) (DriftReport, error) {
	e.mirrorMu.RLock()
	keys := make([]string, 0, len(e.mirror))
	counters := make([]*int64, 0, len(e.mirror))
	for k, c := range e.mirror {
		keys = append(keys, k)
		counters = append(counters, c)
	}
	e.mirrorMu.RUnlock()

	report := DriftReport{Checked: len(keys)}
	for i, key := range keys {
		durable, err := e.rdb.Get(ctx, key).Int64()
		if err == redis.Nil {
			durable = 0
		} else if err != nil {
			return report, err
		}
		mirrored := atomic.LoadInt64(counters[i])
		if exceedsDriftTolerance(durable, mirrored) {
			report.Alerts = append(report.Alerts, DriftAlert{Key: key, Durable: durable, Mirror: mirrored})
			e.log.Warn().
				Str("scope_key", key).
				Int64("durable", durable).
				Int64("mirror", mirrored).
				Msg("budget mirror drift exceeds tolerance")
		}
		atomic.StoreInt64(counters[i], durable)
	}
	return report, nil
}

func exceedsDriftTolerance(durable, mirrored int64) bool {
	drift := float64(durable - mirrored)
	if durable == 0 {
		return mirrored != 0
	}
	return math.Abs(drift) > math.Abs(float64(durable))*driftTolerance
}

// StartDriftReconciler runs ReconcileDrift every interval until ctx is
// cancelled. Errors are logged, never fatal — the mirror is advisory and
// the next pass will catch up.
func (e *Enforcer) StartDriftReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.ReconcileDrift(ctx); err != nil {
					e.log.Error().Err(err).Msg("budget drift reconciliation failed")
				}
			}
		}
	}()
}
