// Package budget implements the fail-closed tenant/agent budget enforcer:
// a durable Redis counter authoritative across process restarts, mirrored
// into an in-memory atomic counter map for hot-path reads, with Lua-script
// atomic read-modify-write against Redis so a concurrent burst of requests
// can never together exceed a cap that no single request saw individually.
package budget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/latticeforge/gateway/wireformat"
)

// recordCostScript atomically increments a period counter and reports
// whether the increment pushed the counter past cap. KEYS[1] is the
// counter key, ARGV[1] the cost in micro-USD, ARGV[2] the cap, ARGV[3] the
// TTL in seconds for the period window.
const recordCostScript = `
local newTotal = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[3])
end
local cap = tonumber(ARGV[2])
local exceeded = 0
if cap > 0 and newTotal > cap then
	exceeded = 1
end
return {newTotal, exceeded}
`

// Scope identifies what a budget counter tracks: a tenant, an individual
// agent, or an ensemble branch.
type Scope struct {
	TenantID string
	Agent    string // empty for tenant-wide scopes
}

func (s Scope) key(period string) string {
	if s.Agent == "" {
		return fmt.Sprintf("budget:%s:%s", s.TenantID, period)
	}
	return fmt.Sprintf("budget:%s:%s:%s", s.TenantID, s.Agent, period)
}

// Limits configures a cap and a warning threshold (warn at 80% of
// cap by default) for one scope, plus how long the counter window lasts.
type Limits struct {
	CapMicroUSD     wireformat.MicroUSD
	WarnFraction    float64 // e.g. 0.8
	Period          time.Duration
}

func (l Limits) warnThreshold() wireformat.MicroUSD {
	return wireformat.MicroUSD(float64(l.CapMicroUSD) * l.WarnFraction)
}

// Snapshot is a point-in-time read of one scope's counter.
type Snapshot struct {
	Spent     wireformat.MicroUSD
	Cap       wireformat.MicroUSD
	Exceeded  bool
	Warning   bool
}

// Enforcer is the fail-closed budget counter. When Redis is unavailable,
// every RecordCost/IsExceeded call returns an error rather than silently
// allowing spend past a cap that cannot be verified (fail
// closed, never open).
type Enforcer struct {
	rdb    *redis.Client
	script *redis.Script
	log    zerolog.Logger

	mirrorMu sync.RWMutex
	mirror   map[string]*int64 // key -> last known total, for fast reads between Redis round-trips
}

// New constructs an Enforcer against the given Redis client.
func New(rdb *redis.Client, log zerolog.Logger) *Enforcer {
	return &Enforcer{
		rdb:    rdb,
		script: redis.NewScript(recordCostScript),
		log:    log.With().Str("component", "budget").Logger(),
		mirror: make(map[string]*int64),
	}
}

func (e *Enforcer) periodKey(now time.Time, period time.Duration) string {
	if period <= 0 {
		return "total"
	}
	bucket := now.UnixNano() / int64(period)
	return fmt.Sprintf("p%d", bucket)
}

// RecordCost atomically adds cost to scope's counter for the current
// period and reports whether the cap was exceeded. Fails closed: any
// Redis error is returned to the caller, who must treat it as "assume
// exceeded", never as "assume fine".
func (e *Enforcer) RecordCost(ctx context.Context, scope Scope, limits Limits, cost wireformat.MicroUSD) (Snapshot, error) {
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	ttlSeconds := int64(0)
	if limits.Period > 0 {
		ttlSeconds = int64(limits.Period.Seconds()) + 60 // grace so a racing read after rollover still finds the old bucket briefly
	}

	res, err := e.script.Run(ctx, e.rdb, []string{key}, int64(cost), int64(limits.CapMicroUSD), ttlSeconds).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget: record cost: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Snapshot{}, fmt.Errorf("budget: unexpected script result %#v", res)
	}
	total := toInt64(arr[0])
	exceeded := toInt64(arr[1]) == 1

	e.updateMirror(key, total)

	snap := Snapshot{
		Spent:    wireformat.MicroUSD(total),
		Cap:      limits.CapMicroUSD,
		Exceeded: exceeded,
		Warning:  limits.CapMicroUSD > 0 && wireformat.MicroUSD(total) >= limits.warnThreshold(),
	}
	if exceeded {
		e.log.Warn().Str("scope_key", key).Int64("spent", total).Int64("cap", int64(limits.CapMicroUSD)).Msg("budget exceeded")
	} else if snap.Warning {
		e.log.Info().Str("scope_key", key).Int64("spent", total).Msg("budget warning threshold crossed")
	}
	return snap, nil
}

// GetSnapshot reads scope's current counter without mutating it. Falls
// back to the in-memory mirror for metrics/status reads when Redis is
// briefly unreachable; it is never used to gate an actual spend decision.
func (e *Enforcer) GetSnapshot(ctx context.Context, scope Scope, limits Limits) (Snapshot, error) {
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	val, err := e.rdb.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		if mirrored, ok := e.readMirror(key); ok {
			e.log.Warn().Err(err).Str("scope_key", key).Msg("budget redis unavailable, serving stale mirror for status read")
			return Snapshot{
				Spent:    wireformat.MicroUSD(mirrored),
				Cap:      limits.CapMicroUSD,
				Exceeded: limits.CapMicroUSD > 0 && wireformat.MicroUSD(mirrored) > limits.CapMicroUSD,
			}, nil
		}
		return Snapshot{}, fmt.Errorf("budget: get snapshot: %w", err)
	}
	if err == redis.Nil {
		val = 0
	}
	e.updateMirror(key, val)
	return Snapshot{
		Spent:    wireformat.MicroUSD(val),
		Cap:      limits.CapMicroUSD,
		Exceeded: limits.CapMicroUSD > 0 && wireformat.MicroUSD(val) > limits.CapMicroUSD,
		Warning:  limits.CapMicroUSD > 0 && wireformat.MicroUSD(val) >= limits.warnThreshold(),
	}, nil
}

// MirrorSnapshot is the advisory counterpart of GetSnapshot: it reads
// only the in-memory mirror and never fails. Status endpoints and
// warning banners use it; nothing that gates spend may.
func (e *Enforcer) MirrorSnapshot(scope Scope, limits Limits) Snapshot {
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	mirrored, _ := e.readMirror(key)
	return Snapshot{
		Spent:    wireformat.MicroUSD(mirrored),
		Cap:      limits.CapMicroUSD,
		Exceeded: limits.CapMicroUSD > 0 && wireformat.MicroUSD(mirrored) > limits.CapMicroUSD,
		Warning:  limits.CapMicroUSD > 0 && wireformat.MicroUSD(mirrored) >= limits.warnThreshold(),
	}
}

// IsWarning reports whether the scope has crossed its warning threshold,
// from the mirror only. Advisory; never fails.
func (e *Enforcer) IsWarning(scope Scope, limits Limits) bool {
	return e.MirrorSnapshot(scope, limits).Warning
}

// IsExceeded is a narrow fail-closed check used on the hot path before
// dispatching a request: any error here must be treated by the caller as
// "budget circuit open".
func (e *Enforcer) IsExceeded(ctx context.Context, scope Scope, limits Limits) (bool, error) {
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	val, err := e.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		val = 0
	} else if err != nil {
		return true, fmt.Errorf("budget: is exceeded: %w", err)
	}
	e.updateMirror(key, val)
	return limits.CapMicroUSD > 0 && wireformat.MicroUSD(val) > limits.CapMicroUSD, nil
}

func (e *Enforcer) updateMirror(key string, total int64) {
	e.mirrorMu.RLock()
	counter, ok := e.mirror[key]
	e.mirrorMu.RUnlock()
	if !ok {
		e.mirrorMu.Lock()
		counter, ok = e.mirror[key]
		if !ok {
			counter = new(int64)
			e.mirror[key] = counter
		}
		e.mirrorMu.Unlock()
	}
	atomic.StoreInt64(counter, total)
}

func (e *Enforcer) readMirror(key string) (int64, bool) {
	e.mirrorMu.RLock()
	counter, ok := e.mirror[key]
	e.mirrorMu.RUnlock()
	if !ok {
		return 0, false
	}
	return atomic.LoadInt64(counter), true
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
