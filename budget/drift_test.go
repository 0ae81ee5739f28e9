package budget

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReconcileDriftNoDriftNoAlerts(t *testing.T) {
	_, rdb := setupTestRedis(t)
	e := New(rdb, zerolog.Nop())
	scope := Scope{TenantID: "t1", Agent: "research"}
	limits := Limits{CapMicroUSD: 10_000_000, WarnFraction: 0.8}

	if _, err := e.RecordCost(context.Background(), scope, limits, 500_000); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	report, err := e.ReconcileDrift(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Checked != 1 {
		t.Fatalf("want 1 key checked, got %d", report.Checked)
	}
	if len(report.Alerts) != 0 {
		t.Fatalf("want no alerts, got %+v", report.Alerts)
	}
}

func TestReconcileDriftAlertsAndDurableWins(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	e := New(rdb, zerolog.Nop())
	scope := Scope{TenantID: "t1"}
	limits := Limits{CapMicroUSD: 10_000_000, WarnFraction: 0.8}

	if _, err := e.RecordCost(context.Background(), scope, limits, 1_000_000); err != nil {
		t.Fatalf("record cost: %v", err)
	}

	// Another replica records spend against the same durable counter; our
	// mirror is now stale by far more than 1%.
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	if err := mr.Set(key, "2000000"); err != nil {
		t.Fatalf("seed durable: %v", err)
	}

	report, err := e.ReconcileDrift(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Alerts) != 1 {
		t.Fatalf("want exactly one drift alert, got %+v", report.Alerts)
	}
	alert := report.Alerts[0]
	if alert.Durable != 2_000_000 || alert.Mirror != 1_000_000 {
		t.Fatalf("alert values wrong: %+v", alert)
	}

	// The durable value is authoritative: the mirror must now match it.
	if mirrored, ok := e.readMirror(key); !ok || mirrored != 2_000_000 {
		t.Fatalf("mirror not reconciled to durable value: %d (found=%v)", mirrored, ok)
	}
}

func TestReconcileDriftWithinToleranceStaysQuiet(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	e := New(rdb, zerolog.Nop())
	scope := Scope{TenantID: "t2"}
	limits := Limits{CapMicroUSD: 0, WarnFraction: 0.8}

	if _, err := e.RecordCost(context.Background(), scope, limits, 1_000_000); err != nil {
		t.Fatalf("record cost: %v", err)
	}
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	if err := mr.Set(key, "1005000"); err != nil { // 0.5% drift
		t.Fatalf("seed durable: %v", err)
	}

	report, err := e.ReconcileDrift(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Alerts) != 0 {
		t.Fatalf("0.5%% drift must not alert, got %+v", report.Alerts)
	}
	if mirrored, _ := e.readMirror(key); mirrored != 1_005_000 {
		t.Fatalf("mirror should still be refreshed to durable: %d", mirrored)
	}
}

func TestReconcileDriftExpiredKeyReconcilesToZero(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	e := New(rdb, zerolog.Nop())
	scope := Scope{TenantID: "t3"}
	limits := Limits{CapMicroUSD: 10_000_000, WarnFraction: 0.8}

	if _, err := e.RecordCost(context.Background(), scope, limits, 3_000_000); err != nil {
		t.Fatalf("record cost: %v", err)
	}
	key := scope.key(e.periodKey(time.Now().UTC(), limits.Period))
	mr.Del(key) // period window expired in Redis

	report, err := e.ReconcileDrift(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Alerts) != 1 {
		t.Fatalf("expired durable vs non-zero mirror must alert, got %+v", report.Alerts)
	}
	if mirrored, _ := e.readMirror(key); mirrored != 0 {
		t.Fatalf("mirror should be reconciled to zero, got %d", mirrored)
	}
}

func TestMirrorSnapshotNeverFailsEvenWithRedisDown(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	e := New(rdb, zerolog.Nop())
	scope := Scope{TenantID: "t4"}
	limits := Limits{CapMicroUSD: 1_000_000, WarnFraction: 0.8}

	if _, err := e.RecordCost(context.Background(), scope, limits, 900_000); err != nil {
		t.Fatalf("record cost: %v", err)
	}
	mr.Close() // Redis gone; the mirror must keep answering

	snap := e.MirrorSnapshot(scope, limits)
	if snap.Spent != 900_000 {
		t.Fatalf("mirror snapshot wrong: %+v", snap)
	}
	if !e.IsWarning(scope, limits) {
		t.Fatal("90%% of cap must report a warning from the mirror")
	}
}
