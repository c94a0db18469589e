package dmpolicy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/goodtune/vsyncd/internal/storage/bolt"
)

var testLimits = Limits{ThermalWarnC: 70, ThermalCriticalC: 85, CPUBusyPercent: 90}

func newShippedEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine("../../policies", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func TestShippedPolicy(t *testing.T) {
	engine := newShippedEngine(t)

	tests := []struct {
		name    string
		host    HostFacts
		wantMax float64
		want    string
	}{
		{"idle", HostFacts{CPUPercent: 10, TemperatureC: 40, Sensors: 2}, 1000, "unconstrained"},
		{"no sensors", HostFacts{CPUPercent: 10, TemperatureC: 0}, 1000, "unconstrained"},
		{"warm", HostFacts{CPUPercent: 10, TemperatureC: 72.5, Sensors: 1}, 90, "thermal-warn"},
		{"critical", HostFacts{CPUPercent: 95, TemperatureC: 90, Sensors: 1}, 60, "thermal-critical"},
		{"busy", HostFacts{CPUPercent: 95, TemperatureC: 40, Sensors: 1}, 90, "cpu-busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(context.Background(), Input{Host: tt.host, Limits: testLimits})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if d.Name != tt.want || d.PrimaryMax != tt.wantMax {
				t.Errorf("Evaluate() = %s max %v, want %s max %v", d.Name, d.PrimaryMax, tt.want, tt.wantMax)
			}
			if d.AppRequestMax < d.PrimaryMax {
				t.Errorf("app request max %v below primary max %v", d.AppRequestMax, d.PrimaryMax)
			}
		})
	}
}

func writePolicy(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "display.rego"), []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

const fixedPolicy = `package vsyncd.display

import rego.v1

policy := {"name": "fixed", "primary_min": 60, "primary_max": 60, "app_request_min": 0, "app_request_max": 120, "reason": "test"}
`

func TestEngineReload(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, fixedPolicy)

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if got := engine.Modules(); len(got) != 1 {
		t.Fatalf("Modules() = %v, want one file", got)
	}

	writePolicy(t, dir, `package vsyncd.display

import rego.v1

policy := {"name": "reloaded", "primary_min": 0, "primary_max": 90, "app_request_min": 0, "app_request_max": 90}
`)
	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	d, err := engine.Evaluate(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Name != "reloaded" {
		t.Errorf("Evaluate().Name = %q, want reloaded", d.Name)
	}

	// a broken file leaves the previous policies in effect
	writePolicy(t, dir, "package vsyncd.display\n\npolicy := {")
	if err := engine.Reload(); err == nil {
		t.Fatal("Reload() of a broken policy succeeded")
	}
	d, err = engine.Evaluate(context.Background(), Input{})
	if err != nil || d.Name != "reloaded" {
		t.Errorf("Evaluate() after failed reload = %v, %v, want reloaded", d, err)
	}
}

func TestNewEngineWithoutPolicies(t *testing.T) {
	if _, err := NewEngine(t.TempDir(), zerolog.Nop()); err == nil {
		t.Error("NewEngine() with an empty directory succeeded")
	}
}

type staticCollector struct {
	facts HostFacts
	err   error
}

func (c staticCollector) Collect(context.Context) (HostFacts, error) { return c.facts, c.err }

// 60 (id 0), 90 (id 1), 120 (id 2), running at 120
func newTarget() *refreshrate.Selector {
	modes := []refreshrate.DisplayMode{
		{ID: 0, VsyncPeriod: 16666667, Width: 1080, Height: 2340},
		{ID: 1, VsyncPeriod: 11111111, Width: 1080, Height: 2340},
		{ID: 2, VsyncPeriod: 8333333, Width: 1080, Height: 2340},
	}
	return refreshrate.NewSelector(modes, 2, refreshrate.Options{}, zerolog.Nop())
}

func openPolicyStore(t *testing.T) storage.PolicyStore {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "policy.bolt"))
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store.Policies()
}

func TestControllerAppliesAndPersists(t *testing.T) {
	engine := newShippedEngine(t)
	target := newTarget()
	store := openPolicyStore(t)
	ctx := context.Background()

	hot := staticCollector{facts: HostFacts{TemperatureC: 90, Sensors: 1}}
	c := NewController(engine, hot, target, store, testLimits, zerolog.Nop())

	status, err := c.Evaluate(ctx)
	if err != nil || status != refreshrate.PolicyApplied {
		t.Fatalf("Evaluate() = %v, %v, want applied", status, err)
	}
	policy := target.DisplayManagerPolicy()
	if policy.DefaultConfig != 0 {
		t.Errorf("DefaultConfig = %d, want 0 (the only mode under 60fps)", policy.DefaultConfig)
	}
	if got := target.MaxRefreshRateByPolicy().Fps().IntValue(); got != 60 {
		t.Errorf("max rate by policy = %d, want 60", got)
	}
	if d := c.LastDecision(); d == nil || d.Name != "thermal-critical" {
		t.Errorf("LastDecision() = %+v, want thermal-critical", d)
	}

	record, err := store.Get(ctx, RecordName)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.PrimaryMax != 60 || record.DefaultConfig != 0 {
		t.Errorf("persisted record = %+v", record)
	}

	// same facts again change nothing
	status, err = c.Evaluate(ctx)
	if err != nil || status != refreshrate.PolicyUnchanged {
		t.Errorf("second Evaluate() = %v, %v, want unchanged", status, err)
	}

	// a fresh selector picks the policy back up from storage
	restored := newTarget()
	c2 := NewController(engine, hot, restored, store, testLimits, zerolog.Nop())
	if err := c2.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := restored.MaxRefreshRateByPolicy().Fps().IntValue(); got != 60 {
		t.Errorf("restored max rate by policy = %d, want 60", got)
	}
}

func TestControllerRestoreWithoutRecord(t *testing.T) {
	c := NewController(newShippedEngine(t), staticCollector{}, newTarget(), openPolicyStore(t), testLimits, zerolog.Nop())
	if err := c.Restore(context.Background()); err != nil {
		t.Errorf("Restore() error = %v, want nil", err)
	}
}

func TestControllerCollectorError(t *testing.T) {
	broken := staticCollector{err: errors.New("no procfs")}
	c := NewController(newShippedEngine(t), broken, newTarget(), openPolicyStore(t), testLimits, zerolog.Nop())
	if _, err := c.Evaluate(context.Background()); err == nil {
		t.Error("Evaluate() error = nil, want collector failure")
	}
	if c.LastDecision() != nil {
		t.Error("LastDecision() set after a failed evaluation")
	}
}

func TestControllerRejectedDecision(t *testing.T) {
	dir := t.TempDir()
	// no mode in the catalog runs at 30fps
	writePolicy(t, dir, `package vsyncd.display

import rego.v1

policy := {"name": "impossible", "primary_min": 30, "primary_max": 30, "app_request_min": 30, "app_request_max": 30}
`)
	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	store := openPolicyStore(t)
	c := NewController(engine, staticCollector{}, newTarget(), store, testLimits, zerolog.Nop())

	status, err := c.Evaluate(context.Background())
	if status != refreshrate.PolicyRejected || !errors.Is(err, refreshrate.ErrInvalidPolicy) {
		t.Errorf("Evaluate() = %v, %v, want rejected with ErrInvalidPolicy", status, err)
	}
	if _, err := store.Get(context.Background(), RecordName); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rejected policy was persisted: %v", err)
	}
}
