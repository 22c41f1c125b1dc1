package circuitbreaker

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterIsIdempotentPerName(t *testing.T) {
	r := NewRegistry()

	cb1 := r.Register("lims-storage", DefaultConfig())
	cb2 := r.Register("lims-storage", Config{FailureThreshold: 1})

	if cb1 != cb2 {
		t.Fatal("expected second Register for the same name to return the first instance")
	}
	if cb1.cfg.FailureThreshold != DefaultConfig().FailureThreshold {
		t.Errorf("expected first registration's config to win, got %+v", cb1.cfg)
	}
}

func TestRegistry_GetUnknownReturnsNil(t *testing.T) {
	r := NewRegistry()
	if cb := r.Get("does-not-exist"); cb != nil {
		t.Errorf("expected nil for unregistered name, got %v", cb)
	}
}

func TestRegistry_GetAllMetricsReflectsEachBreaker(t *testing.T) {
	r := NewRegistry()
	a := r.Register("dep-a", testConfig())
	b := r.Register("dep-b", testConfig())

	_ = a.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errors.New("boom") })

	byName := map[string]Metrics{}
	for _, m := range r.GetAllMetrics() {
		byName[m.Name] = m
	}

	if byName["dep-a"].TotalSuccesses != 1 {
		t.Errorf("expected dep-a to have 1 success, got %+v", byName["dep-a"])
	}
	if byName["dep-b"].TotalFailures != 1 {
		t.Errorf("expected dep-b to have 1 failure, got %+v", byName["dep-b"])
	}
}

func TestRegistry_ResetAllClearsEveryBreaker(t *testing.T) {
	r := NewRegistry()
	cb := r.Register("dep-c", testConfig())
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("boom") })
	}
	if cb.State() != StateOpen {
		t.Fatalf("setup: expected OPEN, got %s", cb.State())
	}

	r.ResetAll()

	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after ResetAll, got %s", cb.State())
	}
}
