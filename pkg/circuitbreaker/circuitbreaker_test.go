package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		RequestTimeout:   0,
		MaxConcurrent:    0,
	}
}

func TestCircuitBreaker_ClosedStateAllowsSuccesses(t *testing.T) {
	cb := New("dep-a", testConfig())

	for i := 0; i < 10; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", cb.State())
	}
	m := cb.Snapshot()
	if m.TotalSuccesses != 10 {
		t.Errorf("expected 10 successes, got %d", m.TotalSuccesses)
	}
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New("dep-b", testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return boom })
		if !errors.As(err, new(*OperationError)) {
			t.Fatalf("attempt %d: expected *OperationError, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after %d consecutive failures, got %s", cb.cfg.FailureThreshold, cb.State())
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen while circuit is open, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb := New("dep-c", testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("setup: expected OPEN, got %s", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after recovery timeout, got %s", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe 1: expected success, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected still HALF_OPEN after one success, got %s", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe 2: expected success, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after success threshold reached, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := New("dep-d", testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	time.Sleep(30 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", cb.State())
	}

	_ = cb.Execute(func() error { return boom })
	if cb.State() != StateOpen {
		t.Errorf("expected OPEN after probe failure, got %s", cb.State())
	}
}

func TestCircuitBreaker_RequestTimeoutIndependentOfOperation(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	cb := New("dep-e", cfg)

	_, err := Call(cb, context.Background(), func(ctx context.Context) (struct{}, error) {
		// Ignores ctx entirely, as a misbehaving dependency client might.
		time.Sleep(50 * time.Millisecond)
		return struct{}{}, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCircuitBreaker_MaxConcurrentRejectsOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	cb := New("dep-f", cfg)

	release := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- cb.Execute(func() error {
				<-release
				return nil
			})
		}()
	}

	// Give all three calls time to reach beforeCall while the first two to
	// get there still hold their slots, before releasing them.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	rejected := 0
	for err := range errs {
		if errors.Is(err, ErrOverloaded) {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("expected exactly 1 rejection with MaxConcurrent=2 and 3 concurrent callers, got %d", rejected)
	}
}

func TestCircuitBreaker_GenericCallReturnsTypedValue(t *testing.T) {
	cb := New("dep-g", testConfig())

	v, err := Call(cb, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestCircuitBreaker_ResetClearsStateAndMetrics(t *testing.T) {
	cb := New("dep-h", testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("setup: expected OPEN, got %s", cb.State())
	}

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after Reset, got %s", cb.State())
	}
	m := cb.Snapshot()
	if m.TotalFailures != 0 || m.TotalSuccesses != 0 {
		t.Errorf("expected metrics cleared after Reset, got %+v", m)
	}
}

func TestCircuitBreaker_ForceOpenRejectsImmediately(t *testing.T) {
	cb := New("dep-i", testConfig())
	cb.ForceOpen()

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen after ForceOpen, got %v", err)
	}
}

func TestCircuitBreaker_StateChangeCallbackFires(t *testing.T) {
	cb := New("dep-j", testConfig())

	var mu sync.Mutex
	var transitions []string
	cb.SetStateChangeCallback(func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return boom })
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[len(transitions)-1] != "CLOSED->OPEN" {
		t.Errorf("expected a CLOSED->OPEN transition, got %v", transitions)
	}
}
