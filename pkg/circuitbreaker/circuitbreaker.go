// Package circuitbreaker implements the per-dependency circuit breaker
// pattern: a three-state gate (Closed/Open/HalfOpen) that fails fast once a
// remote dependency is known-bad, instead of letting callers queue up behind
// a slow or dead service.
//
// The breaker never retries internally — that is the saga layer's job
// (pkg/sagacore). Its only responsibilities are: trip on consecutive
// failures, reject instantly while open, probe once recovery_timeout has
// elapsed, enforce a request timeout and a concurrency cap, and report
// metrics.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	// StateClosed — calls pass through; consecutive failures are tracked.
	StateClosed State = iota
	// StateOpen — calls are rejected immediately until RecoveryTimeout elapses.
	StateOpen
	// StateHalfOpen — a probing state; a configured number of successes
	// closes the circuit again, any failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors returned by Execute/Call. Callers distinguish them with
// errors.Is; OperationError additionally wraps the operation's own error.
var (
	ErrOpen       = errors.New("circuitbreaker: circuit is open")
	ErrTimeout    = errors.New("circuitbreaker: operation exceeded request timeout")
	ErrOverloaded = errors.New("circuitbreaker: max concurrent requests exceeded")
)

// OperationError wraps an error returned by the guarded operation together
// with the breaker state observed at the time of the call.
type OperationError struct {
	State State
	Err   error
}

func (e *OperationError) Error() string {
	return e.Err.Error() + " (circuit " + e.State.String() + ")"
}

func (e *OperationError) Unwrap() error { return e.Err }

// Config configures a single circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in Closed
	// state that trips the breaker to Open.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive successes in HalfOpen
	// state required to close the breaker.
	SuccessThreshold uint32
	// RecoveryTimeout is how long the breaker stays Open before the next
	// call is allowed through as a HalfOpen probe.
	RecoveryTimeout time.Duration
	// RequestTimeout bounds every guarded call, regardless of whether the
	// operation itself honors a deadline.
	RequestTimeout time.Duration
	// MaxConcurrent caps in-flight calls; zero means unlimited.
	MaxConcurrent uint32
}

// DefaultConfig returns reasonable defaults for a moderately chatty
// dependency.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		RequestTimeout:   3 * time.Second,
		MaxConcurrent:    64,
	}
}

// Metrics is a point-in-time snapshot of a breaker's counters.
type Metrics struct {
	Name             string
	State            State
	TotalSuccesses   uint64
	TotalFailures    uint64
	TotalRejections  uint64
	MeanLatency      time.Duration
	InFlight         int64
	ConsecutiveFails uint32
}

// CircuitBreaker guards calls to a single named dependency.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	openedAt             time.Time
	lastFailure          time.Time
	onStateChange        func(name string, from, to State)

	inFlight atomic.Int64

	totalSuccesses  atomic.Uint64
	totalFailures   atomic.Uint64
	totalRejections atomic.Uint64
	latencySumNanos atomic.Uint64
	latencyCount    atomic.Uint64
}

// New creates a breaker in the Closed state.
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		cfg:           cfg,
		state:         StateClosed,
		onStateChange: func(string, State, State) {},
	}
}

// SetStateChangeCallback installs a hook invoked on every state transition —
// used by the registry to update metrics/logs. The hook runs while the
// breaker's mutex is held, so it must not call back into the breaker.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(name string, from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state without blocking on in-flight calls. It
// performs the Open->HalfOpen timeout check but never the reverse.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked(time.Now())
}

// currentStateLocked must be called with cb.mu held. It applies the
// Open -> HalfOpen transition if RecoveryTimeout has elapsed. HalfOpen has no
// separate probe slot: beforeCall admits HalfOpen calls like Closed ones,
// subject only to MaxConcurrent.
func (cb *CircuitBreaker) currentStateLocked(now time.Time) State {
	if cb.state == StateOpen && !cb.openedAt.IsZero() && now.Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.setStateLocked(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	switch state {
	case StateOpen:
		cb.openedAt = now
	case StateHalfOpen:
		cb.openedAt = time.Time{}
	case StateClosed:
		cb.openedAt = time.Time{}
	}
	cb.onStateChange(cb.name, prev, state)
}

// Reset returns the breaker to Closed, clearing counters and metrics.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.setStateLocked(StateClosed, time.Now())
	cb.mu.Unlock()

	cb.totalSuccesses.Store(0)
	cb.totalFailures.Store(0)
	cb.totalRejections.Store(0)
	cb.latencySumNanos.Store(0)
	cb.latencyCount.Store(0)
}

// ForceOpen is an administrative kill switch.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.setStateLocked(StateOpen, time.Now())
	cb.mu.Unlock()
}

// Snapshot returns a read-only copy of the breaker's metrics.
func (cb *CircuitBreaker) Snapshot() Metrics {
	cb.mu.Lock()
	state := cb.currentStateLocked(time.Now())
	fails := cb.consecutiveFailures
	cb.mu.Unlock()

	var mean time.Duration
	if n := cb.latencyCount.Load(); n > 0 {
		mean = time.Duration(cb.latencySumNanos.Load() / n)
	}

	return Metrics{
		Name:             cb.name,
		State:            state,
		TotalSuccesses:   cb.totalSuccesses.Load(),
		TotalFailures:    cb.totalFailures.Load(),
		TotalRejections:  cb.totalRejections.Load(),
		MeanLatency:      mean,
		InFlight:         cb.inFlight.Load(),
		ConsecutiveFails: fails,
	}
}

// beforeCall decides whether a call is allowed through, atomically reserving
// an in-flight slot if so.
func (cb *CircuitBreaker) beforeCall() (allowed bool, rejectErr error) {
	now := time.Now()

	cb.mu.Lock()
	state := cb.currentStateLocked(now)
	if state == StateOpen {
		cb.mu.Unlock()
		cb.totalRejections.Add(1)
		return false, ErrOpen
	}
	cb.mu.Unlock()

	if cb.cfg.MaxConcurrent > 0 {
		if cb.inFlight.Add(1) > int64(cb.cfg.MaxConcurrent) {
			cb.inFlight.Add(-1)
			cb.totalRejections.Add(1)
			return false, ErrOverloaded
		}
	} else {
		cb.inFlight.Add(1)
	}

	return true, nil
}

func (cb *CircuitBreaker) afterCall(success bool, elapsed time.Duration) {
	cb.inFlight.Add(-1)
	cb.latencySumNanos.Add(uint64(elapsed.Nanoseconds()))
	cb.latencyCount.Add(1)

	now := time.Now()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentStateLocked(now)

	if success {
		cb.totalSuccesses.Add(1)
		switch state {
		case StateHalfOpen:
			cb.consecutiveSuccesses++
			cb.consecutiveFailures = 0
			if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
				cb.setStateLocked(StateClosed, now)
			}
		case StateClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.totalFailures.Add(1)
	cb.lastFailure = now
	switch state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen, now)
	}
}

// Execute runs op if the circuit allows it, enforcing RequestTimeout itself
// even when op ignores its context — the breaker's own contract, not the
// operation's.
func (cb *CircuitBreaker) Execute(op func() error) error {
	_, err := Call(cb, context.Background(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Call is the generic entrypoint: it runs op, which may itself use ctx, and
// returns op's success value or a breaker/operation error. httpfacade uses
// Call so its response value survives the breaker boundary.
func Call[T any](cb *CircuitBreaker, ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	var zero T

	allowed, rejectErr := cb.beforeCall()
	if !allowed {
		return zero, rejectErr
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.cfg.RequestTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.cfg.RequestTimeout)
		defer cancel()
	}

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		v, err := op(callCtx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		elapsed := time.Since(start)
		if o.err != nil {
			cb.afterCall(false, elapsed)
			return zero, &OperationError{State: cb.State(), Err: o.err}
		}
		cb.afterCall(true, elapsed)
		return o.val, nil
	case <-callCtx.Done():
		// The operation is abandoned here; its goroutine may still be
		// running to completion, but we stop waiting on it and count this
		// attempt as a failure against the state machine.
		cb.afterCall(false, time.Since(start))
		return zero, ErrTimeout
	}
}
