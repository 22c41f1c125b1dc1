package circuitbreaker

import (
	"sync"

	"github.com/xiebiao/tracseq-core/pkg/metrics"
)

// Registry is a process-wide, name-keyed set of circuit breakers. Services
// register one breaker per downstream dependency at startup and look it up
// by name at every call site, so the same breaker instance (and its state)
// is shared across every goroutine guarding that dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register creates (or returns the existing) breaker for name. A second
// Register call for the same name is a no-op that returns the breaker
// already registered, ignoring cfg — breaker configuration is fixed at
// first registration.
func (r *Registry) Register(name string, cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, cfg)
	cb.SetStateChangeCallback(func(name string, _, to State) {
		metrics.SetGaugeVec(metrics.CircuitBreakerState, map[string]string{"name": name}, float64(to))
	})
	r.breakers[name] = cb
	return cb
}

// Get returns the breaker registered under name, or nil if none exists.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// GetAll returns every registered breaker, keyed by name.
func (r *Registry) GetAll() map[string]*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb
	}
	return out
}

// GetAllMetrics snapshots every registered breaker's metrics in one call.
func (r *Registry) GetAllMetrics() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metrics, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// ResetAll forces every registered breaker back to Closed. Intended for
// administrative recovery and for test teardown between scenarios that
// share a process-global registry.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Default is the package-level registry used by components that don't wire
// their own. cmd/coordinator registers one breaker per CB_<DEP>_* config
// block into Default at startup.
var Default = NewRegistry()
