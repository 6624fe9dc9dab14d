package resilience

import (
	"fmt"
	"sync"

	"github.com/edgecore/edgecore/observability"
)

// DegradedHandler produces a reduced-quality result when the backend is
// unreachable. If it fails, the original error propagates.
type DegradedHandler func(operation string, params map[string]interface{}) (interface{}, error)

// FallbackChain resolves a substitute value after a failed call.
// Strategies are consulted in order: cached result, preregistered
// default, degraded handler. First hit wins.
type FallbackChain struct {
	mu       sync.RWMutex
	cached   map[string]interface{}
	defaults map[string]interface{}
	degraded map[string]DegradedHandler

	served int64
}

// NewFallbackChain creates an empty chain.
func NewFallbackChain() *FallbackChain {
	return &FallbackChain{
		cached:   make(map[string]interface{}),
		defaults: make(map[string]interface{}),
		degraded: make(map[string]DegradedHandler),
	}
}

// RecordSuccess stores a successful result for CachedFallback.
// Keyed by "agent_type.operation".
func (f *FallbackChain) RecordSuccess(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[key] = value
}

// SetDefault preregisters a DefaultValueFallback value.
func (f *FallbackChain) SetDefault(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[key] = value
}

// RegisterDegraded installs a GracefulDegradation handler.
func (f *FallbackChain) RegisterDegraded(key string, h DegradedHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded[key] = h
}

// Resolve attempts the strategies in order. origErr is returned when no
// strategy yields a value, or when the degraded handler itself fails.
func (f *FallbackChain) Resolve(key, operation string, params map[string]interface{}, origErr error) (interface{}, error) {
	f.mu.RLock()
	cached, hasCached := f.cached[key]
	def, hasDefault := f.defaults[key]
	degraded, hasDegraded := f.degraded[key]
	f.mu.RUnlock()

	if hasCached {
		f.bump("cached")
		return cached, nil
	}
	if hasDefault {
		f.bump("default")
		return def, nil
	}
	if hasDegraded {
		result, err := degraded(operation, params)
		if err != nil {
			// Degraded handler failure propagates the original error.
			return nil, origErr
		}
		f.bump("degraded")
		return result, nil
	}
	return nil, origErr
}

func (f *FallbackChain) bump(strategy string) {
	f.mu.Lock()
	f.served++
	f.mu.Unlock()
	observability.Fallbacks.WithLabelValues(strategy).Inc()
}

// Served returns how many fallback values this chain has produced.
func (f *FallbackChain) Served() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.served
}

// Reset clears all registered values and handlers.
func (f *FallbackChain) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = make(map[string]interface{})
	f.defaults = make(map[string]interface{})
	f.degraded = make(map[string]DegradedHandler)
	f.served = 0
}

// fallbackKey builds the "agent_type.operation" key.
func FallbackKey(agentType, operation string) string {
	return fmt.Sprintf("%s.%s", agentType, operation)
}
