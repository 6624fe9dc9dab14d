package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// Call is the unit of backend work protected by the layer.
type Call func(ctx context.Context) (interface{}, error)

// ExecutorConfig assembles per-safeguard settings.
type ExecutorConfig struct {
	Breaker  BreakerConfig
	Retry    RetryConfig
	Bulkhead BulkheadConfig
	Timeout  time.Duration

	// LimiterRate enables the optional per-endpoint token bucket when > 0.
	LimiterRate  float64
	LimiterBurst int
}

// DefaultExecutorConfig returns production defaults for every stage.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Breaker:  DefaultBreakerConfig(),
		Retry:    DefaultRetryConfig(),
		Bulkhead: DefaultBulkheadConfig(),
		Timeout:  30 * time.Second,
	}
}

// Executor wraps every backend call with the ordered safeguards:
// RateLimiter (optional) -> Bulkhead -> CircuitBreaker -> Retry ->
// Timeout -> target. On any failure bubbling out it consults the
// fallback chain. The order is fixed; reordering changes observable
// semantics.
type Executor struct {
	cfg      ExecutorConfig
	retry    *Retry
	timeout  *Timeout
	limiter  *TokenBucketLimiter
	fallback *FallbackChain

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead

	// onHealthChange fires when an endpoint's breaker opens or closes,
	// letting the router steer Hybrid decisions away from a sick backend.
	onHealthChange func(endpoint string, healthy bool)
}

// NewExecutor creates a resilience executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		cfg:       cfg,
		retry:     NewRetry(cfg.Retry),
		timeout:   NewTimeout(cfg.Timeout),
		fallback:  NewFallbackChain(),
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
	}
	if cfg.LimiterRate > 0 {
		burst := cfg.LimiterBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = NewTokenBucketLimiter(cfg.LimiterRate, burst)
	}
	return e
}

// OnHealthChange registers the endpoint health callback.
func (e *Executor) OnHealthChange(fn func(endpoint string, healthy bool)) {
	e.onHealthChange = fn
}

// Fallback exposes the chain for registration of defaults and degraded
// handlers.
func (e *Executor) Fallback() *FallbackChain { return e.fallback }

// Timeouts exposes the timeout stage for per-operation overrides.
func (e *Executor) Timeouts() *Timeout { return e.timeout }

// breaker returns the per-endpoint circuit breaker, creating it lazily.
func (e *Executor) breaker(endpoint string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[endpoint]
	if !ok {
		cb = NewCircuitBreaker(endpoint, e.cfg.Breaker)
		e.breakers[endpoint] = cb
	}
	return cb
}

// bulkhead returns the per-endpoint bulkhead, creating it lazily.
func (e *Executor) bulkhead(endpoint string) *Bulkhead {
	e.mu.Lock()
	defer e.mu.Unlock()
	bh, ok := e.bulkheads[endpoint]
	if !ok {
		bh = NewBulkhead(endpoint, e.cfg.Bulkhead)
		e.bulkheads[endpoint] = bh
	}
	return bh
}

// Execute runs call for operation against endpoint under the full
// safeguard stack. The returned bool reports whether the result came
// from a fallback strategy (degraded).
func (e *Executor) Execute(ctx context.Context, endpoint, operation string, params map[string]interface{}, call Call) (interface{}, bool, error) {
	result, err := e.executeProtected(ctx, endpoint, operation, call)
	if err == nil {
		return result, false, nil
	}

	// Cancellation is a signal, not a failure to paper over.
	if errors.Is(err, context.Canceled) {
		return nil, false, err
	}

	key := FallbackKey(endpoint, operation)
	fbResult, fbErr := e.fallback.Resolve(key, operation, params, err)
	if fbErr == nil {
		return fbResult, true, nil
	}
	return nil, false, err
}

// executeProtected applies the ordered safeguards without fallback.
func (e *Executor) executeProtected(ctx context.Context, endpoint, operation string, call Call) (interface{}, error) {
	if e.limiter != nil && !e.limiter.Allow(endpoint) {
		observability.RateLimited.WithLabelValues(endpoint).Inc()
		return nil, &RateLimitedError{Endpoint: endpoint}
	}

	bh := e.bulkhead(endpoint)
	if err := bh.Acquire(ctx); err != nil {
		return nil, err
	}
	defer bh.Release()

	cb := e.breaker(endpoint)
	if err := cb.BeforeCall(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.retry.Execute(ctx, endpoint, func(rctx context.Context) (interface{}, error) {
		return e.timeout.Execute(rctx, operation, call)
	})
	elapsed := time.Since(start)

	// A cancelled request never lands in the window as a success.
	if errors.Is(err, context.Canceled) {
		prev := cb.State()
		e.notifyHealth(endpoint, prev, cb.AfterCall(false, elapsed, "cancelled"))
		return nil, err
	}

	prev := cb.State()
	e.notifyHealth(endpoint, prev, cb.AfterCall(err == nil, elapsed, classify(err)))
	return result, err
}

// notifyHealth reports the endpoint unhealthy when the breaker opens and
// healthy again when it closes. Natural recovery closes on the final
// half-open success, so the close must be read from AfterCall's result,
// not from the pre-call state.
func (e *Executor) notifyHealth(endpoint string, prev, now CircuitState) {
	if e.onHealthChange == nil || prev == now {
		return
	}
	if now == CircuitOpen {
		e.onHealthChange(endpoint, false)
	} else if now == CircuitClosed {
		e.onHealthChange(endpoint, true)
	}
}

func classify(err error) string {
	if err == nil {
		return ""
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return "timeout"
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind.String()
	}
	return "unknown"
}

// ForceOpen pins the endpoint's breaker open for maintenance.
func (e *Executor) ForceOpen(endpoint string) {
	e.breaker(endpoint).ForceOpen()
	if e.onHealthChange != nil {
		e.onHealthChange(endpoint, false)
	}
}

// ForceClose pins the endpoint's breaker closed.
func (e *Executor) ForceClose(endpoint string) {
	e.breaker(endpoint).ForceClose()
	if e.onHealthChange != nil {
		e.onHealthChange(endpoint, true)
	}
}

// Reset restores every breaker, bulkhead, and fallback registration.
func (e *Executor) Reset() {
	e.mu.Lock()
	for _, cb := range e.breakers {
		cb.Reset()
	}
	e.bulkheads = make(map[string]*Bulkhead)
	e.mu.Unlock()
	e.fallback.Reset()
}

// RetryAfter reports the endpoint's open-state retry hint.
func (e *Executor) RetryAfter(endpoint string) time.Duration {
	return e.breaker(endpoint).RetryAfter()
}

// Stats snapshots per-endpoint breaker and bulkhead state.
type ExecutorStats struct {
	Breakers  []BreakerStats  `json:"breakers"`
	Bulkheads []BulkheadStats `json:"bulkheads"`
	Fallbacks int64           `json:"fallbacks_served"`
}

// Stats assembles the resilience subtree of the metrics report.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(e.breakers))
	for _, cb := range e.breakers {
		breakers = append(breakers, cb)
	}
	bulkheads := make([]*Bulkhead, 0, len(e.bulkheads))
	for _, bh := range e.bulkheads {
		bulkheads = append(bulkheads, bh)
	}
	e.mu.Unlock()

	stats := ExecutorStats{Fallbacks: e.fallback.Served()}
	for _, cb := range breakers {
		stats.Breakers = append(stats.Breakers, cb.Stats())
	}
	for _, bh := range bulkheads {
		stats.Bulkheads = append(stats.Bulkheads, bh.Stats())
	}
	return stats
}
