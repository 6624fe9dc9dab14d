package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// Timeout applies the per-call deadline. It is the sole source of
// deadlines on backend work; per-operation overrides take precedence
// over the default.
type Timeout struct {
	defaultTimeout time.Duration

	mu        sync.RWMutex
	overrides map[string]time.Duration
}

// NewTimeout creates a timeout stage with the given default deadline.
func NewTimeout(defaultTimeout time.Duration) *Timeout {
	return &Timeout{
		defaultTimeout: defaultTimeout,
		overrides:      make(map[string]time.Duration),
	}
}

// SetOverride registers a per-operation deadline.
func (t *Timeout) SetOverride(operation string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[operation] = d
}

// For returns the deadline that applies to operation.
func (t *Timeout) For(operation string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.overrides[operation]; ok {
		return d
	}
	return t.defaultTimeout
}

// Execute runs fn under the operation's deadline. The in-flight call is
// cancelled cooperatively through its context; expiry raises TimeoutError.
func (t *Timeout) Execute(ctx context.Context, operation string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	d := t.For(operation)
	if d <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	result, err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		observability.Timeouts.WithLabelValues(operation).Inc()
		return nil, &TimeoutError{Operation: operation, Elapsed: time.Since(start)}
	}
	return result, err
}
