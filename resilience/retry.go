package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// RetryStrategy selects the backoff curve between attempts.
type RetryStrategy int

const (
	RetryFixed RetryStrategy = iota
	RetryExponential
	RetryExponentialJitter
)

// ParseRetryStrategy maps a config string to a strategy.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch s {
	case "fixed":
		return RetryFixed, nil
	case "exponential":
		return RetryExponential, nil
	case "exponential_jitter", "":
		return RetryExponentialJitter, nil
	default:
		return 0, fmt.Errorf("unknown retry strategy %q", s)
	}
}

// RetryConfig holds backoff settings.
type RetryConfig struct {
	MaxRetries   int
	Strategy     RetryStrategy
	BaseDelay    time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		Strategy:     RetryExponentialJitter,
		BaseDelay:    100 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.5,
		MaxDelay:     10 * time.Second,
	}
}

// Retry re-attempts retryable failures with backoff. Stateless and safe
// for concurrent use.
type Retry struct {
	cfg RetryConfig
}

// NewRetry creates a retry stage.
func NewRetry(cfg RetryConfig) *Retry {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Retry{cfg: cfg}
}

// Execute runs fn up to MaxRetries+1 times. Only errors classified as
// retryable are re-attempted; CircuitOpen and permanent errors propagate
// immediately. Backoff sleeps observe ctx cancellation.
func (r *Retry) Execute(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.Retries.WithLabelValues(endpoint).Inc()
			delay := r.delay(attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// delay computes the sleep before re-attempt number attempt+1.
func (r *Retry) delay(attempt int) time.Duration {
	base := float64(r.cfg.BaseDelay)
	var d float64
	switch r.cfg.Strategy {
	case RetryFixed:
		d = base
	case RetryExponential:
		d = base * math.Pow(r.cfg.Multiplier, float64(attempt))
	case RetryExponentialJitter:
		d = base * math.Pow(r.cfg.Multiplier, float64(attempt))
		// Uniform jitter in [0, d * jitter_factor]
		d += rand.Float64() * d * r.cfg.JitterFactor
	}
	if max := float64(r.cfg.MaxDelay); r.cfg.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
