package resilience

import (
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting calls
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the transition thresholds.
type BreakerConfig struct {
	FailureThreshold     int           // consecutive failures before opening
	FailureRateThreshold float64       // window failure rate before opening
	MinimumCalls         int           // observations required for rate evaluation
	WindowTime           time.Duration // age limit for window records
	RecoveryTimeout      time.Duration // open -> half-open delay
	HalfOpenMaxCalls     int           // successes to close; also half-open admission cap
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		MinimumCalls:         10,
		WindowTime:           60 * time.Second,
		RecoveryTimeout:      30 * time.Second,
		HalfOpenMaxCalls:     3,
	}
}

// callRecord is one observation in the bounded outcome window.
type callRecord struct {
	success   bool
	duration  time.Duration
	timestamp time.Time
	errorKind string
}

// CircuitBreaker guards one endpoint. BeforeCall and AfterCall run under
// the breaker's mutex; the protected call itself runs outside it.
type CircuitBreaker struct {
	endpoint string
	cfg      BreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	openedAt             time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	window               []callRecord // bounded FIFO

	opens      int64
	rejections int64
	forced     bool
}

// windowCap bounds the outcome FIFO independent of WindowTime.
const windowCap = 256

// NewCircuitBreaker creates a closed breaker for the endpoint.
func NewCircuitBreaker(endpoint string, cfg BreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		endpoint: endpoint,
		cfg:      cfg,
		state:    CircuitClosed,
	}
	observability.CircuitState.WithLabelValues(endpoint).Set(0)
	return cb
}

// BeforeCall admits or rejects the next call. On admission in half-open
// state an in-flight slot is taken; the caller must follow with AfterCall.
func (cb *CircuitBreaker) BeforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if cb.state == CircuitOpen && !cb.forced {
		if now.Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.transition(CircuitHalfOpen)
			cb.consecutiveSuccesses = 0
			cb.halfOpenInFlight = 0
		}
	}

	switch cb.state {
	case CircuitOpen:
		cb.rejections++
		observability.CircuitRejections.WithLabelValues(cb.endpoint).Inc()
		retryAfter := cb.cfg.RecoveryTimeout - now.Sub(cb.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &CircuitOpenError{Endpoint: cb.endpoint, RetryAfter: retryAfter}

	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			cb.rejections++
			observability.CircuitRejections.WithLabelValues(cb.endpoint).Inc()
			return &CircuitOpenError{Endpoint: cb.endpoint, RetryAfter: time.Second}
		}
		cb.halfOpenInFlight++
		return nil

	default:
		return nil
	}
}

// AfterCall records the outcome of an admitted call, drives transitions,
// and returns the resulting state so callers can observe a close or open
// that happened under the breaker's lock.
func (cb *CircuitBreaker) AfterCall(success bool, duration time.Duration, errKind string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.window = append(cb.window, callRecord{
		success:   success,
		duration:  duration,
		timestamp: now,
		errorKind: errKind,
	})
	if len(cb.window) > windowCap {
		cb.window = cb.window[len(cb.window)-windowCap:]
	}

	switch cb.state {
	case CircuitHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if success {
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.cfg.HalfOpenMaxCalls {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
			}
		} else {
			// Any single failure re-opens.
			cb.open(now)
		}

	case CircuitClosed:
		if success {
			cb.consecutiveFailures = 0
			break
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open(now)
			break
		}
		if rate, n := cb.windowFailureRate(now); n >= cb.cfg.MinimumCalls && rate >= cb.cfg.FailureRateThreshold {
			cb.open(now)
		}
	}
	return cb.state
}

// open transitions to Open and stamps openedAt. Caller holds the lock.
func (cb *CircuitBreaker) open(now time.Time) {
	cb.transition(CircuitOpen)
	cb.openedAt = now
	cb.opens++
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
}

// transition updates state and metrics. Caller holds the lock.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	observability.CircuitState.WithLabelValues(cb.endpoint).Set(float64(to))
	observability.CircuitTransitions.WithLabelValues(cb.endpoint, to.String()).Inc()
}

// windowFailureRate evaluates the recent window bounded by WindowTime.
// Caller holds the lock.
func (cb *CircuitBreaker) windowFailureRate(now time.Time) (float64, int) {
	cutoff := now.Add(-cb.cfg.WindowTime)
	total, failed := 0, 0
	for _, r := range cb.window {
		if r.timestamp.Before(cutoff) {
			continue
		}
		total++
		if !r.success {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// ForceOpen pins the breaker open for maintenance. The state machine's own
// transitions are bypassed until ForceClose or Reset.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.open(time.Now())
}

// ForceClose pins the breaker closed and clears the forced flag.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
	cb.transition(CircuitClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
}

// Reset restores a fresh closed breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
	cb.transition(CircuitClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	cb.window = nil
	cb.opens = 0
	cb.rejections = 0
}

// State returns the current circuit state (thread-safe).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter reports how long callers should wait while open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0
	}
	d := cb.cfg.RecoveryTimeout - time.Since(cb.openedAt)
	if d < 0 {
		return 0
	}
	return d
}

// BreakerStats is a point-in-time snapshot for the metrics report.
type BreakerStats struct {
	Endpoint          string  `json:"endpoint"`
	State             string  `json:"state"`
	Opens             int64   `json:"opens"`
	Rejections        int64   `json:"rejections"`
	WindowFailureRate float64 `json:"window_failure_rate"`
	WindowSize        int     `json:"window_size"`
}

// Stats snapshots the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	rate, n := cb.windowFailureRate(time.Now())
	return BreakerStats{
		Endpoint:          cb.endpoint,
		State:             cb.state.String(),
		Opens:             cb.opens,
		Rejections:        cb.rejections,
		WindowFailureRate: rate,
		WindowSize:        n,
	}
}
