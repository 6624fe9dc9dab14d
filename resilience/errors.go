package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies backend failures for retry decisions.
type ErrorKind int

const (
	KindTransient ErrorKind = iota // connection errors, transient I/O: retried
	KindPermanent                  // bad request, business failure: not retried
	KindUnknown                    // unclassified: retried by default
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// BackendError is a failure propagated from a backend handler.
type BackendError struct {
	Kind    ErrorKind
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (%s): %s", e.Kind, e.Message)
}

// NewTransientError builds a retryable backend error.
func NewTransientError(format string, args ...interface{}) *BackendError {
	return &BackendError{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// NewPermanentError builds a non-retryable backend error.
func NewPermanentError(format string, args ...interface{}) *BackendError {
	return &BackendError{Kind: KindPermanent, Message: fmt.Sprintf(format, args...)}
}

// CircuitOpenError rejects a call while the breaker is open.
type CircuitOpenError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Endpoint, e.RetryAfter.Round(time.Millisecond))
}

// BulkheadFullError rejects a call when admission limits are exceeded.
type BulkheadFullError struct {
	Endpoint string
	Active   int
	Queued   int
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("BulkheadFull(active=%d, queued=%d)", e.Active, e.Queued)
}

// TimeoutError is raised when a call exceeds its per-call deadline.
type TimeoutError struct {
	Operation string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout on %s after %s", e.Operation, e.Elapsed.Round(time.Millisecond))
}

// RateLimitedError rejects a call at the per-endpoint token bucket.
type RateLimitedError struct {
	Endpoint string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Endpoint)
}

// ErrMaxRetriesExceeded wraps the last error after all attempts are spent.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// IsRetryable reports whether the retry stage may re-attempt after err.
// Transient and unknown backend errors retry; rejections never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return false
	}
	var bf *BulkheadFullError
	if errors.As(err, &bf) {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return false
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind != KindPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Unclassified errors retry by default.
	return true
}
