package resilience

import (
	"errors"
	"testing"
	"time"
)

func testBreakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.RecoveryTimeout = 50 * time.Millisecond
	return cfg
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		if err := cb.BeforeCall(); err != nil {
			return
		}
		cb.AfterCall(false, time.Millisecond, "transient")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("backend", testBreakerConfig())

	failN(cb, 4)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 4 failures, got %s", cb.State())
	}

	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 5 failures, got %s", cb.State())
	}

	// The 6th call is rejected before reaching the handler.
	err := cb.BeforeCall()
	var co *CircuitOpenError
	if !errors.As(err, &co) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if co.RetryAfter <= 0 || co.RetryAfter > 50*time.Millisecond {
		t.Errorf("retry_after out of range: %v", co.RetryAfter)
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker("backend", testBreakerConfig())

	failN(cb, 4)
	cb.BeforeCall()
	cb.AfterCall(true, time.Millisecond, "")
	failN(cb, 4)

	if cb.State() != CircuitClosed {
		t.Fatalf("interleaved success should keep breaker closed, got %s", cb.State())
	}
}

func TestBreakerOpensOnWindowFailureRate(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 100 // keep the consecutive rule out of the way
	cb := NewCircuitBreaker("backend", cfg)

	// 5 successes then 5 failures: 10 observations at 50% failure rate.
	for i := 0; i < 5; i++ {
		cb.BeforeCall()
		cb.AfterCall(true, time.Millisecond, "")
	}
	for i := 0; i < 4; i++ {
		cb.BeforeCall()
		cb.AfterCall(false, time.Millisecond, "transient")
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed at 9 observations, got %s", cb.State())
	}
	cb.BeforeCall()
	cb.AfterCall(false, time.Millisecond, "transient")
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open at >=minimum_calls with 50%% failures, got %s", cb.State())
	}
}

func TestBreakerRecoveryCycle(t *testing.T) {
	cb := NewCircuitBreaker("backend", testBreakerConfig())
	failN(cb, 5)

	// Before the recovery timeout the breaker stays open.
	if err := cb.BeforeCall(); err == nil {
		t.Fatal("expected rejection while open")
	}

	time.Sleep(60 * time.Millisecond)

	// First call after recovery_timeout transitions to half-open.
	if err := cb.BeforeCall(); err != nil {
		t.Fatalf("expected half-open probe admission, got %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}
	cb.AfterCall(true, time.Millisecond, "")

	// Two more successes close the circuit (half_open_max_calls = 3).
	for i := 0; i < 2; i++ {
		if err := cb.BeforeCall(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+2, err)
		}
		cb.AfterCall(true, time.Millisecond, "")
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 3 successes, got %s", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("backend", testBreakerConfig())
	failN(cb, 5)
	time.Sleep(60 * time.Millisecond)

	if err := cb.BeforeCall(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	cb.AfterCall(false, time.Millisecond, "transient")

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after half-open failure, got %s", cb.State())
	}
}

func TestBreakerHalfOpenAdmissionCap(t *testing.T) {
	cb := NewCircuitBreaker("backend", testBreakerConfig())
	failN(cb, 5)
	time.Sleep(60 * time.Millisecond)

	// Admit half_open_max_calls probes without completing them.
	for i := 0; i < 3; i++ {
		if err := cb.BeforeCall(); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if err := cb.BeforeCall(); err == nil {
		t.Fatal("expected excess half-open probe to be rejected")
	}
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	cb := NewCircuitBreaker("backend", testBreakerConfig())

	cb.ForceOpen()
	if cb.State() != CircuitOpen {
		t.Fatal("force open did not open")
	}
	// Forced open does not drift to half-open on its own.
	time.Sleep(60 * time.Millisecond)
	if err := cb.BeforeCall(); err == nil {
		t.Fatal("forced-open breaker admitted a call")
	}

	cb.ForceClose()
	if cb.State() != CircuitClosed {
		t.Fatal("force close did not close")
	}
	if err := cb.BeforeCall(); err != nil {
		t.Fatalf("closed breaker rejected a call: %v", err)
	}
}
