package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testExecutorConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.Retry.MaxRetries = 2
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.Strategy = RetryFixed
	cfg.Breaker.RecoveryTimeout = 50 * time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func TestExecutorSuccessPassesThrough(t *testing.T) {
	e := NewExecutor(testExecutorConfig())

	result, degraded, err := e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	if err != nil || degraded {
		t.Fatalf("unexpected outcome: %v degraded=%v", err, degraded)
	}
	if result != "ok" {
		t.Errorf("got %v", result)
	}
}

func TestExecutorRetriesTransient(t *testing.T) {
	e := NewExecutor(testExecutorConfig())
	var calls int32

	result, _, err := e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, NewTransientError("connection reset")
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("expected recovery on third attempt: %v", err)
	}
	if result != "recovered" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("got %v after %d calls", result, calls)
	}
}

func TestExecutorPermanentNotRetried(t *testing.T) {
	e := NewExecutor(testExecutorConfig())
	var calls int32

	_, _, err := e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewPermanentError("bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("permanent error was retried: %d calls", calls)
	}
}

func TestExecutorOpensBreakerWithoutInvokingHandler(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.Retry.MaxRetries = 0
	e := NewExecutor(cfg)
	var calls int32

	fail := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewTransientError("down")
	}

	for i := 0; i < 5; i++ {
		e.Execute(context.Background(), "backend", "op", nil, fail)
	}
	before := atomic.LoadInt32(&calls)

	_, _, err := e.Execute(context.Background(), "backend", "op", nil, fail)
	var co *CircuitOpenError
	if !errors.As(err, &co) {
		t.Fatalf("expected CircuitOpenError on 6th request, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Error("handler was invoked while circuit open")
	}
}

func TestExecutorFallbackCachedValue(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.Retry.MaxRetries = 0
	e := NewExecutor(cfg)
	e.Fallback().RecordSuccess(FallbackKey("backend", "op"), "cached-result")

	result, degraded, err := e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
		return nil, NewTransientError("down")
	})
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !degraded || result != "cached-result" {
		t.Errorf("got %v degraded=%v", result, degraded)
	}
}

func TestExecutorDegradedHandlerFailurePropagatesOriginal(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.Retry.MaxRetries = 0
	e := NewExecutor(cfg)
	e.Fallback().RegisterDegraded(FallbackKey("backend", "op"), func(op string, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("degraded handler broke too")
	})

	_, _, err := e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
		return nil, NewTransientError("original failure")
	})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected the original backend error, got %v", err)
	}
}

func TestHealthCallbackReportsRecovery(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.RecoveryTimeout = 10 * time.Millisecond
	cfg.Breaker.HalfOpenMaxCalls = 2
	e := NewExecutor(cfg)

	var mu sync.Mutex
	var events []bool
	e.OnHealthChange(func(endpoint string, healthy bool) {
		mu.Lock()
		events = append(events, healthy)
		mu.Unlock()
	})

	e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
		return nil, NewTransientError("down")
	})
	time.Sleep(20 * time.Millisecond)

	// Two half-open successes close the breaker; the close happens inside
	// the final AfterCall and must still reach the callback.
	ok := func(ctx context.Context) (interface{}, error) { return "ok", nil }
	for i := 0; i < 2; i++ {
		if _, _, err := e.Execute(context.Background(), "backend", "op", nil, ok); err != nil {
			t.Fatalf("recovery call %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] || !events[1] {
		t.Fatalf("expected unhealthy then healthy, got %v", events)
	}
}

func TestBulkheadRejectsExcessCalls(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.Bulkhead = BulkheadConfig{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 10 * time.Millisecond}
	e := NewExecutor(cfg)

	release := make(chan struct{})
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.Execute(context.Background(), "backend", "op", nil, func(ctx context.Context) (interface{}, error) {
				<-release
				return "done", nil
			})
			errCh <- err
		}()
		time.Sleep(5 * time.Millisecond) // deterministic arrival order
	}

	// Third caller: one active, one queued -> rejected within queue timeout.
	start := time.Now()
	var rejected *BulkheadFullError
	select {
	case err := <-errCh:
		if !errors.As(err, &rejected) {
			t.Fatalf("expected BulkheadFullError, got %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no rejection observed")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took too long: %v", elapsed)
	}
	if rejected.Active != 1 || rejected.Queued != 1 {
		t.Errorf("unexpected counts: active=%d queued=%d", rejected.Active, rejected.Queued)
	}

	close(release)
	wg.Wait()
}

func TestBulkheadActiveNeverExceedsLimit(t *testing.T) {
	bh := NewBulkhead("backend", BulkheadConfig{MaxConcurrent: 3, MaxQueueSize: 10, QueueTimeout: time.Second})

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bh.Acquire(context.Background()); err != nil {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			bh.Release()
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&peak) > 3 {
		t.Errorf("active exceeded max_concurrent: peak=%d", peak)
	}
}

func TestTimeoutRaisesTypedError(t *testing.T) {
	to := NewTimeout(20 * time.Millisecond)

	_, err := to.Execute(context.Background(), "slow_op", func(ctx context.Context) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Operation != "slow_op" {
		t.Errorf("wrong operation: %s", te.Operation)
	}
}

func TestRetryClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", NewTransientError("x"), true},
		{"unknown_kind", &BackendError{Kind: KindUnknown, Message: "x"}, true},
		{"permanent", NewPermanentError("x"), false},
		{"circuit_open", &CircuitOpenError{Endpoint: "b"}, false},
		{"bulkhead_full", &BulkheadFullError{}, false},
		{"timeout", &TimeoutError{Operation: "op"}, true},
		{"plain", errors.New("x"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Errorf("%s: IsRetryable=%v, want %v", tc.name, got, tc.retryable)
		}
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.LimiterRate = 1
	cfg.LimiterBurst = 1
	e := NewExecutor(cfg)

	ok := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	if _, _, err := e.Execute(context.Background(), "backend", "op", nil, ok); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, _, err := e.Execute(context.Background(), "backend", "op", nil, ok)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
}
