package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgecore/edgecore/config"
	"github.com/edgecore/edgecore/resilience"
	"github.com/edgecore/edgecore/router"
	"github.com/edgecore/edgecore/syncer"
)

// stubTransport satisfies the sync transport without a backend.
type stubTransport struct {
	mu     sync.Mutex
	pushes int
}

func (s *stubTransport) Push(ctx context.Context, payload []byte, compressed bool) (syncer.PushResult, error) {
	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
	records, err := syncer.DecodeBatch(payload)
	if err != nil {
		return syncer.PushResult{}, err
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.DeltaID
	}
	return syncer.PushResult{Success: true, SyncedIDs: ids}, nil
}

func (s *stubTransport) Pull(ctx context.Context, known map[string]string, vector map[string]int64) (syncer.PullResult, error) {
	return syncer.PullResult{Success: true}, nil
}

func (s *stubTransport) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Sync.Interval = config.Duration(time.Hour)
	cfg.Sync.RetryDelays = []config.Duration{config.Duration(time.Millisecond)}
	cfg.Resilience.Retry.MaxRetries = 0
	cfg.Resilience.Retry.BaseDelay = config.Duration(time.Millisecond)
	return cfg
}

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(testConfig(), &stubTransport{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func backendReq(op string) ExecuteRequest {
	return ExecuteRequest{
		Operation: op,
		AgentType: "search",
		UseCache:  true,
		AllowEdge: false,
	}
}

func TestBackendSuccessThenCacheHit(t *testing.T) {
	o := testOrchestrator(t)
	calls := 0
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		calls++
		return "result-" + op, nil
	})

	first := o.Execute(context.Background(), backendReq("query"))
	if first.Status != StatusSuccess {
		t.Fatalf("first call: %s (%s)", first.Status, first.Error)
	}
	if first.CacheHit {
		t.Error("first call reported a cache hit")
	}
	if first.ExecutionLocation != "backend" {
		t.Errorf("first call ran at %q", first.ExecutionLocation)
	}

	second := o.Execute(context.Background(), backendReq("query"))
	if second.Status != StatusSuccess || !second.CacheHit {
		t.Fatalf("second call: status %s, cache_hit %v", second.Status, second.CacheHit)
	}
	if second.Result != "result-query" {
		t.Errorf("cached result = %v", second.Result)
	}
	if calls != 1 {
		t.Errorf("backend called %d times, want 1", calls)
	}
}

func TestDistinctParametersMissCache(t *testing.T) {
	o := testOrchestrator(t)
	calls := 0
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		calls++
		return params["q"], nil
	})

	a := backendReq("query")
	a.Parameters = map[string]interface{}{"q": "widgets"}
	b := backendReq("query")
	b.Parameters = map[string]interface{}{"q": "gadgets"}

	o.Execute(context.Background(), a)
	o.Execute(context.Background(), b)
	if calls != 2 {
		t.Errorf("backend called %d times, want 2", calls)
	}
}

func TestValidationFailureShortCircuits(t *testing.T) {
	o := testOrchestrator(t)
	called := false
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		called = true
		return nil, nil
	})

	req := backendReq("query")
	req.RequireValidation = true
	req.Parameters = map[string]interface{}{"q": "' OR 1=1 --"}

	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusValidationFailed {
		t.Fatalf("status = %s", resp.Status)
	}
	if len(resp.Issues) == 0 {
		t.Fatal("no issues reported")
	}
	for _, issue := range resp.Issues {
		if strings.Contains(issue, "OR 1=1") {
			t.Error("issue leaked the raw value")
		}
	}
	if called {
		t.Error("backend ran despite validation failure")
	}
}

func TestValidationSanitizesParameters(t *testing.T) {
	o := testOrchestrator(t)
	var seen string
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		seen = params["q"].(string)
		return "ok", nil
	})

	req := backendReq("query")
	req.RequireValidation = true
	req.UseCache = false
	req.Parameters = map[string]interface{}{"q": "  widgets  "}

	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", resp.Status, resp.Error)
	}
	if seen != "widgets" {
		t.Errorf("backend saw %q, want trimmed value", seen)
	}
	if !resp.Validated {
		t.Error("response not marked validated")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return nil, resilience.NewPermanentError("backend down")
	})

	req := backendReq("query")
	req.UseCache = false
	for i := 0; i < 5; i++ {
		resp := o.Execute(context.Background(), req)
		if resp.Status != StatusError {
			t.Fatalf("call %d: status %s", i+1, resp.Status)
		}
	}

	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusCircuitOpen {
		t.Fatalf("status after threshold = %s", resp.Status)
	}
	if resp.RetryAfter <= 0 {
		t.Errorf("retry_after = %v", resp.RetryAfter)
	}
}

func TestDegradedFallbackServesDefault(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return nil, resilience.NewPermanentError("backend down")
	})
	o.SetFallbackValue("search", "query", "stale-but-usable")

	req := backendReq("query")
	req.UseCache = false
	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %s (%s)", resp.Status, resp.Error)
	}
	if resp.Result != "stale-but-usable" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestLastGoodResultServedOnFailure(t *testing.T) {
	o := testOrchestrator(t)
	healthy := true
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		if healthy {
			return "fresh", nil
		}
		return nil, resilience.NewPermanentError("backend down")
	})

	req := backendReq("query")
	req.UseCache = false
	if resp := o.Execute(context.Background(), req); resp.Status != StatusSuccess {
		t.Fatalf("warm-up call: %s", resp.Status)
	}

	healthy = false
	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %s (%s)", resp.Status, resp.Error)
	}
	if resp.Result != "fresh" {
		t.Errorf("result = %v, want last good value", resp.Result)
	}
}

func TestOfflineBackendRequestQueued(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		t.Fatal("backend ran while offline")
		return nil, nil
	})
	o.SetOnline(false)

	resp := o.Execute(context.Background(), backendReq("query"))
	if resp.Status != StatusQueued {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.RequestID == "" {
		t.Error("queued response has no request id")
	}
	if n := o.SyncEngine().Queue().Len(); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}

func TestEdgeHandlerRunsLocally(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterEdgeHandler("search", "query", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "edge-result", nil
	})

	loc := router.LocationEdge
	req := backendReq("query")
	req.AllowEdge = true
	req.UseCache = false
	req.ForceLocation = &loc

	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", resp.Status, resp.Error)
	}
	if resp.ExecutionLocation != "edge" {
		t.Errorf("ran at %q", resp.ExecutionLocation)
	}
	if resp.Result != "edge-result" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestEdgeDecisionFallsBackWithoutHandler(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return "backend-result", nil
	})

	loc := router.LocationEdge
	req := backendReq("query")
	req.AllowEdge = true
	req.UseCache = false
	req.ForceLocation = &loc

	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusSuccess || resp.ExecutionLocation != "backend" {
		t.Fatalf("status %s at %q", resp.Status, resp.ExecutionLocation)
	}
}

func TestCacheHitReportsEdgeLocation(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	if resp := o.Execute(context.Background(), backendReq("query")); resp.Status != StatusSuccess {
		t.Fatalf("warm-up call: %s (%s)", resp.Status, resp.Error)
	}

	resp := o.Execute(context.Background(), backendReq("query"))
	if !resp.CacheHit {
		t.Fatal("expected a cache hit")
	}
	if resp.ExecutionLocation != "edge" {
		t.Errorf("cache hit served at %q, want edge", resp.ExecutionLocation)
	}
}

func TestPerRequestTimeoutDoesNotStick(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return "slow-ok", nil
		}
	})

	tight := backendReq("query")
	tight.UseCache = false
	tight.Timeout = 5 * time.Millisecond
	if resp := o.Execute(context.Background(), tight); resp.Status == StatusSuccess {
		t.Fatal("tight deadline should fail the slow call")
	}

	plain := backendReq("query")
	plain.UseCache = false
	resp := o.Execute(context.Background(), plain)
	if resp.Status != StatusSuccess {
		t.Fatalf("later call inherited the tight deadline: %s (%s)", resp.Status, resp.Error)
	}
	if resp.Result != "slow-ok" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestPreferredLocationBeatsHeuristics(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return "backend-result", nil
	})
	o.RegisterEdgeHandler("search", "query", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "edge-result", nil
	})

	pref := router.LocationEdge
	req := backendReq("query")
	req.AllowEdge = true
	req.UseCache = false
	req.RequiresLLM = true // compute rule alone would pick backend
	req.PreferredLocation = &pref

	resp := o.Execute(context.Background(), req)
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", resp.Status, resp.Error)
	}
	if resp.ExecutionLocation != "edge" || resp.Result != "edge-result" {
		t.Errorf("preference ignored: ran at %q with %v", resp.ExecutionLocation, resp.Result)
	}
}

func TestUnknownAgentErrors(t *testing.T) {
	o := testOrchestrator(t)
	resp := o.Execute(context.Background(), backendReq("query"))
	if resp.Status != StatusError {
		t.Fatalf("status = %s", resp.Status)
	}
	if !strings.Contains(resp.Error, "no backend agent") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestMissingOperationRejected(t *testing.T) {
	o := testOrchestrator(t)
	resp := o.Execute(context.Background(), ExecuteRequest{AgentType: "search"})
	if resp.Status != StatusError {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestQueuedRequestRidesNextSync(t *testing.T) {
	transport := &stubTransport{}
	o, err := New(testConfig(), transport)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.SetOnline(false)
	if resp := o.Execute(context.Background(), backendReq("query")); resp.Status != StatusQueued {
		t.Fatalf("status = %s", resp.Status)
	}

	o.SetOnline(true)
	if err := o.Sync(context.Background(), syncer.DirectionPush); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := o.SyncEngine().Queue().Len(); n != 0 {
		t.Errorf("queue depth after sync = %d", n)
	}
	transport.mu.Lock()
	pushes := transport.pushes
	transport.mu.Unlock()
	if pushes == 0 {
		t.Error("transport never saw the queued request")
	}
}

func TestInitializeShutdownLifecycle(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestGetMetricsSnapshot(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterBackendAgent("search", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	for i := 0; i < 3; i++ {
		o.Execute(context.Background(), backendReq("query"))
	}

	m := o.GetMetrics()
	if m.Requests != 3 {
		t.Errorf("requests = %d", m.Requests)
	}
	if !m.Online {
		t.Error("online = false")
	}
	if m.P95 < m.P50 {
		t.Errorf("p95 %v < p50 %v", m.P95, m.P50)
	}
	if m.Cache.Hits != 2 {
		t.Errorf("cache hits = %d, want 2", m.Cache.Hits)
	}
}

func TestCacheKeyStableAcrossMapOrder(t *testing.T) {
	a := CacheKey("query", map[string]interface{}{"a": 1, "b": "two", "c": true})
	b := CacheKey("query", map[string]interface{}{"c": true, "b": "two", "a": 1})
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
	if c := CacheKey("other", map[string]interface{}{"a": 1}); c == a {
		t.Error("different operations share a key")
	}
}
