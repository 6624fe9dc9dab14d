// Package core assembles the execution core: one public execute entry
// point in front of the validator, two-tier cache, placement router,
// resilience layer, predictor, and sync engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/edgecore/edgecore/cache"
	"github.com/edgecore/edgecore/config"
	"github.com/edgecore/edgecore/delta"
	"github.com/edgecore/edgecore/observability"
	"github.com/edgecore/edgecore/predict"
	"github.com/edgecore/edgecore/resilience"
	"github.com/edgecore/edgecore/router"
	"github.com/edgecore/edgecore/syncer"
	"github.com/edgecore/edgecore/validate"
)

// latencyWindow bounds the rolling percentile sample.
const latencyWindow = 1000

// queuedNamespace is the entity type under which offline backend
// requests are queued as deferred deltas.
const queuedNamespace = "queued_requests"

// Orchestrator serves execute() and the lifecycle surface.
type Orchestrator struct {
	cfg *config.Config

	validator *validate.Validator
	store     *cache.Manager
	placer    *router.Router
	predictor *predict.Predictor
	exec      *resilience.Executor
	engine    *syncer.Engine

	mu           sync.Mutex
	online       bool
	backends     map[string]BackendAgent // agent_type
	edgeHandlers map[string]EdgeHandler  // "agent_type.operation"
	latencies    []time.Duration
	latencyNext  int
	requests     int64

	syncCh  chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
	started bool
}

// New assembles an orchestrator from configuration. A nil transport
// leaves the sync engine without a backend; sync rounds then fail with
// a transport error but local operation is unaffected.
func New(cfg *config.Config, transport syncer.Transport) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}

	tier, err := buildTier(cfg.Cache)
	if err != nil {
		return nil, err
	}
	store := cache.New(cacheConfig(cfg.Cache), tier)

	strategy, err := router.ParseStrategy(cfg.Router.Strategy)
	if err != nil {
		return nil, err
	}
	placer := router.New(router.Config{
		Strategy:              strategy,
		BackendThresholdBytes: cfg.Router.BackendThresholdBytes,
		OutcomeWindow:         cfg.Router.OutcomeWindow,
	})

	execCfg, err := executorConfig(cfg.Resilience)
	if err != nil {
		return nil, err
	}
	exec := resilience.NewExecutor(execCfg)
	exec.OnHealthChange(func(endpoint string, healthy bool) {
		placer.SetBackendHealth(healthy)
	})

	resolution, err := syncer.ParseResolution(cfg.Sync.DefaultResolution)
	if err != nil {
		return nil, err
	}
	engine := syncer.NewEngine(syncer.Config{
		MaxOfflineQueueSize:  cfg.Sync.MaxOfflineQueueSize,
		MaxBatchSize:         cfg.Sync.MaxBatchSize,
		CompressionThreshold: cfg.Sync.CompressionThreshold,
		RetryDelays:          stdDurations(cfg.Sync.RetryDelays),
		DefaultResolution:    resolution,
	}, nodeID(), store, transport)

	o := &Orchestrator{
		cfg: cfg,
		validator: validate.New(validate.Config{
			CacheTTL:     cfg.Validator.CacheTTL.Std(),
			MaxCacheSize: cfg.Validator.MaxCacheSize,
		}),
		store:        store,
		placer:       placer,
		predictor:    predict.New(predictorConfig(cfg.Predictor)),
		exec:         exec,
		engine:       engine,
		online:       true,
		backends:     make(map[string]BackendAgent),
		edgeHandlers: make(map[string]EdgeHandler),
		latencies:    make([]time.Duration, 0, latencyWindow),
		syncCh:       make(chan struct{}, 1),
	}

	// Write-through sets nudge the background loop into an immediate
	// sync round instead of waiting for the ticker.
	store.SetSyncNotifier(func() {
		select {
		case o.syncCh <- struct{}{}:
		default:
		}
	})
	return o, nil
}

// Initialize starts the supervised background sync loop. Idempotent.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	o.started = true
	o.stopCh = make(chan struct{})
	o.stopped = make(chan struct{})
	go o.syncLoop(o.stopCh, o.stopped)
	return nil
}

// Shutdown stops background work, attempts a final push of pending
// deltas, and releases the cache tier.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.started = false
		close(o.stopCh)
		stopped := o.stopped
		o.mu.Unlock()
		<-stopped
	} else {
		o.mu.Unlock()
	}

	if o.Online() {
		if err := o.engine.Push(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf(`{"event":"shutdown_flush_failed","error":%q}`, err.Error())
		}
	}
	return nil
}

// syncLoop runs periodic sync rounds and reacts to write-through nudges.
func (o *Orchestrator) syncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := o.cfg.Sync.Interval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-o.syncCh:
		}
		if !o.Online() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if err := o.engine.Sync(ctx, syncer.DirectionBidirectional); err != nil {
			log.Printf(`{"event":"background_sync_failed","error":%q}`, err.Error())
		}
		cancel()
	}
}

// SetOnline flips connectivity for the orchestrator and sync engine.
// Coming back online triggers an immediate sync round.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()
	o.engine.SetOnline(online)

	if online && !was {
		select {
		case o.syncCh <- struct{}{}:
		default:
		}
	}
}

// Online reports connectivity.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Sync runs one explicit sync round.
func (o *Orchestrator) Sync(ctx context.Context, dir syncer.Direction) error {
	return o.engine.Sync(ctx, dir)
}

// RegisterBackendAgent installs the backend call for an agent type.
func (o *Orchestrator) RegisterBackendAgent(agentType string, agent BackendAgent) {
	o.mu.Lock()
	o.backends[agentType] = agent
	o.mu.Unlock()
}

// RegisterEdgeHandler installs a local handler for one operation.
func (o *Orchestrator) RegisterEdgeHandler(agentType, operation string, h EdgeHandler) {
	o.mu.Lock()
	o.edgeHandlers[agentType+"."+operation] = h
	o.mu.Unlock()
}

// RegisterDegradedHandler installs a degraded-mode handler consulted
// when the resilience stack gives up on an operation.
func (o *Orchestrator) RegisterDegradedHandler(agentType, operation string, h resilience.DegradedHandler) {
	o.exec.Fallback().RegisterDegraded(resilience.FallbackKey(agentType, operation), h)
}

// SetFallbackValue preregisters a default served when an operation
// fails with no cached result.
func (o *Orchestrator) SetFallbackValue(agentType, operation string, value interface{}) {
	o.exec.Fallback().SetDefault(resilience.FallbackKey(agentType, operation), value)
}

// ForceCircuitOpen pins an agent's breaker open for maintenance.
func (o *Orchestrator) ForceCircuitOpen(agentType string) { o.exec.ForceOpen(agentType) }

// ForceCircuitClose pins an agent's breaker closed.
func (o *Orchestrator) ForceCircuitClose(agentType string) { o.exec.ForceClose(agentType) }

// ResetResilience restores breakers, bulkheads, and fallbacks.
func (o *Orchestrator) ResetResilience() { o.exec.Reset() }

// Cache exposes the cache manager (warming, tag invalidation).
func (o *Orchestrator) Cache() *cache.Manager { return o.store }

// Router exposes the placement router (overrides).
func (o *Orchestrator) Router() *router.Router { return o.placer }

// SyncEngine exposes the sync engine (conflict resolvers, manual
// resolution).
func (o *Orchestrator) SyncEngine() *syncer.Engine { return o.engine }

// RecordUserAction feeds the predictor's pattern learning.
func (o *Orchestrator) RecordUserAction(userID, action string) {
	o.predictor.RecordAction(userID, action, time.Now())
}

// RegisterActionKeys maps a predicted action to the cache keys it needs.
func (o *Orchestrator) RegisterActionKeys(action string, keys []string) {
	o.predictor.RegisterActionKeys(action, keys)
}

// PredictAndPrefetch predicts the user's next actions and stages their
// data keys. Predictor failures never affect request handling.
func (o *Orchestrator) PredictAndPrefetch(userID, currentPage string) []string {
	return o.predictor.Prefetch(userID, predict.Context{CurrentPage: currentPage}, 5)
}

// Execute serves one request end to end.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) ExecuteResponse {
	start := time.Now()
	resp := ExecuteResponse{RequestID: delta.NewID(), Status: StatusError}
	defer func() {
		o.recordLatency(time.Since(start))
		observability.RequestsTotal.WithLabelValues(string(resp.Status)).Inc()
		observability.RequestLatency.Observe(time.Since(start).Seconds())
		if resp.ExecutionLocation != "" {
			observability.RequestsByLocation.WithLabelValues(resp.ExecutionLocation).Inc()
		}
	}()

	if req.Operation == "" || req.AgentType == "" {
		resp.Error = "operation and agent_type are required"
		return resp
	}
	if req.UserID != "" {
		o.predictor.RecordAction(req.UserID, req.Operation, time.Now())
	}

	// (a) Validation.
	if req.RequireValidation {
		issues, sanitized := o.validateParams(req.Parameters)
		if len(issues) > 0 {
			resp.Status = StatusValidationFailed
			resp.Issues = issues
			resp.Validated = true
			return resp
		}
		req.Parameters = sanitized
		resp.Validated = true
	}

	// (b) Cache probe.
	cacheKey := CacheKey(req.Operation, req.Parameters)
	if req.UseCache {
		if value, hit := o.store.Get(ctx, cacheKey, req.AgentType); hit {
			o.predictor.Consume(cache.FullKey(req.AgentType, cacheKey))
			resp.Status = StatusSuccess
			resp.Result = value
			resp.CacheHit = true
			// A cache hit is served on the edge node.
			resp.ExecutionLocation = string(router.LocationEdge)
			return resp
		}
	}

	// (c) Placement.
	decision := o.placer.Decide(router.Request{
		AgentType:        req.AgentType,
		Operation:        req.Operation,
		UserID:           req.UserID,
		Override:         req.ForceLocation,
		UserPreference:   req.PreferredLocation,
		PrivacySensitive: req.PrivacySensitive,
		LatencyCritical:  req.LatencyCritical,
		NetworkAvailable: o.Online(),
		RequiresGPU:      req.RequiresGPU,
		RequiresLLM:      req.RequiresLLM,
		PayloadSize:      req.PayloadSize,
		BandwidthLimited: req.BandwidthLimited,
	})

	if decision.Location == router.LocationEdge && req.AllowEdge {
		if handler := o.edgeHandler(req.AgentType, req.Operation); handler != nil {
			return o.runEdge(ctx, req, resp, handler)
		}
	}
	return o.runBackend(ctx, req, resp, cacheKey)
}

// runEdge executes the registered local handler.
func (o *Orchestrator) runEdge(ctx context.Context, req ExecuteRequest, resp ExecuteResponse, handler EdgeHandler) ExecuteResponse {
	start := time.Now()
	result, err := handler(ctx, req.Parameters)
	elapsed := time.Since(start)
	resp.EdgeLatency = elapsed
	resp.ExecutionLocation = string(router.LocationEdge)
	o.placer.RecordOutcome(req.AgentType, req.Operation, router.LocationEdge, err == nil, elapsed)

	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp
	}
	resp.Status = StatusSuccess
	resp.Result = result
	return resp
}

// runBackend invokes the backend agent under the resilience stack, or
// queues the request when offline.
func (o *Orchestrator) runBackend(ctx context.Context, req ExecuteRequest, resp ExecuteResponse, cacheKey string) ExecuteResponse {
	if !o.Online() {
		return o.queueOffline(req, resp)
	}

	o.mu.Lock()
	agent, ok := o.backends[req.AgentType]
	o.mu.Unlock()
	if !ok {
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("no backend agent registered for %s", req.AgentType)
		return resp
	}

	// A per-request timeout is a deadline on this call only, never a
	// sticky override on the shared timeout stage.
	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, degraded, err := o.exec.Execute(callCtx, req.AgentType, req.Operation, req.Parameters,
		func(cctx context.Context) (interface{}, error) {
			return agent(cctx, req.Operation, req.Parameters)
		})
	elapsed := time.Since(start)
	resp.BackendLatency = elapsed
	resp.ExecutionLocation = string(router.LocationBackend)
	o.placer.RecordOutcome(req.AgentType, req.Operation, router.LocationBackend, err == nil && !degraded, elapsed)

	switch {
	case err == nil && !degraded:
		resp.Status = StatusSuccess
		resp.Result = result
		o.storeResult(ctx, req, cacheKey, result)
		return resp

	case err == nil && degraded:
		resp.Status = StatusDegraded
		resp.Result = result
		return resp
	}

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		resp.Status = StatusCircuitOpen
		resp.RetryAfter = o.exec.RetryAfter(req.AgentType)
		resp.Error = err.Error()
		return resp
	}

	resp.Status = StatusError
	resp.Error = err.Error()
	return resp
}

// queueOffline records the backend request as a deferred delta; it will
// ride the next successful sync.
func (o *Orchestrator) queueOffline(req ExecuteRequest, resp ExecuteResponse) ExecuteResponse {
	payload := map[string]interface{}{
		"operation":  req.Operation,
		"agent_type": req.AgentType,
		"parameters": req.Parameters,
		"user_id":    req.UserID,
	}
	rec := delta.Record{
		DeltaID:     delta.NewID(),
		EntityType:  queuedNamespace,
		EntityID:    resp.RequestID,
		Operation:   delta.OpCreate,
		NewVersion:  1,
		NewChecksum: delta.Checksum(payload),
		Data:        payload,
		Priority:    delta.PriorityDeferred,
		Timestamp:   time.Now(),
	}
	rec.SizeBytes = delta.EstimateSize(rec)
	o.engine.Queue().Enqueue(rec)

	resp.Status = StatusQueued
	resp.ExecutionLocation = string(router.LocationBackend)
	return resp
}

// storeResult writes a successful backend result into the cache and the
// fallback store. Cache write failures are swallowed; a failed request
// must not surface through a bookkeeping error.
func (o *Orchestrator) storeResult(ctx context.Context, req ExecuteRequest, cacheKey string, result interface{}) {
	if req.UseCache {
		if err := o.store.Set(ctx, cacheKey, result, req.AgentType, o.cfg.Cache.DefaultTTL.Std(), nil); err != nil {
			observability.CacheWriteErrors.Inc()
			log.Printf(`{"event":"cache_write_failed","key":%q,"error":%q}`, cacheKey, err.Error())
		}
	}
	o.exec.Fallback().RecordSuccess(resilience.FallbackKey(req.AgentType, req.Operation), result)
}

// validateParams runs every non-internal string parameter through the
// validator. Parameters with a leading underscore are internal plumbing
// and skipped. Returns error-severity issue messages and the sanitized
// parameter set.
func (o *Orchestrator) validateParams(params map[string]interface{}) ([]string, map[string]interface{}) {
	if len(params) == 0 {
		return nil, params
	}
	var issues []string
	sanitized := make(map[string]interface{}, len(params))
	for name, value := range params {
		sanitized[name] = value
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		result := o.validator.Validate(name, str, nil, true)
		if !result.Valid {
			for _, issue := range result.Issues {
				if issue.Severity == validate.SeverityError {
					issues = append(issues, issue.Message)
				}
			}
			continue
		}
		sanitized[name] = result.Sanitized
	}
	return issues, sanitized
}

func (o *Orchestrator) edgeHandler(agentType, operation string) EdgeHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.edgeHandlers[agentType+"."+operation]
}

// CacheKey derives the cache key for an operation and its parameters.
// Canonical JSON sorts parameter keys, so equal parameter sets hash
// identically regardless of map order.
func CacheKey(operation string, params map[string]interface{}) string {
	return operation + ":" + delta.Checksum(map[string]interface{}{
		"operation":  operation,
		"parameters": params,
	})
}

// recordLatency feeds the rolling percentile window.
func (o *Orchestrator) recordLatency(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
	if len(o.latencies) < latencyWindow {
		o.latencies = append(o.latencies, d)
		return
	}
	o.latencies[o.latencyNext] = d
	o.latencyNext = (o.latencyNext + 1) % latencyWindow
}

// Percentiles returns rolling P50/P95 over the last thousand calls.
func (o *Orchestrator) Percentiles() (p50, p95 time.Duration) {
	o.mu.Lock()
	samples := append([]time.Duration(nil), o.latencies...)
	o.mu.Unlock()
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := func(q float64) int {
		i := int(float64(len(samples)) * q)
		if i >= len(samples) {
			i = len(samples) - 1
		}
		return i
	}
	return samples[idx(0.50)], samples[idx(0.95)]
}

// Metrics is the structured snapshot GetMetrics assembles.
type Metrics struct {
	Requests   int64                         `json:"requests"`
	P50        time.Duration                 `json:"p50"`
	P95        time.Duration                 `json:"p95"`
	Online     bool                          `json:"online"`
	Cache      cache.Stats                   `json:"cache"`
	Router     map[string]router.BucketStats `json:"router"`
	Resilience resilience.ExecutorStats      `json:"resilience"`
	Sync       syncer.Stats                  `json:"sync"`
	Predictor  predict.Stats                 `json:"predictor"`
}

// GetMetrics snapshots every subsystem.
func (o *Orchestrator) GetMetrics() Metrics {
	p50, p95 := o.Percentiles()
	o.mu.Lock()
	requests := o.requests
	online := o.online
	o.mu.Unlock()
	return Metrics{
		Requests:   requests,
		P50:        p50,
		P95:        p95,
		Online:     online,
		Cache:      o.store.Stats(),
		Router:     o.placer.Stats(),
		Resilience: o.exec.Stats(),
		Sync:       o.engine.Stats(),
		Predictor:  o.predictor.Stats(),
	}
}

// buildTier constructs the configured local tier. The default is the
// in-process tier; Redis and Postgres are deployment options.
func buildTier(cfg config.CacheConfig) (cache.Tier, error) {
	switch cfg.Tier {
	case "", "memory":
		return nil, nil
	case "redis":
		return cache.NewRedisTier(cfg.RedisAddr, "", 0)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cache.NewPostgresTier(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown cache tier %q", cfg.Tier)
}

func cacheConfig(cfg config.CacheConfig) cache.Config {
	out := cache.DefaultConfig()
	if cfg.MaxMemoryEntries > 0 {
		out.MaxMemoryEntries = cfg.MaxMemoryEntries
	}
	if cfg.DefaultTTL.Std() > 0 {
		out.DefaultTTL = cfg.DefaultTTL.Std()
	}
	out.WriteThrough = cfg.WriteThrough
	if cfg.MaxPendingDeltas > 0 {
		out.MaxPendingDeltas = cfg.MaxPendingDeltas
	}
	if cfg.RetainedUnsynced > 0 {
		out.RetainedUnsynced = cfg.RetainedUnsynced
	}
	return out
}

func predictorConfig(cfg config.PredictorConfig) predict.Config {
	return predict.Config{
		MaxActionsPerUser:   cfg.MaxActionsPerUser,
		MaxPrefetchItems:    cfg.MaxPrefetchItems,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		BigramWeight:        cfg.BigramWeight,
		TrigramWeight:       cfg.TrigramWeight,
		TimeWeight:          cfg.TimeWeight,
		HourWeight:          cfg.HourWeight,
		WeekdayWeight:       cfg.WeekdayWeight,
		Adaptive:            cfg.Adaptive,
		PredictedNeed:       cfg.PredictedNeed.Std(),
	}
}

func executorConfig(cfg config.ResilienceConfig) (resilience.ExecutorConfig, error) {
	strategy, err := resilience.ParseRetryStrategy(cfg.Retry.Strategy)
	if err != nil {
		return resilience.ExecutorConfig{}, err
	}
	return resilience.ExecutorConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold:     cfg.Breaker.FailureThreshold,
			FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
			MinimumCalls:         cfg.Breaker.MinimumCalls,
			WindowTime:           cfg.Breaker.WindowTime.Std(),
			RecoveryTimeout:      cfg.Breaker.RecoveryTimeout.Std(),
			HalfOpenMaxCalls:     cfg.Breaker.HalfOpenMaxCalls,
		},
		Retry: resilience.RetryConfig{
			MaxRetries:   cfg.Retry.MaxRetries,
			Strategy:     strategy,
			BaseDelay:    cfg.Retry.BaseDelay.Std(),
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: cfg.Retry.JitterFactor,
			MaxDelay:     cfg.Retry.MaxDelay.Std(),
		},
		Bulkhead: resilience.BulkheadConfig{
			MaxConcurrent: cfg.Bulkhead.MaxConcurrent,
			MaxQueueSize:  cfg.Bulkhead.MaxQueueSize,
			QueueTimeout:  cfg.Bulkhead.QueueTimeout.Std(),
		},
		Timeout:      cfg.Timeout.Default.Std(),
		LimiterRate:  cfg.Limiter.Rate,
		LimiterBurst: cfg.Limiter.Burst,
	}, nil
}

func stdDurations(in []config.Duration) []time.Duration {
	out := make([]time.Duration, len(in))
	for i, d := range in {
		out[i] = d.Std()
	}
	return out
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "edge-" + delta.NewID()
	}
	return "edge-" + host
}
