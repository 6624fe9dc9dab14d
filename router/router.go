// Package router decides where each request runs: on the edge, or on
// the backend behind the resilience layer. Rules are ordered; the first
// one that fires wins, and only when none fire does the configured
// strategy pick a side from observed outcomes.
package router

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// Location is where a request executes.
type Location string

const (
	LocationEdge    Location = "edge"
	LocationBackend Location = "backend"
)

// Strategy selects the default when no hard rule fires.
type Strategy string

const (
	StrategyAdaptive         Strategy = "adaptive"
	StrategyPrivacyFirst     Strategy = "privacy_first"
	StrategyLatencyOptimized Strategy = "latency_optimized"
	StrategyCostOptimized    Strategy = "cost_optimized"
)

// ParseStrategy maps a config string to a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAdaptive, StrategyPrivacyFirst, StrategyLatencyOptimized, StrategyCostOptimized:
		return Strategy(s), nil
	case "":
		return StrategyAdaptive, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// Request carries everything a placement decision looks at.
type Request struct {
	AgentType        string
	Operation        string
	UserID           string
	Override         *Location // explicit per-request override
	UserPreference   *Location
	PrivacySensitive bool
	LatencyCritical  bool
	NetworkAvailable bool
	RequiresGPU      bool
	RequiresLLM      bool
	PayloadSize      int
	BandwidthLimited bool
}

// Decision is the router's answer.
type Decision struct {
	Location Location `json:"location"`
	Reason   string   `json:"reason"`
	Score    float64  `json:"score"`
}

// Config controls the router.
type Config struct {
	Strategy              Strategy
	BackendThresholdBytes int // payload size above which rule 7 fires
	OutcomeWindow         int // latency samples retained per bucket
}

// DefaultRouterConfig returns the documented defaults.
func DefaultRouterConfig() Config {
	return Config{
		Strategy:              StrategyAdaptive,
		BackendThresholdBytes: 100 * 1024,
		OutcomeWindow:         10000,
	}
}

// emaAlpha weights recent outcomes. 0.1 smooths over roughly the last
// twenty calls.
const emaAlpha = 0.1

// bucket accumulates outcomes for one (agent_type, operation, location).
type bucket struct {
	count       int64
	successEMA  float64
	latencyEMA  float64 // milliseconds
	latencies   []float64
	latencyNext int
}

// Router produces placement decisions and learns from outcomes.
type Router struct {
	cfg Config

	mu             sync.Mutex
	buckets        map[string]*bucket
	overrides      map[string]Location // "agent.op" -> forced location
	backendHealthy bool
}

// New creates a router. The backend starts healthy.
func New(cfg Config) *Router {
	if cfg.BackendThresholdBytes <= 0 {
		cfg.BackendThresholdBytes = 100 * 1024
	}
	if cfg.OutcomeWindow <= 0 {
		cfg.OutcomeWindow = 10000
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	return &Router{
		cfg:            cfg,
		buckets:        make(map[string]*bucket),
		overrides:      make(map[string]Location),
		backendHealthy: true,
	}
}

// SetOverride forces a location for one agent_type/operation pair.
func (r *Router) SetOverride(agentType, operation string, loc Location) {
	r.mu.Lock()
	r.overrides[agentType+"."+operation] = loc
	r.mu.Unlock()
}

// ClearOverride removes a forced location.
func (r *Router) ClearOverride(agentType, operation string) {
	r.mu.Lock()
	delete(r.overrides, agentType+"."+operation)
	r.mu.Unlock()
}

// SetBackendHealth is wired to the resilience layer's health callback.
// While the backend is unhealthy, strategy defaults resolve to Edge.
func (r *Router) SetBackendHealth(healthy bool) {
	r.mu.Lock()
	r.backendHealthy = healthy
	r.mu.Unlock()
}

// Decide evaluates the rules in order and returns the first that fires.
func (r *Router) Decide(req Request) Decision {
	d := r.decide(req)
	observability.RouterDecisions.WithLabelValues(string(d.Location), d.Reason).Inc()
	r.logDecision(req, d)
	return d
}

func (r *Router) decide(req Request) Decision {
	if req.Override != nil {
		return Decision{Location: *req.Override, Reason: "override", Score: 1.0}
	}
	r.mu.Lock()
	forced, hasForced := r.overrides[req.AgentType+"."+req.Operation]
	r.mu.Unlock()
	if hasForced {
		return Decision{Location: forced, Reason: "override", Score: 1.0}
	}
	if req.UserPreference != nil {
		return Decision{Location: *req.UserPreference, Reason: "user_preference", Score: 1.0}
	}
	if req.PrivacySensitive {
		return Decision{Location: LocationEdge, Reason: "privacy", Score: 1.0}
	}
	if req.LatencyCritical {
		return Decision{Location: LocationEdge, Reason: "latency_critical", Score: 1.0}
	}
	if !req.NetworkAvailable {
		return Decision{Location: LocationEdge, Reason: "offline", Score: 1.0}
	}
	if req.RequiresGPU || req.RequiresLLM {
		return Decision{Location: LocationBackend, Reason: "requires_compute", Score: 1.0}
	}
	if req.PayloadSize > r.cfg.BackendThresholdBytes {
		return Decision{Location: LocationBackend, Reason: "payload_size", Score: 1.0}
	}
	if req.BandwidthLimited {
		return Decision{Location: LocationEdge, Reason: "bandwidth", Score: 1.0}
	}

	r.mu.Lock()
	healthy := r.backendHealthy
	r.mu.Unlock()
	if !healthy {
		return Decision{Location: LocationEdge, Reason: "backend_unhealthy", Score: 1.0}
	}

	return r.strategyDefault(req)
}

func (r *Router) strategyDefault(req Request) Decision {
	switch r.cfg.Strategy {
	case StrategyPrivacyFirst:
		return Decision{Location: LocationEdge, Reason: "strategy_privacy_first", Score: 1.0}
	case StrategyCostOptimized:
		// Backend-only rules already had their chance to fire.
		return Decision{Location: LocationEdge, Reason: "strategy_cost", Score: 1.0}
	case StrategyLatencyOptimized:
		return r.pickByP95(req)
	default:
		return r.pickAdaptive(req)
	}
}

// pickAdaptive scores both locations from their EMAs: success rate
// discounted by observed latency. Unknown sides score a neutral prior
// that mildly favors the edge.
func (r *Router) pickAdaptive(req Request) Decision {
	edge := r.score(req, LocationEdge, 0.55)
	backend := r.score(req, LocationBackend, 0.50)
	if backend > edge {
		return Decision{Location: LocationBackend, Reason: "strategy_adaptive", Score: backend}
	}
	return Decision{Location: LocationEdge, Reason: "strategy_adaptive", Score: edge}
}

func (r *Router) score(req Request, loc Location, prior float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[bucketKey(req.AgentType, req.Operation, loc)]
	if !ok || b.count == 0 {
		return prior
	}
	// Latency discount halves the score at 100 ms.
	return b.successEMA * (100.0 / (100.0 + b.latencyEMA))
}

// pickByP95 chooses the side with the lower recent P95. Missing data on
// either side defaults to Edge.
func (r *Router) pickByP95(req Request) Decision {
	edgeP95, edgeOK := r.p95(req.AgentType, req.Operation, LocationEdge)
	backendP95, backendOK := r.p95(req.AgentType, req.Operation, LocationBackend)
	if edgeOK && backendOK && backendP95 < edgeP95 {
		return Decision{Location: LocationBackend, Reason: "strategy_latency", Score: edgeP95 - backendP95}
	}
	return Decision{Location: LocationEdge, Reason: "strategy_latency", Score: 1.0}
}

// RecordOutcome feeds an observed call back into the router's EMAs.
func (r *Router) RecordOutcome(agentType, operation string, loc Location, success bool, latency time.Duration) {
	key := bucketKey(agentType, operation, loc)
	ms := float64(latency.Microseconds()) / 1000.0

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{latencies: make([]float64, 0, 64)}
		r.buckets[key] = b
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if b.count == 0 {
		b.successEMA = outcome
		b.latencyEMA = ms
	} else {
		b.successEMA = emaAlpha*outcome + (1-emaAlpha)*b.successEMA
		b.latencyEMA = emaAlpha*ms + (1-emaAlpha)*b.latencyEMA
	}
	b.count++

	// Ring buffer: only the newest OutcomeWindow samples feed P95.
	if len(b.latencies) < r.cfg.OutcomeWindow {
		b.latencies = append(b.latencies, ms)
	} else {
		b.latencies[b.latencyNext] = ms
		b.latencyNext = (b.latencyNext + 1) % r.cfg.OutcomeWindow
	}
}

// p95 computes the 95th percentile latency for one bucket.
func (r *Router) p95(agentType, operation string, loc Location) (float64, bool) {
	r.mu.Lock()
	b, ok := r.buckets[bucketKey(agentType, operation, loc)]
	if !ok || len(b.latencies) == 0 {
		r.mu.Unlock()
		return 0, false
	}
	samples := append([]float64(nil), b.latencies...)
	r.mu.Unlock()

	sort.Float64s(samples)
	idx := int(float64(len(samples)) * 0.95)
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx], true
}

// BucketStats is a snapshot of one outcome bucket.
type BucketStats struct {
	Count      int64   `json:"count"`
	SuccessEMA float64 `json:"success_ema"`
	LatencyEMA float64 `json:"latency_ema_ms"`
}

// Stats returns a snapshot of every outcome bucket.
func (r *Router) Stats() map[string]BucketStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BucketStats, len(r.buckets))
	for k, b := range r.buckets {
		out[k] = BucketStats{Count: b.count, SuccessEMA: b.successEMA, LatencyEMA: b.latencyEMA}
	}
	return out
}

func bucketKey(agentType, operation string, loc Location) string {
	return agentType + "|" + operation + "|" + string(loc)
}

// logDecision emits one structured record per placement decision.
func (r *Router) logDecision(req Request, d Decision) {
	record := struct {
		Event     string   `json:"event"`
		AgentType string   `json:"agent_type"`
		Operation string   `json:"operation"`
		Location  Location `json:"location"`
		Reason    string   `json:"reason"`
		Score     float64  `json:"score"`
	}{"placement_decision", req.AgentType, req.Operation, d.Location, d.Reason, d.Score}
	if raw, err := json.Marshal(record); err == nil {
		log.Printf("%s", raw)
	}
}
