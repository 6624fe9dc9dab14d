package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks execute() calls by final status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_requests_total",
		Help: "Total execute requests by final status",
	}, []string{"status"})

	// RequestsByLocation tracks where a request actually ran.
	RequestsByLocation = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_requests_by_location_total",
		Help: "Requests by execution location (edge, backend, cache)",
	}, []string{"location"})

	// RequestLatency tracks end-to-end execute() wall time.
	RequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgecore_request_latency_seconds",
		Help:    "End-to-end execute latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	// RouterDecisions tracks placement decisions by location and rule.
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_router_decisions_total",
		Help: "Placement decisions by location and firing rule",
	}, []string{"location", "reason"})

	// CacheHits / CacheMisses feed the hit-ratio panel.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_cache_hits_total",
		Help: "Cache hits by tier (memory, local)",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_cache_misses_total",
		Help: "Cache misses across both tiers",
	})

	// CacheEntries tracks live entries in the memory tier.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_cache_entries",
		Help: "Live entries in the memory tier",
	})

	// CacheEvictions tracks LRU and expiry evictions.
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_cache_evictions_total",
		Help: "Cache evictions by cause (lru, expired, tag, namespace)",
	}, []string{"cause"})

	// DeltasPending tracks unsynced deltas held by the cache.
	DeltasPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_cache_deltas_pending",
		Help: "Unsynced deltas tracked by the cache",
	})

	// CircuitState reports the breaker state per endpoint (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecore_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"endpoint"})

	// CircuitTransitions counts state transitions per endpoint.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_circuit_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"endpoint", "to"})

	// CircuitRejections counts calls rejected while open.
	CircuitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_circuit_rejections_total",
		Help: "Calls rejected by an open circuit",
	}, []string{"endpoint"})

	// BulkheadActive and BulkheadQueued mirror admission state.
	BulkheadActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecore_bulkhead_active",
		Help: "Calls currently holding a bulkhead slot",
	}, []string{"endpoint"})

	BulkheadQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecore_bulkhead_queued",
		Help: "Calls waiting for a bulkhead slot",
	}, []string{"endpoint"})

	BulkheadRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_bulkhead_rejections_total",
		Help: "Calls rejected by bulkhead admission control",
	}, []string{"endpoint", "reason"}) // reason: full, queue_timeout

	// Retries counts re-attempts made by the retry stage.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_retries_total",
		Help: "Retry attempts by endpoint",
	}, []string{"endpoint"})

	// Timeouts counts deadline expirations raised by the timeout stage.
	Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_timeouts_total",
		Help: "Calls cancelled by the per-call timeout",
	}, []string{"endpoint"})

	// Fallbacks counts fallback values served, by strategy.
	Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_fallbacks_total",
		Help: "Fallback values served by strategy (cached, default, degraded)",
	}, []string{"strategy"})

	// RateLimited counts calls rejected by the per-endpoint limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_rate_limited_total",
		Help: "Calls rejected by the per-endpoint rate limiter",
	}, []string{"endpoint"})

	// SyncBatches tracks sync rounds by direction and outcome.
	SyncBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_sync_batches_total",
		Help: "Sync batches by direction and outcome",
	}, []string{"direction", "outcome"})

	// SyncQueueDepth tracks deltas waiting in the offline queue.
	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_sync_queue_depth",
		Help: "Deltas waiting in the offline queue",
	})

	// SyncConflicts counts conflicts by resolution applied.
	SyncConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_sync_conflicts_total",
		Help: "Sync conflicts by resolution policy applied",
	}, []string{"resolution"})

	// SyncDroppedDeltas counts deltas evicted from a full offline queue.
	SyncDroppedDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_sync_dropped_deltas_total",
		Help: "Deltas dropped from a full offline queue",
	})

	// SyncCompressionSaved accounts bytes saved by batch compression.
	SyncCompressionSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_sync_compression_saved_bytes_total",
		Help: "Bytes saved by gzip batch compression",
	})

	// PredictorPrefetches counts keys stored in the prefetch slot.
	PredictorPrefetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_predictor_prefetches_total",
		Help: "Keys stored in the prefetch slot",
	})

	// PredictorHits / PredictorMisses feed the adaptive threshold.
	PredictorHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_predictor_hits_total",
		Help: "Prefetched keys that were subsequently requested",
	})

	PredictorMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_predictor_misses_total",
		Help: "Prefetched keys that expired unused",
	})

	// PredictorThreshold reports the current confidence threshold.
	PredictorThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_predictor_confidence_threshold",
		Help: "Current adaptive prefetch confidence threshold",
	})

	// ThreatsBlocked counts validator security rejections by kind.
	ThreatsBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_validator_threats_blocked_total",
		Help: "Inputs rejected by security pattern detection",
	}, []string{"kind"})

	// ValidationLatency tracks per-field validation time.
	ValidationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgecore_validator_latency_seconds",
		Help:    "Per-field validation latency",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // 10us to ~40ms
	})

	// ValidationCacheHits counts validator result-cache hits.
	ValidationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_validator_cache_hits_total",
		Help: "Validator result cache hits",
	})

	// CacheWriteErrors counts swallowed cache write failures.
	CacheWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_cache_write_errors_total",
		Help: "Cache write failures swallowed by the orchestrator",
	})

	// TierLatency tracks persistence-hook roundtrip latency.
	TierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgecore_tier_roundtrip_latency_seconds",
		Help:    "Local-tier persistence hook latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"tier"})
)
