package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// BulkheadConfig holds admission limits.
type BulkheadConfig struct {
	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration
}

// DefaultBulkheadConfig returns production defaults.
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrent: 10,
		MaxQueueSize:  50,
		QueueTimeout:  5 * time.Second,
	}
}

// Bulkhead bounds concurrent calls per endpoint. A channel semaphore
// carries the slots; a mutex keeps waiter accounting consistent with it.
type Bulkhead struct {
	endpoint string
	cfg      BulkheadConfig
	slots    chan struct{}

	mu         sync.Mutex
	active     int
	queued     int
	rejections int64
}

// NewBulkhead creates a bulkhead for the endpoint.
func NewBulkhead(endpoint string, cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Bulkhead{
		endpoint: endpoint,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Acquire takes a slot, waiting up to QueueTimeout in the bounded queue.
// The caller must Release() after the protected call returns.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	// Fast path: free slot, no queueing.
	select {
	case b.slots <- struct{}{}:
		b.mu.Lock()
		b.active++
		observability.BulkheadActive.WithLabelValues(b.endpoint).Set(float64(b.active))
		b.mu.Unlock()
		return nil
	default:
	}

	b.mu.Lock()
	if b.queued >= b.cfg.MaxQueueSize {
		b.rejections++
		active, queued := b.active, b.queued
		b.mu.Unlock()
		observability.BulkheadRejections.WithLabelValues(b.endpoint, "full").Inc()
		return &BulkheadFullError{Endpoint: b.endpoint, Active: active, Queued: queued}
	}
	b.queued++
	observability.BulkheadQueued.WithLabelValues(b.endpoint).Set(float64(b.queued))
	b.mu.Unlock()

	timer := time.NewTimer(b.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case b.slots <- struct{}{}:
		b.mu.Lock()
		b.queued--
		b.active++
		observability.BulkheadQueued.WithLabelValues(b.endpoint).Set(float64(b.queued))
		observability.BulkheadActive.WithLabelValues(b.endpoint).Set(float64(b.active))
		b.mu.Unlock()
		return nil

	case <-timer.C:
		b.mu.Lock()
		b.queued--
		b.rejections++
		active, queued := b.active, b.queued
		observability.BulkheadQueued.WithLabelValues(b.endpoint).Set(float64(b.queued))
		b.mu.Unlock()
		observability.BulkheadRejections.WithLabelValues(b.endpoint, "queue_timeout").Inc()
		return &BulkheadFullError{Endpoint: b.endpoint, Active: active, Queued: queued}

	case <-ctx.Done():
		b.mu.Lock()
		b.queued--
		observability.BulkheadQueued.WithLabelValues(b.endpoint).Set(float64(b.queued))
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (b *Bulkhead) Release() {
	select {
	case <-b.slots:
	default:
		// Release without Acquire is a programming error; do not underflow.
		return
	}
	b.mu.Lock()
	b.active--
	observability.BulkheadActive.WithLabelValues(b.endpoint).Set(float64(b.active))
	b.mu.Unlock()
}

// BulkheadStats is a point-in-time snapshot for the metrics report.
type BulkheadStats struct {
	Endpoint   string `json:"endpoint"`
	Active     int    `json:"active"`
	Queued     int    `json:"queued"`
	Rejections int64  `json:"rejections"`
}

// Stats snapshots the bulkhead counters.
func (b *Bulkhead) Stats() BulkheadStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BulkheadStats{
		Endpoint:   b.endpoint,
		Active:     b.active,
		Queued:     b.queued,
		Rejections: b.rejections,
	}
}
