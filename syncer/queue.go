package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/edgecore/edgecore/delta"
	"github.com/edgecore/edgecore/observability"
)

// OfflineQueue is the bounded delta queue drained by sync rounds.
// FIFO within a priority class; classes are strictly ordered on drain.
type OfflineQueue struct {
	mu      sync.Mutex
	records []delta.Record
	maxSize int
	dropped int64
}

// NewOfflineQueue creates a queue bounded at maxSize deltas.
func NewOfflineQueue(maxSize int) *OfflineQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &OfflineQueue{maxSize: maxSize}
}

// Enqueue appends a delta. On overflow the oldest non-Immediate delta is
// dropped and counted; Immediate deltas neither evict others when the
// queue holds only Immediate work, nor are ever evicted themselves.
func (q *OfflineQueue) Enqueue(rec delta.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) >= q.maxSize {
		victim := -1
		for i, r := range q.records {
			if r.Priority != delta.PriorityImmediate {
				victim = i
				break
			}
		}
		if victim == -1 {
			// Queue is all Immediate work; the newcomer loses instead.
			q.dropped++
			observability.SyncDroppedDeltas.Inc()
			return false
		}
		q.records = append(q.records[:victim], q.records[victim+1:]...)
		q.dropped++
		observability.SyncDroppedDeltas.Inc()
	}

	q.records = append(q.records, rec)
	observability.SyncQueueDepth.Set(float64(len(q.records)))
	return true
}

// Drain returns up to max deltas ordered by priority then timestamp,
// leaving them queued until Remove confirms the sync. A non-nil priority
// filter restricts the drain to one class.
func (q *OfflineQueue) Drain(max int, priority *delta.Priority) []delta.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]delta.Record, 0, len(q.records))
	for _, r := range q.records {
		if priority != nil && r.Priority != *priority {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// Remove deletes the deltas with the given IDs (after a confirmed push).
func (q *OfflineQueue) Remove(ids []string) int {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	removed := 0
	for _, r := range q.records {
		if idSet[r.DeltaID] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	q.records = kept
	observability.SyncQueueDepth.Set(float64(len(q.records)))
	return removed
}

// Update replaces the queued delta carrying the same ID. Re-staging
// after a failed round uses this to pick up a collapsed record whose
// payload moved while the old copy sat in the queue.
func (q *OfflineQueue) Update(rec delta.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.records {
		if r.DeltaID == rec.DeltaID {
			q.records[i] = rec
			return true
		}
	}
	return false
}

// Contains reports whether a delta ID is still queued.
func (q *OfflineQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.records {
		if r.DeltaID == id {
			return true
		}
	}
	return false
}

// containsEntity reports whether any queued delta touches the entity.
func (q *OfflineQueue) containsEntity(entityKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.records {
		if r.EntityKey() == entityKey {
			return true
		}
	}
	return false
}

// newestTimestamp returns the latest queued timestamp for the entity.
func (q *OfflineQueue) newestTimestamp(entityKey string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var newest time.Time
	found := false
	for _, r := range q.records {
		if r.EntityKey() == entityKey && (!found || r.Timestamp.After(newest)) {
			newest = r.Timestamp
			found = true
		}
	}
	return newest, found
}

// removeEntity drops every queued delta for the entity (conflict lost).
func (q *OfflineQueue) removeEntity(entityKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	removed := 0
	for _, r := range q.records {
		if r.EntityKey() == entityKey {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	q.records = kept
	observability.SyncQueueDepth.Set(float64(len(q.records)))
	return removed
}

// Len returns the current queue depth.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Dropped returns how many deltas overflow has discarded.
func (q *OfflineQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
