package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/edgecore/edgecore/delta"
	"github.com/edgecore/edgecore/observability"
)

// ErrOffline is returned by sync rounds while the engine is offline.
// Deltas stay queued; nothing is lost.
var ErrOffline = errors.New("sync engine is offline")

// LocalStore is the slice of the cache the sync engine needs.
type LocalStore interface {
	DeltasForSync() []delta.Record
	MarkSynced(entityKeys []string)
	ApplyRemote(ctx context.Context, rec delta.Record) error
	LocalChecksum(entityKey string) (string, bool)
	Peek(entityKey string) (interface{}, int64, bool)
}

// Config controls batching, compression, and conflict policy.
type Config struct {
	MaxOfflineQueueSize  int
	MaxBatchSize         int
	CompressionThreshold int
	RetryDelays          []time.Duration
	DefaultResolution    Resolution
}

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() Config {
	return Config{
		MaxOfflineQueueSize:  10000,
		MaxBatchSize:         100,
		CompressionThreshold: 1024,
		RetryDelays:          []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		DefaultResolution:    ServerWins,
	}
}

// Engine owns the offline queue, the authoritative view of backend
// checksums, the version vector, and conflict resolution.
type Engine struct {
	cfg       Config
	nodeID    string
	local     LocalStore
	transport Transport
	queue     *OfflineQueue
	vector    *delta.VersionVector

	mu               sync.Mutex
	online           bool
	backendChecksums map[string]string
	conflicts        []Conflict // awaiting manual resolution
	resolvers        map[string]Resolver
	lastSync         time.Time
	pushed           int64
	pulled           int64
	resolved         int64
}

// NewEngine wires the engine to its local store and transport.
func NewEngine(cfg Config, nodeID string, local LocalStore, transport Transport) *Engine {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 100
	}
	if cfg.DefaultResolution == "" {
		cfg.DefaultResolution = ServerWins
	}
	return &Engine{
		cfg:              cfg,
		nodeID:           nodeID,
		local:            local,
		transport:        transport,
		queue:            NewOfflineQueue(cfg.MaxOfflineQueueSize),
		vector:           delta.NewVersionVector(),
		online:           true,
		backendChecksums: make(map[string]string),
		resolvers:        make(map[string]Resolver),
	}
}

// SetOnline flips connectivity. Going offline stops sync rounds but
// writes keep accumulating in the queue.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
}

// Online reports current connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// RegisterResolver installs a per-entity-type conflict resolver that
// takes precedence over the default policy.
func (e *Engine) RegisterResolver(entityType string, r Resolver) {
	e.mu.Lock()
	e.resolvers[entityType] = r
	e.mu.Unlock()
}

// Vector exposes the engine's version vector.
func (e *Engine) Vector() *delta.VersionVector { return e.vector }

// Queue exposes the offline queue (the cache's write path enqueues
// through the engine, the engine drains on sync).
func (e *Engine) Queue() *OfflineQueue { return e.queue }

// Stage pulls collapsed deltas out of the cache into the offline queue.
// A record already queued from a failed round is refreshed in place, so
// a write landing between rounds replaces the stale payload instead of
// being shadowed by it. Safe to call whether online or not.
func (e *Engine) Stage() int {
	staged := 0
	for _, rec := range e.local.DeltasForSync() {
		if e.queue.Update(rec) {
			continue
		}
		if e.queue.Enqueue(rec) {
			staged++
		}
	}
	return staged
}

// Sync runs one round in the given direction. Bidirectional pushes,
// pulls, resolves conflicts, then pushes again so resolution deltas
// do not wait for the next round.
func (e *Engine) Sync(ctx context.Context, dir Direction) error {
	start := time.Now()
	var err error
	switch dir {
	case DirectionPush:
		err = e.Push(ctx)
	case DirectionPull:
		err = e.Pull(ctx)
	case DirectionBidirectional, "":
		dir = DirectionBidirectional
		if err = e.Push(ctx); err == nil {
			if err = e.Pull(ctx); err == nil {
				if _, rerr := e.ResolveAll(ctx); rerr != nil {
					err = rerr
				} else {
					err = e.Push(ctx)
				}
			}
		}
	default:
		return fmt.Errorf("unknown sync direction %q", dir)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.SyncBatches.WithLabelValues(string(dir), outcome).Inc()
	e.logRound(dir, outcome, time.Since(start), err)

	if err == nil {
		e.mu.Lock()
		e.lastSync = time.Now()
		e.mu.Unlock()
	}
	return err
}

// Push stages pending deltas and ships batches until the queue is
// drained or an unrecoverable error stops the round. Confirmed deltas
// are marked synced in the cache and removed from the queue.
func (e *Engine) Push(ctx context.Context) error {
	if !e.Online() {
		e.Stage()
		return ErrOffline
	}
	e.Stage()

	for {
		batch := e.queue.Drain(e.cfg.MaxBatchSize, nil)
		if len(batch) == 0 {
			return nil
		}

		payload, compressed, _, err := EncodeBatch(batch, e.cfg.CompressionThreshold)
		if err != nil {
			return err
		}

		result, err := e.pushWithRetry(ctx, payload, compressed)
		if err != nil {
			return err
		}

		e.confirm(batch, result.SyncedIDs)
		if result.Success && len(result.SyncedIDs) == 0 {
			// A backend that claims success but confirms nothing would
			// leave the batch queued and this loop spinning.
			return errors.New("push confirmed no deltas")
		}
		if !result.Success {
			// Partial acceptance: the rejected remainder stays queued
			// for the next round rather than spinning here.
			if result.Err != "" {
				return fmt.Errorf("push partially rejected: %s", result.Err)
			}
			return errors.New("push partially rejected")
		}
	}
}

// pushWithRetry walks the configured backoff ladder on transport errors.
func (e *Engine) pushWithRetry(ctx context.Context, payload []byte, compressed bool) (PushResult, error) {
	var lastErr error
	attempts := len(e.cfg.RetryDelays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.cfg.RetryDelays[attempt-1])
			select {
			case <-ctx.Done():
				timer.Stop()
				return PushResult{}, ctx.Err()
			case <-timer.C:
			}
		}
		result, err := e.transport.Push(ctx, payload, compressed)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return PushResult{}, fmt.Errorf("push failed after %d attempts: %w", attempts, lastErr)
}

// confirm marks accepted deltas synced and advances the version vector.
func (e *Engine) confirm(batch []delta.Record, syncedIDs []string) {
	if len(syncedIDs) == 0 {
		return
	}
	idSet := make(map[string]bool, len(syncedIDs))
	for _, id := range syncedIDs {
		idSet[id] = true
	}

	keys := make([]string, 0, len(syncedIDs))
	for _, rec := range batch {
		if !idSet[rec.DeltaID] {
			continue
		}
		keys = append(keys, rec.EntityKey())
		e.mu.Lock()
		if rec.Operation == delta.OpDelete {
			delete(e.backendChecksums, rec.EntityKey())
		} else {
			e.backendChecksums[rec.EntityKey()] = rec.NewChecksum
		}
		e.mu.Unlock()
		e.vector.Increment(e.nodeID)
	}

	e.local.MarkSynced(keys)
	e.queue.Remove(syncedIDs)

	e.mu.Lock()
	e.pushed += int64(len(keys))
	e.mu.Unlock()
}

// Pull fetches backend deltas, applies the non-conflicting ones, and
// parks conflicts for resolution. The backend checksum table the pull
// returns is authoritative and replaces stale knowledge wholesale.
func (e *Engine) Pull(ctx context.Context) error {
	if !e.Online() {
		return ErrOffline
	}

	e.mu.Lock()
	known := make(map[string]string, len(e.backendChecksums))
	for k, v := range e.backendChecksums {
		known[k] = v
	}
	e.mu.Unlock()

	result, err := e.transport.Pull(ctx, known, e.vector.Snapshot())
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("pull rejected: %s", result.Err)
	}

	e.vector.Merge(result.Vector)

	applied := 0
	for _, rec := range result.Deltas {
		key := rec.EntityKey()
		localCS, hasLocal := e.local.LocalChecksum(key)
		prevBackend, observed := known[key]

		if hasLocal && localCS == rec.NewChecksum {
			// Already converged; just note the backend state.
			e.noteBackend(rec)
			continue
		}

		// A conflict needs both sides to have moved: our copy differs
		// from the delta's base, and the local copy itself diverged
		// from the last backend state we observed (or carries an
		// unsynced write). A stale local copy with no pending write
		// is a plain fast-forward, not a conflict.
		localDiverged := (observed && localCS != prevBackend) || e.hasPendingLocal(key)
		if hasLocal && rec.OldChecksum != localCS && localDiverged {
			e.mu.Lock()
			e.conflicts = append(e.conflicts, Conflict{
				EntityKey:       key,
				Remote:          rec,
				LocalChecksum:   localCS,
				BackendChecksum: prevBackend,
				DetectedAt:      time.Now(),
			})
			e.mu.Unlock()
			continue
		}

		if err := e.local.ApplyRemote(ctx, rec); err != nil {
			return fmt.Errorf("applying remote delta for %s: %w", key, err)
		}
		e.noteBackend(rec)
		applied++
	}

	e.mu.Lock()
	for k, cs := range result.BackendChecksums {
		e.backendChecksums[k] = cs
	}
	e.pulled += int64(applied)
	e.mu.Unlock()
	return nil
}

func (e *Engine) noteBackend(rec delta.Record) {
	e.mu.Lock()
	if rec.Operation == delta.OpDelete {
		delete(e.backendChecksums, rec.EntityKey())
	} else {
		e.backendChecksums[rec.EntityKey()] = rec.NewChecksum
	}
	e.mu.Unlock()
}

// hasPendingLocal reports whether an unsynced local delta exists for key.
func (e *Engine) hasPendingLocal(key string) bool {
	if e.queue.containsEntity(key) {
		return true
	}
	for _, rec := range e.local.DeltasForSync() {
		if rec.EntityKey() == key {
			return true
		}
	}
	return false
}

// PendingConflicts returns conflicts awaiting resolution.
func (e *Engine) PendingConflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// ResolveAll applies the configured policy (or a registered per-type
// resolver) to every pending conflict. Manual conflicts stay parked.
func (e *Engine) ResolveAll(ctx context.Context) (int, error) {
	e.mu.Lock()
	pending := e.conflicts
	e.conflicts = nil
	e.mu.Unlock()

	resolved := 0
	var kept []Conflict
	for _, c := range pending {
		res, err := e.resolve(ctx, c)
		if err != nil {
			kept = append(kept, c)
			log.Printf(`{"event":"conflict_resolution_failed","entity":%q,"error":%q}`, c.EntityKey, err.Error())
			continue
		}
		if res == Manual {
			kept = append(kept, c)
			observability.SyncConflicts.WithLabelValues(string(Manual)).Inc()
			continue
		}
		observability.SyncConflicts.WithLabelValues(string(res)).Inc()
		resolved++
	}

	e.mu.Lock()
	e.conflicts = append(e.conflicts, kept...)
	e.resolved += int64(resolved)
	e.mu.Unlock()
	return resolved, nil
}

// ResolveManual settles one parked conflict by entity key with an
// explicit winner (operator or application decision).
func (e *Engine) ResolveManual(ctx context.Context, entityKey string, winner Resolution) error {
	e.mu.Lock()
	idx := -1
	for i, c := range e.conflicts {
		if c.EntityKey == entityKey {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		return fmt.Errorf("no pending conflict for %s", entityKey)
	}
	c := e.conflicts[idx]
	e.conflicts = append(e.conflicts[:idx], e.conflicts[idx+1:]...)
	e.mu.Unlock()

	if err := e.apply(ctx, c, winner, nil); err != nil {
		return err
	}
	observability.SyncConflicts.WithLabelValues(string(winner)).Inc()
	e.mu.Lock()
	e.resolved++
	e.mu.Unlock()
	return nil
}

func (e *Engine) resolve(ctx context.Context, c Conflict) (Resolution, error) {
	e.mu.Lock()
	resolver := e.resolvers[c.Remote.EntityType]
	policy := e.cfg.DefaultResolution
	e.mu.Unlock()

	var merged interface{}
	res := policy
	if resolver != nil {
		var err error
		res, merged, err = resolver(c)
		if err != nil {
			return "", err
		}
	}

	switch res {
	case LastWriteWins:
		res = e.pickByTimestamp(c, true)
	case FirstWriteWins:
		res = e.pickByTimestamp(c, false)
	}

	if res == Manual {
		return Manual, nil
	}
	return res, e.apply(ctx, c, res, merged)
}

// pickByTimestamp reduces the timestamp policies to server or client
// wins. Without a pending local delta to date the local write, the
// server wins. Ties go to the server.
func (e *Engine) pickByTimestamp(c Conflict, newestWins bool) Resolution {
	localTS, ok := e.queue.newestTimestamp(c.EntityKey)
	if !ok {
		for _, rec := range e.local.DeltasForSync() {
			if rec.EntityKey() == c.EntityKey {
				if !ok || rec.Timestamp.After(localTS) {
					localTS = rec.Timestamp
					ok = true
				}
			}
		}
	}
	if !ok {
		return ServerWins
	}
	if newestWins {
		if localTS.After(c.Remote.Timestamp) {
			return ClientWins
		}
		return ServerWins
	}
	if localTS.Before(c.Remote.Timestamp) {
		return ClientWins
	}
	return ServerWins
}

// apply carries out a non-manual resolution.
func (e *Engine) apply(ctx context.Context, c Conflict, res Resolution, merged interface{}) error {
	switch res {
	case ServerWins:
		if err := e.local.ApplyRemote(ctx, c.Remote); err != nil {
			return err
		}
		// The local write lost; drop its pending delta.
		e.local.MarkSynced([]string{c.EntityKey})
		e.queue.removeEntity(c.EntityKey)
		e.noteBackend(c.Remote)
		return nil

	case ClientWins:
		value, version, ok := e.local.Peek(c.EntityKey)
		if !ok {
			// Local copy vanished (deleted or expired); server state stands.
			return e.apply(ctx, c, ServerWins, nil)
		}
		e.supersede(c, value, version)
		e.noteBackend(c.Remote)
		return nil

	case MergeFields:
		if merged == nil {
			var ok bool
			merged, ok = mergeMaps(c.Remote.Data, e.peekValue(c.EntityKey))
			if !ok {
				// Non-mergeable payloads fall back to the server copy.
				return e.apply(ctx, c, ServerWins, nil)
			}
		}
		mergedRec := c.Remote
		mergedRec.Data = merged
		mergedRec.NewChecksum = delta.Checksum(merged)
		mergedRec.NewVersion = c.Remote.NewVersion + 1
		mergedRec.Operation = delta.OpUpdate
		if err := e.local.ApplyRemote(ctx, mergedRec); err != nil {
			return err
		}
		e.local.MarkSynced([]string{c.EntityKey})
		e.queue.removeEntity(c.EntityKey)
		e.supersede(c, merged, mergedRec.NewVersion-1)
		e.noteBackend(c.Remote)
		return nil
	}
	return fmt.Errorf("unhandled resolution %q", res)
}

// supersede queues an Immediate update that rebases the surviving local
// value onto the server's current checksum.
func (e *Engine) supersede(c Conflict, value interface{}, version int64) {
	newVersion := version + 1
	if c.Remote.NewVersion >= newVersion {
		newVersion = c.Remote.NewVersion + 1
	}
	rec := delta.Record{
		DeltaID:     delta.NewID(),
		EntityType:  c.Remote.EntityType,
		EntityID:    c.Remote.EntityID,
		Operation:   delta.OpUpdate,
		OldVersion:  c.Remote.NewVersion,
		NewVersion:  newVersion,
		OldChecksum: c.Remote.NewChecksum,
		NewChecksum: delta.Checksum(value),
		Data:        value,
		Priority:    delta.PriorityImmediate,
		Timestamp:   time.Now(),
	}
	rec.SizeBytes = delta.EstimateSize(rec)
	e.queue.removeEntity(c.EntityKey)
	e.local.MarkSynced([]string{c.EntityKey})
	e.queue.Enqueue(rec)
}

func (e *Engine) peekValue(entityKey string) interface{} {
	v, _, ok := e.local.Peek(entityKey)
	if !ok {
		return nil
	}
	return v
}

// mergeMaps deep-merges two map payloads, client fields overriding
// server fields on scalar collisions.
func mergeMaps(server, client interface{}) (interface{}, bool) {
	sm, ok1 := server.(map[string]interface{})
	cm, ok2 := client.(map[string]interface{})
	if !ok1 || !ok2 {
		return nil, false
	}
	out := make(map[string]interface{}, len(sm)+len(cm))
	for k, v := range sm {
		out[k] = v
	}
	for k, cv := range cm {
		if sv, exists := out[k]; exists {
			if nested, ok := mergeMaps(sv, cv); ok {
				out[k] = nested
				continue
			}
		}
		out[k] = cv
	}
	return out, true
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Online           bool      `json:"online"`
	QueueDepth       int       `json:"queue_depth"`
	Dropped          int64     `json:"dropped"`
	Pushed           int64     `json:"pushed"`
	Pulled           int64     `json:"pulled"`
	Resolved         int64     `json:"conflicts_resolved"`
	PendingConflicts int       `json:"pending_conflicts"`
	LastSync         time.Time `json:"last_sync"`
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Online:           e.online,
		QueueDepth:       e.queue.Len(),
		Dropped:          e.queue.Dropped(),
		Pushed:           e.pushed,
		Pulled:           e.pulled,
		Resolved:         e.resolved,
		PendingConflicts: len(e.conflicts),
		LastSync:         e.lastSync,
	}
}

// logRound emits one structured record per sync round.
func (e *Engine) logRound(dir Direction, outcome string, elapsed time.Duration, err error) {
	record := struct {
		Event     string  `json:"event"`
		Direction string  `json:"direction"`
		Outcome   string  `json:"outcome"`
		Queue     int     `json:"queue_depth"`
		Conflicts int     `json:"pending_conflicts"`
		Ms        float64 `json:"elapsed_ms"`
		Error     string  `json:"error,omitempty"`
	}{
		Event:     "sync_round",
		Direction: string(dir),
		Outcome:   outcome,
		Queue:     e.queue.Len(),
		Ms:        float64(elapsed.Microseconds()) / 1000.0,
	}
	e.mu.Lock()
	record.Conflicts = len(e.conflicts)
	e.mu.Unlock()
	if err != nil {
		record.Error = err.Error()
	}
	if raw, merr := json.Marshal(record); merr == nil {
		log.Printf("%s", raw)
	}
}
