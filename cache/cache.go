package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecore/edgecore/delta"
	"github.com/edgecore/edgecore/observability"
)

const shardCount = 16

// Config controls the two-tier cache.
type Config struct {
	MaxMemoryEntries int
	DefaultTTL       time.Duration
	WriteThrough     bool
	MaxPendingDeltas int
	RetainedUnsynced int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMemoryEntries: 10000,
		DefaultTTL:       300 * time.Second,
		WriteThrough:     false,
		MaxPendingDeltas: 10000,
		RetainedUnsynced: 5000,
	}
}

// shard holds one slice of the memory tier. A single writer lock guards
// the entries and the tag index for the keys that hash here.
type shard struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	tagIndex map[string]map[string]bool // tag -> set of full keys
}

// lastState remembers version and checksum for keys whose entries are
// gone, so the delta chain stays intact across deletes.
type lastState struct {
	version  int64
	checksum string
}

// Manager is the two-tier store: sharded memory LRU in front of a
// pluggable local tier, with delta tracking and tag invalidation.
type Manager struct {
	cfg   Config
	local Tier

	shards [shardCount]*shard

	deltaMu sync.Mutex
	pending []delta.Record
	states  map[string]lastState // entity key -> last written version/checksum

	statsMu sync.Mutex
	hits    int64
	misses  int64

	entryCount int64 // atomic

	// onImmediate fires when a write-through set needs an immediate sync.
	onImmediate func()
}

// New creates a cache with the given local tier (nil means in-process).
func New(cfg Config, local Tier) *Manager {
	if local == nil {
		local = NewMemoryTier()
	}
	m := &Manager{
		cfg:    cfg,
		local:  local,
		states: make(map[string]lastState),
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			entries:  make(map[string]*Entry),
			tagIndex: make(map[string]map[string]bool),
		}
	}
	return m
}

// SetSyncNotifier registers the write-through hook.
func (m *Manager) SetSyncNotifier(fn func()) { m.onImmediate = fn }

// fnvHash spreads keys across shards (same hash the state sharding uses).
func fnvHash(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h *= 16777619
		h ^= uint32(s[i])
	}
	return h
}

// FullKey prefixes a key with its namespace.
func FullKey(ns, key string) string { return ns + ":" + key }

// entityFullKey maps a delta entity key (ns/key) onto the cache's full
// key form (ns:key). Every sync-facing lookup goes through here so the
// two notations cannot drift apart.
func entityFullKey(entityKey string) (string, bool) {
	i := strings.IndexByte(entityKey, '/')
	if i < 0 {
		return "", false
	}
	return FullKey(entityKey[:i], entityKey[i+1:]), true
}

func (m *Manager) shardFor(fullKey string) *shard {
	return m.shards[fnvHash(fullKey)%shardCount]
}

// Get consults the memory tier first; on miss, the local tier, promoting
// a hit into memory. Expired entries are evicted lazily on access.
func (m *Manager) Get(ctx context.Context, key, ns string) (interface{}, bool) {
	fk := FullKey(ns, key)
	sh := m.shardFor(fk)
	now := time.Now()

	sh.mu.Lock()
	if e, ok := sh.entries[fk]; ok {
		if e.Expired(now) {
			m.removeLocked(sh, fk, e)
			sh.mu.Unlock()
			m.local.Delete(ctx, fk)
			observability.CacheEvictions.WithLabelValues("expired").Inc()
			m.miss()
			return nil, false
		}
		e.LastAccess = now
		e.AccessCount++
		v := e.Value
		sh.mu.Unlock()
		m.hit("memory")
		return v, true
	}
	sh.mu.Unlock()

	// Local tier lookup with promotion.
	e, ok, err := m.local.Get(ctx, fk)
	if err != nil || !ok {
		m.miss()
		return nil, false
	}
	if e.Expired(now) {
		m.local.Delete(ctx, fk)
		observability.CacheEvictions.WithLabelValues("expired").Inc()
		m.miss()
		return nil, false
	}
	e.LastAccess = now
	e.AccessCount++
	sh.mu.Lock()
	m.insertLocked(sh, fk, e)
	sh.mu.Unlock()
	m.hit("local")
	return e.Value, true
}

// Set stores in both tiers, updates the tag index, and appends a delta:
// create if the key has never been written, update otherwise.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ns string, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	fk := FullKey(ns, key)
	now := time.Now()
	checksum := delta.Checksum(value)

	m.deltaMu.Lock()
	prev, existed := m.states[fk]
	version := prev.version + 1
	m.states[fk] = lastState{version: version, checksum: checksum}
	m.deltaMu.Unlock()

	e := &Entry{
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		Version:    version,
		Checksum:   checksum,
		Tags:       tags,
	}

	sh := m.shardFor(fk)
	sh.mu.Lock()
	if old, ok := sh.entries[fk]; ok {
		m.untagLocked(sh, fk, old)
	}
	m.insertLocked(sh, fk, e)
	for _, tag := range tags {
		set, ok := sh.tagIndex[tag]
		if !ok {
			set = make(map[string]bool)
			sh.tagIndex[tag] = set
		}
		set[fk] = true
	}
	sh.mu.Unlock()

	if err := m.local.Put(ctx, fk, e); err != nil {
		// Local tier failures are non-fatal: memory tier stays authoritative.
		observability.CacheWriteErrors.Inc()
	}

	op := delta.OpUpdate
	var oldVersion int64
	var oldChecksum string
	if !existed {
		op = delta.OpCreate
	} else {
		oldVersion = prev.version
		oldChecksum = prev.checksum
	}
	m.appendDelta(delta.Record{
		DeltaID:     delta.NewID(),
		EntityType:  ns,
		EntityID:    key,
		Operation:   op,
		OldVersion:  oldVersion,
		NewVersion:  version,
		OldChecksum: oldChecksum,
		NewChecksum: checksum,
		Data:        value,
		Priority:    delta.PriorityMedium,
		Timestamp:   now.UTC(),
		SizeBytes:   delta.EstimateSize(value),
	})

	if m.cfg.WriteThrough && m.onImmediate != nil {
		m.onImmediate()
	}
	return nil
}

// Delete removes the key from both tiers and appends a delete delta
// carrying the prior checksum. Deletes still bump the version.
func (m *Manager) Delete(ctx context.Context, key, ns string) bool {
	fk := FullKey(ns, key)

	m.deltaMu.Lock()
	prev, existed := m.states[fk]
	if !existed {
		m.deltaMu.Unlock()
		return false
	}
	version := prev.version + 1
	m.states[fk] = lastState{version: version, checksum: ""}
	m.deltaMu.Unlock()

	sh := m.shardFor(fk)
	sh.mu.Lock()
	if e, ok := sh.entries[fk]; ok {
		m.removeLocked(sh, fk, e)
	}
	sh.mu.Unlock()
	m.local.Delete(ctx, fk)

	m.appendDelta(delta.Record{
		DeltaID:     delta.NewID(),
		EntityType:  ns,
		EntityID:    key,
		Operation:   delta.OpDelete,
		OldVersion:  prev.version,
		NewVersion:  version,
		OldChecksum: prev.checksum,
		Priority:    delta.PriorityMedium,
		Timestamp:   time.Now().UTC(),
	})
	return true
}

// InvalidateByTag removes every key carrying the tag, appending a delete
// delta per key, and returns how many were removed.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) int {
	count := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		keys := make([]string, 0, len(sh.tagIndex[tag]))
		for fk := range sh.tagIndex[tag] {
			keys = append(keys, fk)
		}
		sh.mu.Unlock()

		for _, fk := range keys {
			ns, key := splitKey(fk)
			if m.Delete(ctx, key, ns) {
				count++
				observability.CacheEvictions.WithLabelValues("tag").Inc()
			}
		}
	}
	return count
}

// WarmEntry is one prefetched value. Warming never produces deltas:
// prefetch is not a user mutation.
type WarmEntry struct {
	Key   string
	Ns    string
	Value interface{}
	TTL   time.Duration
	Tags  []string
}

// Warm loads entries into both tiers and the tag index without delta
// tracking. Warmed keys still enter the state table so Delete and tag
// invalidation treat them like any other entry.
func (m *Manager) Warm(ctx context.Context, entries []WarmEntry) {
	now := time.Now()
	for _, w := range entries {
		ttl := w.TTL
		if ttl <= 0 {
			ttl = m.cfg.DefaultTTL
		}
		fk := FullKey(w.Ns, w.Key)
		checksum := delta.Checksum(w.Value)

		m.deltaMu.Lock()
		version := m.states[fk].version + 1
		m.states[fk] = lastState{version: version, checksum: checksum}
		m.deltaMu.Unlock()

		e := &Entry{
			Value:      w.Value,
			CreatedAt:  now,
			LastAccess: now,
			TTL:        ttl,
			Version:    version,
			Checksum:   checksum,
			Tags:       w.Tags,
		}
		sh := m.shardFor(fk)
		sh.mu.Lock()
		if old, ok := sh.entries[fk]; ok {
			m.untagLocked(sh, fk, old)
		}
		m.insertLocked(sh, fk, e)
		for _, tag := range w.Tags {
			set, ok := sh.tagIndex[tag]
			if !ok {
				set = make(map[string]bool)
				sh.tagIndex[tag] = set
			}
			set[fk] = true
		}
		sh.mu.Unlock()
		if err := m.local.Put(ctx, fk, e); err != nil {
			observability.CacheWriteErrors.Inc()
		}
	}
}

// ApplyRemote applies a pulled backend delta to local state without
// generating a new local delta. Version and checksum come from the wire.
func (m *Manager) ApplyRemote(ctx context.Context, rec delta.Record) error {
	fk := FullKey(rec.EntityType, rec.EntityID)

	m.deltaMu.Lock()
	if rec.Operation == delta.OpDelete {
		m.states[fk] = lastState{version: rec.NewVersion, checksum: ""}
	} else {
		m.states[fk] = lastState{version: rec.NewVersion, checksum: rec.NewChecksum}
	}
	m.deltaMu.Unlock()

	sh := m.shardFor(fk)
	if rec.Operation == delta.OpDelete {
		sh.mu.Lock()
		if e, ok := sh.entries[fk]; ok {
			m.removeLocked(sh, fk, e)
		}
		sh.mu.Unlock()
		return m.local.Delete(ctx, fk)
	}

	now := time.Now()
	e := &Entry{
		Value:      rec.Data,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        m.cfg.DefaultTTL,
		Version:    rec.NewVersion,
		Checksum:   rec.NewChecksum,
	}
	sh.mu.Lock()
	m.insertLocked(sh, fk, e)
	sh.mu.Unlock()
	return m.local.Put(ctx, fk, e)
}

// LocalChecksum returns the last written checksum for an entity key.
// The sync layer owns the authoritative backend checksum table; the
// cache only knows its own state.
func (m *Manager) LocalChecksum(entityKey string) (string, bool) {
	fk, ok := entityFullKey(entityKey)
	if !ok {
		return "", false
	}
	m.deltaMu.Lock()
	defer m.deltaMu.Unlock()
	st, ok := m.states[fk]
	if !ok || st.checksum == "" {
		return "", false
	}
	return st.checksum, true
}

// Peek returns the live value and version for an entity key without
// touching hit/miss accounting or recency. The sync layer uses it to
// rebuild client-wins deltas during conflict resolution.
func (m *Manager) Peek(entityKey string) (interface{}, int64, bool) {
	fk, ok := entityFullKey(entityKey)
	if !ok {
		return nil, 0, false
	}
	sh := m.shardFor(fk)

	sh.mu.RLock()
	if e, ok := sh.entries[fk]; ok && !e.Expired(time.Now()) {
		v, ver := e.Value, e.Version
		sh.mu.RUnlock()
		return v, ver, true
	}
	sh.mu.RUnlock()

	e, ok, err := m.local.Get(context.Background(), fk)
	if err != nil || !ok || e.Expired(time.Now()) {
		return nil, 0, false
	}
	return e.Value, e.Version, true
}

// ClearNamespace drops every key in the namespace from both tiers.
func (m *Manager) ClearNamespace(ctx context.Context, ns string) int {
	prefix := ns + ":"
	count := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for fk, e := range sh.entries {
			if len(fk) >= len(prefix) && fk[:len(prefix)] == prefix {
				m.removeLocked(sh, fk, e)
				count++
				observability.CacheEvictions.WithLabelValues("namespace").Inc()
			}
		}
		sh.mu.Unlock()
	}
	m.local.DeleteNamespace(ctx, prefix)
	return count
}

// appendDelta records a pending delta, pruning under write pressure:
// synced deltas are garbage and go first; the newest unsynced survive.
func (m *Manager) appendDelta(rec delta.Record) {
	m.deltaMu.Lock()
	defer m.deltaMu.Unlock()

	m.pending = append(m.pending, rec)
	if len(m.pending) > m.cfg.MaxPendingDeltas {
		unsynced := make([]delta.Record, 0, m.cfg.RetainedUnsynced)
		for i := len(m.pending) - 1; i >= 0 && len(unsynced) < m.cfg.RetainedUnsynced; i-- {
			if !m.pending[i].Synced {
				unsynced = append(unsynced, m.pending[i])
			}
		}
		// Restore chronological order after the reverse scan.
		for i, j := 0, len(unsynced)-1; i < j; i, j = i+1, j-1 {
			unsynced[i], unsynced[j] = unsynced[j], unsynced[i]
		}
		m.pending = unsynced
	}
	observability.DeltasPending.Set(float64(len(m.pending)))
}

// DeltasForSync returns unsynced deltas with per-key runs collapsed:
// create+update fold into one create with the final checksum; a write
// followed by delete folds into one delete carrying the original
// old_checksum. This is the only place deltas are rewritten.
func (m *Manager) DeltasForSync() []delta.Record {
	m.deltaMu.Lock()
	defer m.deltaMu.Unlock()

	collapsed := make(map[string]*delta.Record)
	order := make([]string, 0)

	for i := range m.pending {
		rec := m.pending[i]
		if rec.Synced {
			continue
		}
		key := rec.EntityKey()
		cur, ok := collapsed[key]
		if !ok {
			cp := rec
			collapsed[key] = &cp
			order = append(order, key)
			continue
		}
		switch {
		case rec.Operation == delta.OpDelete:
			cur.Operation = delta.OpDelete
			cur.Data = nil
			cur.Patch = nil
			cur.NewVersion = rec.NewVersion
			cur.NewChecksum = ""
			cur.Timestamp = rec.Timestamp
			cur.SizeBytes = 0
		case cur.Operation == delta.OpCreate:
			// create + update stays a create with the final payload.
			cur.Data = rec.Data
			cur.NewVersion = rec.NewVersion
			cur.NewChecksum = rec.NewChecksum
			cur.Timestamp = rec.Timestamp
			cur.SizeBytes = rec.SizeBytes
		default:
			cur.Operation = rec.Operation
			cur.Data = rec.Data
			cur.Patch = rec.Patch
			cur.NewVersion = rec.NewVersion
			cur.NewChecksum = rec.NewChecksum
			cur.Timestamp = rec.Timestamp
			cur.SizeBytes = rec.SizeBytes
		}
	}

	out := make([]delta.Record, 0, len(order))
	for _, key := range order {
		out = append(out, *collapsed[key])
	}
	return out
}

// MarkSynced flags every pending delta for the given entity keys as
// synced and drops them from the pending list.
func (m *Manager) MarkSynced(entityKeys []string) {
	keySet := make(map[string]bool, len(entityKeys))
	for _, k := range entityKeys {
		keySet[k] = true
	}

	m.deltaMu.Lock()
	defer m.deltaMu.Unlock()
	kept := m.pending[:0]
	for _, rec := range m.pending {
		if keySet[rec.EntityKey()] {
			continue
		}
		kept = append(kept, rec)
	}
	m.pending = kept
	observability.DeltasPending.Set(float64(len(m.pending)))
}

// Stats is the cache subtree of the metrics report.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRatio      float64 `json:"hit_ratio"`
	Entries       int     `json:"entries"`
	DeltasPending int     `json:"deltas_pending"`
}

// Stats snapshots cache counters.
func (m *Manager) Stats() Stats {
	entries := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		entries += len(sh.entries)
		sh.mu.RUnlock()
	}
	m.deltaMu.Lock()
	pending := len(m.pending)
	m.deltaMu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	total := m.hits + m.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(m.hits) / float64(total)
	}
	return Stats{
		Hits:          m.hits,
		Misses:        m.misses,
		HitRatio:      ratio,
		Entries:       entries,
		DeltasPending: pending,
	}
}

// insertLocked adds an entry to the shard, evicting the least recently
// used entry when the shard is at capacity. Caller holds the shard lock.
func (m *Manager) insertLocked(sh *shard, fk string, e *Entry) {
	perShard := m.cfg.MaxMemoryEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}
	if _, exists := sh.entries[fk]; !exists && len(sh.entries) >= perShard {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, cur := range sh.entries {
			if first || cur.LastAccess.Before(oldestTime) {
				oldestKey = k
				oldestTime = cur.LastAccess
				first = false
			}
		}
		if oldestKey != "" {
			m.removeLocked(sh, oldestKey, sh.entries[oldestKey])
			observability.CacheEvictions.WithLabelValues("lru").Inc()
		}
	}
	if _, exists := sh.entries[fk]; !exists {
		observability.CacheEntries.Set(float64(atomic.AddInt64(&m.entryCount, 1)))
	}
	sh.entries[fk] = e
}

// removeLocked drops an entry and its tag index references.
// Caller holds the shard lock.
func (m *Manager) removeLocked(sh *shard, fk string, e *Entry) {
	m.untagLocked(sh, fk, e)
	if _, exists := sh.entries[fk]; exists {
		observability.CacheEntries.Set(float64(atomic.AddInt64(&m.entryCount, -1)))
	}
	delete(sh.entries, fk)
}

func (m *Manager) untagLocked(sh *shard, fk string, e *Entry) {
	for _, tag := range e.Tags {
		if set, ok := sh.tagIndex[tag]; ok {
			delete(set, fk)
			if len(set) == 0 {
				delete(sh.tagIndex, tag)
			}
		}
	}
}

func (m *Manager) hit(tier string) {
	m.statsMu.Lock()
	m.hits++
	m.statsMu.Unlock()
	observability.CacheHits.WithLabelValues(tier).Inc()
}

func (m *Manager) miss() {
	m.statsMu.Lock()
	m.misses++
	m.statsMu.Unlock()
	observability.CacheMisses.Inc()
}

func splitKey(fk string) (ns, key string) {
	for i := 0; i < len(fk); i++ {
		if fk[i] == ':' {
			return fk[:i], fk[i+1:]
		}
	}
	return "", fk
}
