package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Entry is one cached value with the bookkeeping the sync protocol needs.
type Entry struct {
	Value       interface{}   `json:"value"`
	CreatedAt   time.Time     `json:"created_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	AccessCount int64         `json:"access_count"`
	Version     int64         `json:"version"`
	Checksum    string        `json:"checksum"`
	Tags        []string      `json:"tags,omitempty"`
}

// Expired reports whether the entry has outlived its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	return &cp
}

// Tier is the persistence hook behind the memory tier. The default is
// in-process; Redis and Postgres implementations are optional plugins.
type Tier interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	DeleteNamespace(ctx context.Context, prefix string) error
	Close() error
}

// MemoryTier is the default in-process local tier.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryTier creates an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]*Entry)}
}

func (t *MemoryTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (t *MemoryTier) Put(ctx context.Context, key string, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = e.clone()
	return nil
}

func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

func (t *MemoryTier) DeleteNamespace(ctx context.Context, prefix string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
		}
	}
	return nil
}

func (t *MemoryTier) Close() error { return nil }
