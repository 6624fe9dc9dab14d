package delta

import "sync"

// VersionVector maps entity keys to integer versions and captures the
// partial order between two states of the same data set. A single writer
// lock guards mutation; readers may snapshot.
type VersionVector struct {
	mu       sync.RWMutex
	versions map[string]int64
}

// NewVersionVector returns an empty vector.
func NewVersionVector() *VersionVector {
	return &VersionVector{versions: make(map[string]int64)}
}

// Get returns the current version for the entity key (0 if unseen).
func (v *VersionVector) Get(key string) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.versions[key]
}

// Increment bumps and returns the entity's version.
func (v *VersionVector) Increment(key string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.versions[key]++
	return v.versions[key]
}

// Observe raises the entity's version to at least version.
func (v *VersionVector) Observe(key string, version int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if version > v.versions[key] {
		v.versions[key] = version
	}
}

// Merge folds other into v element-wise (max per key).
func (v *VersionVector) Merge(other map[string]int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, ver := range other {
		if ver > v.versions[k] {
			v.versions[k] = ver
		}
	}
}

// Snapshot copies the current state.
func (v *VersionVector) Snapshot() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]int64, len(v.versions))
	for k, ver := range v.versions {
		out[k] = ver
	}
	return out
}

// Dominates reports whether a >= b for every key in b.
func Dominates(a, b map[string]int64) bool {
	for k, vb := range b {
		if a[k] < vb {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither vector dominates the other.
func Concurrent(a, b map[string]int64) bool {
	return !Dominates(a, b) && !Dominates(b, a)
}
