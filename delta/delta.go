// Package delta holds the wire-level state change records exchanged
// between the edge cache and the backend sync transport, plus the
// checksum and version vector primitives both sides agree on.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Op is the kind of state change a delta describes.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpPatch  Op = "patch"
)

// Priority orders deltas during queue drain. Lower value drains first.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityDeferred
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Record is one state change. For a given entity, successive records
// chain: each OldChecksum equals the previous NewChecksum.
type Record struct {
	DeltaID     string      `json:"delta_id"`
	EntityType  string      `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	Operation   Op          `json:"operation"`
	OldVersion  int64       `json:"old_version,omitempty"`
	NewVersion  int64       `json:"new_version"`
	OldChecksum string      `json:"old_checksum,omitempty"`
	NewChecksum string      `json:"new_checksum"`
	Data        interface{} `json:"data,omitempty"`
	Patch       interface{} `json:"patch,omitempty"`
	Priority    Priority    `json:"priority"`
	Timestamp   time.Time   `json:"timestamp"`
	Compressed  bool        `json:"compressed"`
	SizeBytes   int         `json:"size_bytes"`

	// Synced is local bookkeeping, never sent on the wire.
	Synced bool `json:"-"`
}

// EntityKey identifies the entity a record belongs to.
func (r *Record) EntityKey() string {
	return r.EntityType + "/" + r.EntityID
}

// entropy is not cryptographic; delta IDs only need uniqueness.
var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewID returns a sortable unique delta ID.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Checksum returns the 16-char lowercase hex prefix of SHA-256 over the
// canonical JSON of v. Both sides of the sync protocol must agree on it.
func Checksum(v interface{}) string {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		// Unserializable values hash their error string; the mismatch
		// will surface as a conflict rather than a silent equality.
		canonical = []byte(fmt.Sprintf("!err:%v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// CanonicalJSON serializes v with object keys sorted at every level.
// Round-tripping through interface{} lets encoding/json sort map keys.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// EstimateSize returns the serialized size of a record's payload.
func EstimateSize(v interface{}) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}
