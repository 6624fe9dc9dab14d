package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/edgecore/edgecore/delta"
)

// Resolution names a conflict resolution policy.
type Resolution string

const (
	ServerWins     Resolution = "server_wins"
	ClientWins     Resolution = "client_wins"
	LastWriteWins  Resolution = "last_write_wins"
	FirstWriteWins Resolution = "first_write_wins"
	MergeFields    Resolution = "merge"
	Manual         Resolution = "manual"
)

// ParseResolution maps a config string to a policy.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ServerWins, ClientWins, LastWriteWins, FirstWriteWins, MergeFields, Manual:
		return Resolution(s), nil
	case "":
		return ServerWins, nil
	}
	return "", fmt.Errorf("unknown conflict resolution %q", s)
}

// Conflict is a pulled delta that disagrees with local state while the
// backend evolved from a version we never observed.
type Conflict struct {
	EntityKey       string       `json:"entity_key"`
	Remote          delta.Record `json:"remote"`
	LocalChecksum   string       `json:"local_checksum"`
	BackendChecksum string       `json:"backend_checksum,omitempty"` // last one we had observed
	DetectedAt      time.Time    `json:"detected_at"`
}

// Resolver decides a conflict for one entity type. It returns the policy
// applied and, for MergeFields, the merged payload.
type Resolver func(c Conflict) (Resolution, interface{}, error)

// PushResult is the backend's answer to a pushed batch. SyncedIDs lists
// the delta IDs the backend accepted; partial success is normal.
type PushResult struct {
	Success   bool     `json:"success"`
	SyncedIDs []string `json:"synced_ids"`
	Err       string   `json:"error,omitempty"`
}

// PullResult carries backend deltas newer than what the client knows,
// plus the authoritative checksum table and the server version vector.
type PullResult struct {
	Success          bool              `json:"success"`
	Deltas           []delta.Record    `json:"deltas"`
	BackendChecksums map[string]string `json:"backend_checksums"`
	Vector           map[string]int64  `json:"vector,omitempty"`
	Err              string            `json:"error,omitempty"`
}

// Transport moves batches between edge and backend. Implementations:
// HTTP and WebSocket.
type Transport interface {
	Push(ctx context.Context, payload []byte, compressed bool) (PushResult, error)
	Pull(ctx context.Context, known map[string]string, vector map[string]int64) (PullResult, error)
	Close() error
}

// Direction selects what a sync round does.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)
