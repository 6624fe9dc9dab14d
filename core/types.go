package core

import (
	"context"
	"time"

	"github.com/edgecore/edgecore/router"
)

// Status is the terminal state of one execute call.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusValidationFailed Status = "validation_failed"
	StatusQueued           Status = "queued"
	StatusCircuitOpen      Status = "circuit_open"
	StatusDegraded         Status = "degraded"
	StatusError            Status = "error"
)

// ExecuteRequest is the single public entry point's input.
type ExecuteRequest struct {
	Operation         string                 `json:"operation"`
	AgentType         string                 `json:"agent_type"`
	Parameters        map[string]interface{} `json:"parameters"`
	UserID            string                 `json:"user_id,omitempty"`
	RequireValidation bool                   `json:"require_validation"`
	UseCache          bool                   `json:"use_cache"`
	AllowEdge         bool                   `json:"allow_edge"`
	Timeout           time.Duration          `json:"timeout,omitempty"`

	// Routing hints, passed through to the placement decision.
	PrivacySensitive bool             `json:"privacy_sensitive,omitempty"`
	LatencyCritical  bool             `json:"latency_critical,omitempty"`
	RequiresGPU      bool             `json:"requires_gpu,omitempty"`
	RequiresLLM      bool             `json:"requires_llm,omitempty"`
	BandwidthLimited bool             `json:"bandwidth_limited,omitempty"`
	PayloadSize      int              `json:"payload_size,omitempty"`
	ForceLocation    *router.Location `json:"force_location,omitempty"`

	// PreferredLocation is the user's placement preference; it yields to
	// ForceLocation but beats every heuristic rule.
	PreferredLocation *router.Location `json:"preferred_location,omitempty"`
}

// ExecuteResponse is the single public entry point's output.
type ExecuteResponse struct {
	RequestID         string        `json:"request_id"`
	Status            Status        `json:"status"`
	Result            interface{}   `json:"result,omitempty"`
	Error             string        `json:"error,omitempty"`
	Issues            []string      `json:"issues,omitempty"`
	ExecutionLocation string        `json:"execution_location"`
	EdgeLatency       time.Duration `json:"edge_latency_ms,omitempty"`
	BackendLatency    time.Duration `json:"backend_latency_ms,omitempty"`
	CacheHit          bool          `json:"cache_hit"`
	Validated         bool          `json:"validated"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
}

// EdgeHandler runs an operation locally for one agent type.
type EdgeHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// BackendAgent invokes the remote backend for one agent type. It runs
// under the full resilience stack.
type BackendAgent func(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error)
