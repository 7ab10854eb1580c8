package executor

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/carp"
)

// Status is the lifecycle state of an action execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Grant is an authorization to execute one action from a resolution. Grants
// are exclusively owned by the executor and live until expiry, explicit
// rejection, or retention purge.
type Grant struct {
	GrantID          uuid.UUID               `json:"grant_id"`
	ResolutionID     uuid.UUID               `json:"resolution_id"`
	ActionID         string                  `json:"action_id"`
	Kind             carp.ActionKind         `json:"kind"`
	Adapter          string                  `json:"adapter"`
	Schema           map[string]any          `json:"schema"`
	Constraints      []carp.ActionConstraint `json:"constraints,omitempty"`
	RequiresApproval bool                    `json:"requires_approval"`
	Approved         bool                    `json:"approved"`
	ApprovedBy       string                  `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time              `json:"approved_at,omitempty"`
	TimeoutMS        int                     `json:"timeout_ms"`
	ExpiresAt        time.Time               `json:"expires_at"`
	CreatedAt        time.Time               `json:"created_at"`
}

// ExecError is the structured error recorded on a failed execution.
type ExecError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Execution records one dispatch of a granted action.
type Execution struct {
	ExecutionID    uuid.UUID      `json:"execution_id"`
	GrantID        uuid.UUID      `json:"grant_id"`
	SessionID      uuid.UUID      `json:"session_id"`
	ActionID       string         `json:"action_id"`
	Parameters     map[string]any `json:"parameters"`
	ParametersHash string         `json:"parameters_hash"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	ResultHash     string         `json:"result_hash,omitempty"`
	Error          *ExecError     `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMS     *int64         `json:"duration_ms,omitempty"`
	TraceID        uuid.UUID      `json:"trace_id"`
	SpanID         uuid.UUID      `json:"span_id"`
}

// GrantRequest creates a grant for one allowed action.
type GrantRequest struct {
	SessionID        uuid.UUID
	TraceID          uuid.UUID
	ResolutionID     uuid.UUID
	ActionID         string
	Kind             carp.ActionKind
	Adapter          string
	Schema           map[string]any
	Constraints      []carp.ActionConstraint
	RequiresApproval bool
	TimeoutMS        int
	TTLSeconds       int
}

// ExecuteRequest asks for one invocation of a granted action.
type ExecuteRequest struct {
	SessionID    uuid.UUID      `json:"session_id"`
	ResolutionID uuid.UUID      `json:"resolution_id"`
	ActionID     string         `json:"action_id"`
	Parameters   map[string]any `json:"parameters"`
	TraceID      uuid.UUID      `json:"trace_id"`
	SpanID       uuid.UUID      `json:"span_id"`
	ParentSpanID *uuid.UUID     `json:"parent_span_id,omitempty"`
}

// ExecuteResponse is the outcome of one invocation.
type ExecuteResponse struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Status      Status         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *ExecError     `json:"error,omitempty"`
	DurationMS  *int64         `json:"duration_ms,omitempty"`
	Trace       map[string]any `json:"trace"`
}

// ApprovalRequest is a pending approval for a grant.
type ApprovalRequest struct {
	GrantID     uuid.UUID `json:"grant_id"`
	SessionID   uuid.UUID `json:"session_id"`
	ActionID    string    `json:"action_id"`
	Reason      string    `json:"reason"`
	RiskTier    string    `json:"risk_tier"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// ApprovalResponse records the outcome of an approve or reject call.
type ApprovalResponse struct {
	GrantID    uuid.UUID  `json:"grant_id"`
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
