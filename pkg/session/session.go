// Package session manages the lifecycle of authenticated interaction
// contexts. Every session owns one root trace id; all downstream operations
// are gated on an active session.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/carp"
)

// TTL bounds for session creation, in seconds.
const (
	MinTTLSeconds = 60
	MaxTTLSeconds = 86400
)

// State is the lifecycle state of a session. Transitions are monotonic:
// active to expired, or active to ended.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateEnded   State = "ended"
)

// Stats is the per-session counter bundle.
type Stats struct {
	Resolutions     int `json:"resolutions"`
	ActionsExecuted int `json:"actions_executed"`
	ActionsFailed   int `json:"actions_failed"`
	TotalEvents     int `json:"total_events"`
}

// Session is an authenticated interaction context rooted in a trace id.
type Session struct {
	SessionID uuid.UUID      `json:"session_id"`
	TraceID   uuid.UUID      `json:"trace_id"`
	Principal carp.Principal `json:"principal"`
	Scopes    []string       `json:"scopes"`
	State     State          `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Stats     Stats          `json:"stats"`
}

// HasScope reports whether the session was granted the scope.
func (s *Session) HasScope(scope string) bool {
	for _, g := range s.Scopes {
		if g == scope {
			return true
		}
	}
	return false
}

// CreateRequest asks for a new session.
type CreateRequest struct {
	Principal  carp.Principal `json:"principal"`
	Scopes     []string       `json:"scopes"`
	TTLSeconds int            `json:"ttl_seconds"`
}

// CreateResponse returns the identifiers of a new session.
type CreateResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	TraceID   uuid.UUID `json:"trace_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EndResponse summarizes an ended session.
type EndResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	EndedAt      time.Time `json:"ended_at"`
	TraceSummary Stats     `json:"trace_summary"`
}
