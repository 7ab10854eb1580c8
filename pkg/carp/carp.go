// Package carp defines CARP/1.0, the Context & Action Resolution Protocol.
//
// CARP is the deterministic contract between an acting agent (requester) and
// the runtime's resolver: it answers what context is allowed and what actions
// may occur.
package carp

import (
	"time"

	"github.com/google/uuid"
)

// Version is the CARP protocol version stamped on every envelope.
const Version = "1.0"

// PrincipalType classifies the identity behind a request.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
	PrincipalAgent   PrincipalType = "agent"
)

// Principal is the identity making a CARP request.
type Principal struct {
	Type PrincipalType `json:"type"`
	ID   string        `json:"id"`
	Org  string        `json:"org,omitempty"`
}

// SessionRef is the session block carried on an envelope.
type SessionRef struct {
	SessionID uuid.UUID  `json:"session_id"`
	Principal Principal  `json:"principal"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AtlasRef references the Atlas a request resolves against.
type AtlasRef struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Capability string `json:"capability,omitempty"`
}

// TraceContext carries distributed trace identifiers on an envelope.
type TraceContext struct {
	TraceID      uuid.UUID  `json:"trace_id"`
	SpanID       uuid.UUID  `json:"span_id"`
	ParentSpanID *uuid.UUID `json:"parent_span_id,omitempty"`
}

// RiskTier classifies a task's risk.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// TaskInput is a named input to a task.
type TaskInput struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // text, json, uri, file_ref
	Value any    `json:"value"`
}

// Task is the unit of work submitted for resolution.
type Task struct {
	Goal            string      `json:"goal"`
	Inputs          []TaskInput `json:"inputs,omitempty"`
	Constraints     []string    `json:"constraints,omitempty"`
	TargetPlatforms []string    `json:"target_platforms,omitempty"`
	RiskTier        RiskTier    `json:"risk_tier"`
}

// Environment describes where the requester runs.
type Environment struct {
	ProjectRoot     string   `json:"project_root,omitempty"`
	OS              string   `json:"os,omitempty"`
	CLICapabilities []string `json:"cli_capabilities,omitempty"`
	NetworkPolicy   string   `json:"network_policy,omitempty"` // offline, restricted, open
}

// Preferences carries requester output preferences.
type Preferences struct {
	Verbosity      string   `json:"verbosity,omitempty"`      // compact, standard, extended
	Format         []string `json:"format,omitempty"`         // json, markdown
	Explainability string   `json:"explainability,omitempty"` // minimal, standard, deep
}

// ResolveRequestPayload is the payload of a carp.request envelope.
type ResolveRequestPayload struct {
	Operation   string      `json:"operation"` // always "resolve"
	Task        Task        `json:"task"`
	Environment Environment `json:"environment,omitempty"`
	Preferences Preferences `json:"preferences,omitempty"`
}

// ContentType enumerates the allowed context-block content types.
type ContentType string

const (
	ContentMarkdown ContentType = "text/markdown"
	ContentJSON     ContentType = "application/json"
	ContentPlain    ContentType = "text/plain"
	ContentPNG      ContentType = "image/png"
)

// Redaction marks a field removed from a context block.
type Redaction struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// SourceEvidence backs a context block with a verifiable reference.
type SourceEvidence struct {
	Type   string `json:"type"` // doc, api, policy, test
	Ref    string `json:"ref"`
	SHA256 string `json:"sha256"`
}

// ContextBlock is a TTL-bounded unit of content returned by resolution.
type ContextBlock struct {
	BlockID        string           `json:"block_id"`
	Purpose        string           `json:"purpose"`
	TTLSeconds     int              `json:"ttl_seconds"`
	ContentType    ContentType      `json:"content_type"`
	Content        string           `json:"content"`
	Redactions     []Redaction      `json:"redactions,omitempty"`
	SourceEvidence []SourceEvidence `json:"source_evidence,omitempty"`
}

// ActionKind enumerates the kinds of allowed actions.
type ActionKind string

const (
	ActionToolCall   ActionKind = "tool_call"
	ActionMCPCall    ActionKind = "mcp_call"
	ActionCLICommand ActionKind = "cli_command"
	ActionAgentTool  ActionKind = "agent_tool"
)

// ActionConstraint bounds the execution of an allowed action.
type ActionConstraint struct {
	Type  string `json:"type"` // rate_limit, scope, approval, sandbox
	Value any    `json:"value"`
}

// AllowedAction is an action permitted by a resolution.
type AllowedAction struct {
	ActionID         string             `json:"action_id"`
	Kind             ActionKind         `json:"kind"`
	Adapter          string             `json:"adapter"`
	Description      string             `json:"description,omitempty"`
	Schema           map[string]any     `json:"schema"`
	Constraints      []ActionConstraint `json:"constraints,omitempty"`
	RequiresApproval bool               `json:"requires_approval"`
	TimeoutMS        int                `json:"timeout_ms"`
}

// DenyRule is an enforceable glob pattern the agent must never attempt.
type DenyRule struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// ConflictResolution selects the merge behavior across resolutions.
type ConflictResolution string

const (
	ConflictFail          ConflictResolution = "fail"
	ConflictLastWriteWins ConflictResolution = "last_write_wins"
	ConflictPriority      ConflictResolution = "priority"
)

// MergeRules governs merging of multiple resolutions.
type MergeRules struct {
	Conflict ConflictResolution `json:"conflict"`
}

// NextStep is a suggested follow-up after a resolution.
type NextStep struct {
	Step              string   `json:"step"`
	ExpectedArtifacts []string `json:"expected_artifacts,omitempty"`
}

// Resolution is the bounded bundle produced for one task.
type Resolution struct {
	ResolutionID   uuid.UUID       `json:"resolution_id"`
	Confidence     float64         `json:"confidence"`
	ContextBlocks  []ContextBlock  `json:"context_blocks"`
	AllowedActions []AllowedAction `json:"allowed_actions"`
	Denylist       []DenyRule      `json:"denylist"`
	MergeRules     MergeRules      `json:"merge_rules"`
	NextSteps      []NextStep      `json:"next_steps,omitempty"`
}

// ResolveResponsePayload is the payload of a carp.response envelope.
type ResolveResponsePayload struct {
	Operation  string     `json:"operation"` // always "resolve"
	Resolution Resolution `json:"resolution"`
}

// Request is a carp.request envelope.
type Request struct {
	CARPVersion string                `json:"carp_version"`
	Type        string                `json:"type"` // "carp.request"
	ID          uuid.UUID             `json:"id"`
	Time        time.Time             `json:"time"`
	Session     SessionRef            `json:"session"`
	Atlas       *AtlasRef             `json:"atlas,omitempty"`
	Payload     ResolveRequestPayload `json:"payload"`
	Trace       TraceContext          `json:"trace"`
}

// Response is a carp.response envelope.
type Response struct {
	CARPVersion string                 `json:"carp_version"`
	Type        string                 `json:"type"` // "carp.response"
	ID          uuid.UUID              `json:"id"`
	Time        time.Time              `json:"time"`
	Session     SessionRef             `json:"session"`
	Atlas       *AtlasRef              `json:"atlas,omitempty"`
	Payload     ResolveResponsePayload `json:"payload"`
	Trace       TraceContext           `json:"trace"`
}
