// Package trace implements TRACE/1.0, the append-only telemetry contract of
// the CARP runtime.
//
// Principle: if it wasn't emitted by the runtime, it didn't happen.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Version is the TRACE contract version stamped on every event.
const Version = "1.0"

// Severity is the severity level of a TRACE event.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// ActorType identifies what kind of actor produced an event.
type ActorType string

const (
	ActorRuntime ActorType = "runtime"
	ActorAgent   ActorType = "agent"
	ActorUser    ActorType = "user"
	ActorTool    ActorType = "tool"
)

// Actor is the entity that generated a TRACE event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Context carries the distributed trace identifiers for an event.
type Context struct {
	TraceID      uuid.UUID  `json:"trace_id"`
	SpanID       uuid.UUID  `json:"span_id"`
	ParentSpanID *uuid.UUID `json:"parent_span_id,omitempty"`
}

// AtlasRef references the Atlas in use when an event was emitted.
type AtlasRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Artifact references content produced alongside an event. SHA256 must be 64
// lowercase hex characters.
type Artifact struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type"`
}

// EventType is a dotted event name, always prefixed "trace.".
type EventType string

const (
	EventSessionStarted EventType = "trace.session.started"
	EventSessionEnded   EventType = "trace.session.ended"

	EventResolveRequested EventType = "trace.carp.resolve.requested"
	EventResolveReturned  EventType = "trace.carp.resolve.returned"
	EventPolicyDenied     EventType = "trace.carp.policy.denied"

	EventActionGranted   EventType = "trace.action.granted"
	EventActionInvoked   EventType = "trace.action.invoked"
	EventActionCompleted EventType = "trace.action.completed"
	EventActionFailed    EventType = "trace.action.failed"

	EventArtifactCreated  EventType = "trace.artifact.created"
	EventArtifactRedacted EventType = "trace.artifact.redacted"

	EventRuntimeError    EventType = "trace.runtime.error"
	EventValidationError EventType = "trace.validation.error"
)

// Event is a single TRACE record. Events are immutable once emitted; the
// runtime is the sole authority for emission.
type Event struct {
	TraceVersion string         `json:"trace_version"`
	EventType    EventType      `json:"event_type"`
	Time         time.Time      `json:"time"`
	Trace        Context        `json:"trace"`
	SessionID    uuid.UUID      `json:"session_id"`
	Atlas        *AtlasRef      `json:"atlas,omitempty"`
	Actor        Actor          `json:"actor"`
	Severity     Severity       `json:"severity"`
	Payload      map[string]any `json:"payload"`
	Artifacts    []Artifact     `json:"artifacts,omitempty"`
}
