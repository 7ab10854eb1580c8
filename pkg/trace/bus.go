package trace

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTraceNotFound is returned by queries against a trace id that was never
// written. An empty log is not the same as an unknown trace.
var ErrTraceNotFound = errors.New("trace not found")

// subscriberBufferSize bounds each live subscriber channel. On saturation
// events are dropped for that subscriber; the log retains them.
const subscriberBufferSize = 256

// sha256HexRe matches the required artifact digest form.
var sha256HexRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Sink is a durable event sink attached to the bus. Append failures are
// logged and retried once; they never propagate to emitters.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// EmitOptions carries the optional fields of an emission.
type EmitOptions struct {
	SpanID       *uuid.UUID
	ParentSpanID *uuid.UUID
	Atlas        *AtlasRef
	Actor        *Actor
	Severity     Severity
	Artifacts    []Artifact
}

// Filter restricts get-events queries.
type Filter struct {
	Severity        Severity
	EventTypePrefix string
}

// traceLog is the per-trace append-only log plus its live subscribers. A
// single mutex covers both; it is held only for append and fan-out enqueue.
type traceLog struct {
	mu          sync.Mutex
	events      []Event
	subscribers []chan Event
}

// Bus is the telemetry bus: per-trace append-only logs with concurrent
// subscribers for live streaming. The in-memory log is the authority within a
// process; a Sink may replicate events durably.
type Bus struct {
	mu     sync.RWMutex
	traces map[uuid.UUID]*traceLog
	sink   Sink
	logger *slog.Logger
	clock  func() time.Time
}

// NewBus creates a telemetry bus. sink may be nil for in-memory only.
func NewBus(sink Sink, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		traces: make(map[uuid.UUID]*traceLog),
		sink:   sink,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (b *Bus) SetClock(clock func() time.Time) {
	b.clock = clock
}

func (b *Bus) log(traceID uuid.UUID) *traceLog {
	b.mu.RLock()
	tl, ok := b.traces[traceID]
	b.mu.RUnlock()
	if ok {
		return tl
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if tl, ok = b.traces[traceID]; ok {
		return tl
	}
	tl = &traceLog{}
	b.traces[traceID] = tl
	return tl
}

// Emit appends an event to the trace log and fans it out to subscribers.
// Emit never fails observably: durable sink errors are logged and retried
// once, and the event is always visible in the in-memory log before Emit
// returns. A fresh span id is generated when none is supplied.
func (b *Bus) Emit(ctx context.Context, eventType EventType, traceID, sessionID uuid.UUID, payload map[string]any, opts EmitOptions) Event {
	spanID := uuid.New()
	if opts.SpanID != nil {
		spanID = *opts.SpanID
	}
	severity := opts.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	actor := Actor{Type: ActorRuntime, ID: "carp-runtime"}
	if opts.Actor != nil {
		actor = *opts.Actor
	}
	if payload == nil {
		payload = map[string]any{}
	}

	var artifacts []Artifact
	for _, a := range opts.Artifacts {
		if !sha256HexRe.MatchString(a.SHA256) {
			b.logger.Warn("artifact rejected: sha256 must be 64 lowercase hex characters",
				"trace_id", traceID, "event_type", eventType, "artifact", a.Name)
			continue
		}
		artifacts = append(artifacts, a)
	}

	event := Event{
		TraceVersion: Version,
		EventType:    eventType,
		Time:         b.clock(),
		Trace: Context{
			TraceID:      traceID,
			SpanID:       spanID,
			ParentSpanID: opts.ParentSpanID,
		},
		SessionID: sessionID,
		Atlas:     opts.Atlas,
		Actor:     actor,
		Severity:  severity,
		Payload:   payload,
		Artifacts: artifacts,
	}

	tl := b.log(traceID)
	tl.mu.Lock()
	tl.events = append(tl.events, event)
	for _, ch := range tl.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber saturated; drop rather than block the emitter.
		}
	}
	tl.mu.Unlock()

	if b.sink != nil {
		if err := b.sink.Append(ctx, event); err != nil {
			b.logger.Warn("trace sink append failed, retrying",
				"trace_id", traceID, "event_type", eventType, "error", err)
			if err := b.sink.Append(ctx, event); err != nil {
				b.logger.Error("trace sink append failed after retry",
					"trace_id", traceID, "event_type", eventType, "error", err)
			}
		}
	}

	return event
}

// GetEvents returns the filtered, paginated events for a trace along with the
// filtered total. Unknown trace ids yield ErrTraceNotFound.
func (b *Bus) GetEvents(traceID uuid.UUID, filter Filter, limit, offset int) ([]Event, int, error) {
	b.mu.RLock()
	tl, ok := b.traces[traceID]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, ErrTraceNotFound
	}

	tl.mu.Lock()
	snapshot := make([]Event, len(tl.events))
	copy(snapshot, tl.events)
	tl.mu.Unlock()

	filtered := snapshot[:0:0]
	for _, e := range snapshot {
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.EventTypePrefix != "" && !hasPrefix(string(e.EventType), filter.EventTypePrefix) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Subscribe registers a live subscriber for a trace. Only events emitted
// after the subscription are delivered. The returned cancel function removes
// the subscriber and must be called when the consumer is done.
func (b *Bus) Subscribe(traceID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)
	tl := b.log(traceID)

	tl.mu.Lock()
	tl.subscribers = append(tl.subscribers, ch)
	tl.mu.Unlock()

	cancel := func() {
		tl.mu.Lock()
		for i, sub := range tl.subscribers {
			if sub == ch {
				tl.subscribers = append(tl.subscribers[:i], tl.subscribers[i+1:]...)
				break
			}
		}
		tl.mu.Unlock()
	}
	return ch, cancel
}

// EventsForSession returns every event belonging to a session across all
// traces, ordered by emission time.
func (b *Bus) EventsForSession(sessionID uuid.UUID) []Event {
	b.mu.RLock()
	logs := make([]*traceLog, 0, len(b.traces))
	for _, tl := range b.traces {
		logs = append(logs, tl)
	}
	b.mu.RUnlock()

	var out []Event
	for _, tl := range logs {
		tl.mu.Lock()
		for _, e := range tl.events {
			if e.SessionID == sessionID {
				out = append(out, e)
			}
		}
		tl.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
