package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// Sentinel errors for session lookups.
var (
	ErrNotFound   = errors.New("session not found")
	ErrExpired    = errors.New("session expired")
	ErrInvalidTTL = fmt.Errorf("ttl_seconds must be between %d and %d", MinTTLSeconds, MaxTTLSeconds)
)

// Manager owns the session table. All mutations are serialized by a single
// lock; critical sections are O(1).
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	ended    map[uuid.UUID]EndResponse
	bus      *trace.Bus
	clock    func() time.Time
}

// NewManager creates a session manager emitting lifecycle events to bus.
func NewManager(bus *trace.Bus) *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
		ended:    make(map[uuid.UUID]EndResponse),
		bus:      bus,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Create validates the TTL, allocates the session with a fresh root trace id,
// and emits trace.session.started.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	if req.TTLSeconds < MinTTLSeconds || req.TTLSeconds > MaxTTLSeconds {
		return CreateResponse{}, ErrInvalidTTL
	}
	if req.Principal.ID == "" {
		return CreateResponse{}, errors.New("principal id is required")
	}
	switch req.Principal.Type {
	case carp.PrincipalUser, carp.PrincipalService, carp.PrincipalAgent:
	default:
		return CreateResponse{}, fmt.Errorf("unknown principal type %q", req.Principal.Type)
	}

	now := m.clock()
	s := &Session{
		SessionID: uuid.New(),
		TraceID:   uuid.New(),
		Principal: req.Principal,
		Scopes:    append([]string(nil), req.Scopes...),
		State:     StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(req.TTLSeconds) * time.Second),
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.mu.Unlock()

	m.bus.Emit(ctx, trace.EventSessionStarted, s.TraceID, s.SessionID, map[string]any{
		"principal_type": string(s.Principal.Type),
		"principal_id":   s.Principal.ID,
		"scopes":         s.Scopes,
		"ttl_seconds":    req.TTLSeconds,
	}, trace.EmitOptions{})

	return CreateResponse{SessionID: s.SessionID, TraceID: s.TraceID, ExpiresAt: s.ExpiresAt}, nil
}

// Get returns an active session. The first read after expiry transitions the
// session to expired, emits a warn trace.session.ended with reason expired,
// and returns ErrExpired.
func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	now := m.clock()
	if s.State == StateActive && now.After(s.ExpiresAt) {
		s.State = StateExpired
		ended := now
		s.EndedAt = &ended
		m.mu.Unlock()

		m.bus.Emit(ctx, trace.EventSessionEnded, s.TraceID, s.SessionID, map[string]any{
			"reason":           "expired",
			"duration_seconds": ended.Sub(s.CreatedAt).Seconds(),
		}, trace.EmitOptions{Severity: trace.SeverityWarn})
		return nil, ErrExpired
	}

	if s.State != StateActive {
		m.mu.Unlock()
		return nil, ErrExpired
	}

	snapshot := *s
	m.mu.Unlock()
	return &snapshot, nil
}

// End explicitly ends a session and emits trace.session.ended with the
// counter snapshot. Ending an already-ended session returns the cached
// summary; ending an expired session returns ErrExpired.
func (m *Manager) End(ctx context.Context, sessionID uuid.UUID) (EndResponse, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return EndResponse{}, ErrNotFound
	}
	if s.State == StateEnded {
		cached := m.ended[sessionID]
		m.mu.Unlock()
		return cached, nil
	}
	if s.State == StateExpired {
		m.mu.Unlock()
		return EndResponse{}, ErrExpired
	}

	now := m.clock()
	if now.After(s.ExpiresAt) {
		s.State = StateExpired
		s.EndedAt = &now
		m.mu.Unlock()
		m.bus.Emit(ctx, trace.EventSessionEnded, s.TraceID, s.SessionID, map[string]any{
			"reason":           "expired",
			"duration_seconds": now.Sub(s.CreatedAt).Seconds(),
		}, trace.EmitOptions{Severity: trace.SeverityWarn})
		return EndResponse{}, ErrExpired
	}

	s.State = StateEnded
	s.EndedAt = &now
	traceID := s.TraceID
	createdAt := s.CreatedAt
	m.mu.Unlock()

	// Count everything emitted for the session before the ended event itself.
	events := m.bus.EventsForSession(sessionID)

	m.mu.Lock()
	s.Stats.TotalEvents = len(events)
	stats := s.Stats
	m.mu.Unlock()

	m.bus.Emit(ctx, trace.EventSessionEnded, traceID, sessionID, map[string]any{
		"duration_seconds": now.Sub(createdAt).Seconds(),
		"total_events":     stats.TotalEvents,
		"resolutions":      stats.Resolutions,
		"actions_executed": stats.ActionsExecuted,
		"actions_failed":   stats.ActionsFailed,
	}, trace.EmitOptions{})

	resp := EndResponse{SessionID: sessionID, EndedAt: now, TraceSummary: stats}
	m.mu.Lock()
	m.ended[sessionID] = resp
	m.mu.Unlock()
	return resp, nil
}

// IncrementResolutionCount bumps the session's resolution counter.
func (m *Manager) IncrementResolutionCount(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Stats.Resolutions++
	}
}

// IncrementActionCount bumps the executed or failed action counter.
func (m *Manager) IncrementActionCount(sessionID uuid.UUID, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		if failed {
			s.Stats.ActionsFailed++
		} else {
			s.Stats.ActionsExecuted++
		}
	}
}

// ListActive returns a snapshot of every active, unexpired session.
func (m *Manager) ListActive() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	var out []Session
	for _, s := range m.sessions {
		if s.State == StateActive && now.Before(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	return out
}
