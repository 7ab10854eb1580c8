package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carp/pkg/trace"
)

func sampleEvent(traceID, sessionID uuid.UUID) trace.Event {
	return trace.Event{
		TraceVersion: trace.Version,
		EventType:    trace.EventResolveRequested,
		Time:         time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Trace:        trace.Context{TraceID: traceID, SpanID: uuid.New()},
		SessionID:    sessionID,
		Actor:        trace.Actor{Type: trace.ActorRuntime, ID: "carp-runtime"},
		Severity:     trace.SeverityInfo,
		Payload:      map[string]any{"goal": "test"},
	}
}

func TestAppendInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trace_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLiteEventStore(db)
	require.NoError(t, err)

	traceID, sessionID := uuid.New(), uuid.New()
	event := sampleEvent(traceID, sessionID)
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO trace_events").
		WithArgs(traceID.String(), sessionID.String(),
			string(trace.EventResolveRequested), string(trace.SeverityInfo),
			event.Time.Format(time.RFC3339Nano), string(raw)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Append(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsForTraceScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trace_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLiteEventStore(db)
	require.NoError(t, err)

	traceID, sessionID := uuid.New(), uuid.New()
	event := sampleEvent(traceID, sessionID)
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(traceID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT event FROM trace_events WHERE trace_id").
		WithArgs(traceID.String(), 1, 0).
		WillReturnRows(sqlmock.NewRows([]string{"event"}).AddRow(string(raw)))

	events, total, err := s.EventsForTrace(context.Background(), traceID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, trace.EventResolveRequested, events[0].EventType)
	assert.Equal(t, sessionID, events[0].SessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundTripInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	traceID, sessionID := uuid.New(), uuid.New()
	first := sampleEvent(traceID, sessionID)
	second := sampleEvent(traceID, sessionID)
	second.EventType = trace.EventResolveReturned
	second.Time = first.Time.Add(time.Second)

	require.NoError(t, s.Append(context.Background(), first))
	require.NoError(t, s.Append(context.Background(), second))

	events, total, err := s.EventsForTrace(context.Background(), traceID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, events, 2)
	assert.Equal(t, trace.EventResolveRequested, events[0].EventType)
	assert.Equal(t, trace.EventResolveReturned, events[1].EventType)

	bySession, err := s.EventsForSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	other, total, err := s.EventsForTrace(context.Background(), uuid.New(), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, other)
}

func TestBusReplicatesToStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	bus := trace.NewBus(s, nil)
	traceID, sessionID := uuid.New(), uuid.New()
	bus.Emit(context.Background(), trace.EventSessionStarted, traceID, sessionID,
		map[string]any{"ttl_seconds": 3600}, trace.EmitOptions{})

	stored, total, err := s.EventsForTrace(context.Background(), traceID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, stored, 1)
	assert.Equal(t, trace.EventSessionStarted, stored[0].EventType)
}
