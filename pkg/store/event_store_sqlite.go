// Package store provides durable persistence for TRACE events. The in-memory
// bus remains the authority within a process; the store replicates events for
// retention and post-mortem queries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/trace"

	_ "modernc.org/sqlite"
)

// EventStore is a durable TRACE event sink with query support.
type EventStore interface {
	trace.Sink
	EventsForTrace(ctx context.Context, traceID uuid.UUID, limit, offset int) ([]trace.Event, int, error)
	EventsForSession(ctx context.Context, sessionID uuid.UUID) ([]trace.Event, error)
	Close() error
}

// SQLiteEventStore persists events to a SQLite database. Insertion order is
// preserved by the rowid sequence.
type SQLiteEventStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite event store at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return NewSQLiteEventStore(db)
}

// NewSQLiteEventStore wraps an existing database handle and runs migrations.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS trace_events (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        trace_id TEXT NOT NULL,
        session_id TEXT NOT NULL,
        event_type TEXT NOT NULL,
        severity TEXT NOT NULL,
        time DATETIME NOT NULL,
        event JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON trace_events (trace_id, seq);
    CREATE INDEX IF NOT EXISTS idx_trace_events_session ON trace_events (session_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append stores one event. Implements trace.Sink.
func (s *SQLiteEventStore) Append(ctx context.Context, event trace.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	query := `INSERT INTO trace_events (trace_id, session_id, event_type, severity, time, event)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		event.Trace.TraceID.String(),
		event.SessionID.String(),
		string(event.EventType),
		string(event.Severity),
		event.Time.UTC().Format(time.RFC3339Nano),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trace event: %w", err)
	}
	return nil
}

// EventsForTrace returns the stored events of a trace in append order, plus
// the total stored count for the trace.
func (s *SQLiteEventStore) EventsForTrace(ctx context.Context, traceID uuid.UUID, limit, offset int) ([]trace.Event, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trace_events WHERE trace_id = ?`, traceID.String(),
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = total
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM trace_events WHERE trace_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		traceID.String(), limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// EventsForSession returns every stored event for a session across traces.
func (s *SQLiteEventStore) EventsForSession(ctx context.Context, sessionID uuid.UUID) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM trace_events WHERE session_id = ? ORDER BY time, seq`,
		sessionID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Close closes the underlying database.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]trace.Event, error) {
	var events []trace.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e trace.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
