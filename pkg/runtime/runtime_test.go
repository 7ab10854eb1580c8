package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/executor"
	"github.com/Mindburn-Labs/carp/pkg/session"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newSession(t *testing.T, rt *Runtime, scopes []string) session.CreateResponse {
	t.Helper()
	resp, err := rt.Sessions.Create(context.Background(), session.CreateRequest{
		Principal:  carp.Principal{Type: carp.PrincipalUser, ID: "user-1"},
		Scopes:     scopes,
		TTLSeconds: 3600,
	})
	require.NoError(t, err)
	return resp
}

func resolveRequest(sess session.CreateResponse, goal string, tier carp.RiskTier) *carp.Request {
	return &carp.Request{
		CARPVersion: carp.Version,
		Type:        "carp.request",
		ID:          uuid.New(),
		Time:        time.Now().UTC(),
		Session: carp.SessionRef{
			SessionID: sess.SessionID,
			Principal: carp.Principal{Type: carp.PrincipalUser, ID: "user-1"},
		},
		Payload: carp.ResolveRequestPayload{
			Operation: "resolve",
			Task:      carp.Task{Goal: goal, RiskTier: tier},
		},
		Trace: carp.TraceContext{TraceID: sess.TraceID, SpanID: uuid.New()},
	}
}

func TestResolveIssuesGrants(t *testing.T) {
	rt := newRuntime(t, Options{})
	sess := newSession(t, rt, []string{"tasks:read"})

	resp, err := rt.Resolve(context.Background(), resolveRequest(sess, "Summarize the report", carp.RiskLow))
	require.NoError(t, err)

	res := resp.Payload.Resolution
	require.NotEmpty(t, res.AllowedActions)

	// Every allowed action must have a live grant so execute can find it.
	exec, err := rt.Executor.Execute(context.Background(), executor.ExecuteRequest{
		SessionID:    sess.SessionID,
		ResolutionID: res.ResolutionID,
		ActionID:     "cra.echo",
		Parameters:   map[string]any{"message": "hello"},
		TraceID:      sess.TraceID,
		SpanID:       uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, exec.Status)
	assert.Equal(t, "hello", exec.Result["echo"])
}

func TestResolveHighRiskCreatesPendingApprovals(t *testing.T) {
	rt := newRuntime(t, Options{})
	sess := newSession(t, rt, nil)

	_, err := rt.Resolve(context.Background(), resolveRequest(sess, "Rotate credentials", carp.RiskHigh))
	require.NoError(t, err)

	pending := rt.Executor.ListPendingApprovals(&sess.SessionID)
	require.NotEmpty(t, pending)
	assert.Equal(t, "high", pending[0].RiskTier)
}

func TestResolvePolicyDenialIssuesNoGrants(t *testing.T) {
	rt := newRuntime(t, Options{})
	sess := newSession(t, rt, nil)

	_, err := rt.Resolve(context.Background(), resolveRequest(sess, "run rm -rf / now", carp.RiskLow))
	require.Error(t, err)

	assert.Empty(t, rt.Executor.ListPendingApprovals(&sess.SessionID))
}

func TestRuntimeWithSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	rt := newRuntime(t, Options{StorePath: path})
	sess := newSession(t, rt, nil)

	_, err := rt.Resolve(context.Background(), resolveRequest(sess, "Summarize", carp.RiskLow))
	require.NoError(t, err)

	// Durable sink replicates what the in-memory bus holds.
	stored, total, err := rt.Store.EventsForTrace(context.Background(), sess.TraceID, 0, 0)
	require.NoError(t, err)
	assert.NotZero(t, total)

	live, _, err := rt.Bus.GetEvents(sess.TraceID, trace.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, stored, len(live))
}

func TestExportTrace(t *testing.T) {
	rt := newRuntime(t, Options{})
	sess := newSession(t, rt, nil)

	_, err := rt.Resolve(context.Background(), resolveRequest(sess, "Summarize", carp.RiskLow))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.json")
	m, err := rt.ExportTrace(sess.TraceID, "smoke", "", path)
	require.NoError(t, err)
	assert.Equal(t, sess.TraceID, m.TraceID)
	assert.FileExists(t, path)
}

func TestUptime(t *testing.T) {
	rt := newRuntime(t, Options{})
	assert.GreaterOrEqual(t, rt.Uptime(), time.Duration(0))
}
