package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carp/pkg/atlas"
	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/policy"
	"github.com/Mindburn-Labs/carp/pkg/session"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

type fixture struct {
	bus      *trace.Bus
	sessions *session.Manager
	engine   *policy.Engine
	registry *atlas.Registry
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := trace.NewBus(nil, nil)
	sessions := session.NewManager(bus)
	engine := policy.NewEngine()
	registry := atlas.NewRegistry()
	return &fixture{
		bus:      bus,
		sessions: sessions,
		engine:   engine,
		registry: registry,
		resolver: New(bus, sessions, engine, registry, nil),
	}
}

func (f *fixture) newSession(t *testing.T) session.CreateResponse {
	t.Helper()
	resp, err := f.sessions.Create(context.Background(), session.CreateRequest{
		Principal:  carp.Principal{Type: carp.PrincipalUser, ID: "user-1"},
		Scopes:     []string{"tasks:read"},
		TTLSeconds: 3600,
	})
	require.NoError(t, err)
	return resp
}

func newRequest(sess session.CreateResponse, goal string, tier carp.RiskTier) *carp.Request {
	return &carp.Request{
		CARPVersion: carp.Version,
		Type:        "carp.request",
		ID:          uuid.New(),
		Time:        time.Now().UTC(),
		Session: carp.SessionRef{
			SessionID: sess.SessionID,
			Principal: carp.Principal{Type: carp.PrincipalUser, ID: "user-1"},
			Scopes:    []string{"tasks:read"},
		},
		Payload: carp.ResolveRequestPayload{
			Operation: "resolve",
			Task:      carp.Task{Goal: goal, RiskTier: tier},
		},
		Trace: carp.TraceContext{TraceID: sess.TraceID, SpanID: uuid.New()},
	}
}

func TestResolveLowRisk(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	resp, err := f.resolver.Resolve(context.Background(), newRequest(sess, "Summarize the quarterly report", carp.RiskLow))
	require.NoError(t, err)

	assert.Equal(t, carp.Version, resp.CARPVersion)
	assert.Equal(t, "carp.response", resp.Type)
	assert.Equal(t, sess.TraceID, resp.Trace.TraceID)

	res := resp.Payload.Resolution
	assert.Equal(t, 0.85, res.Confidence)

	require.GreaterOrEqual(t, len(res.ContextBlocks), 2)
	assert.Equal(t, "carp-guidelines", res.ContextBlocks[0].BlockID)
	assert.Equal(t, 3600, res.ContextBlocks[0].TTLSeconds)
	assert.Equal(t, "task-context", res.ContextBlocks[1].BlockID)
	assert.Equal(t, 1800, res.ContextBlocks[1].TTLSeconds)
	assert.Contains(t, res.ContextBlocks[1].Content, "Summarize the quarterly report")

	require.Len(t, res.AllowedActions, 2)
	assert.Equal(t, "cra.echo", res.AllowedActions[0].ActionID)
	assert.False(t, res.AllowedActions[0].RequiresApproval)
	assert.Equal(t, "cra.noop", res.AllowedActions[1].ActionID)
	assert.Equal(t, DefaultActionTimeoutMS, res.AllowedActions[0].TimeoutMS)

	require.Len(t, res.Denylist, 2)
	assert.Equal(t, "*.production.*", res.Denylist[0].Pattern)

	require.Len(t, res.NextSteps, 2)
	assert.Contains(t, res.NextSteps[1].Step, "Execute approved actions")

	events, _, err := f.bus.GetEvents(sess.TraceID, trace.Filter{}, 0, 0)
	require.NoError(t, err)
	types := make([]trace.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []trace.EventType{
		trace.EventSessionStarted,
		trace.EventResolveRequested,
		trace.EventResolveReturned,
	}, types)

	got, err := f.sessions.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.Resolutions)
}

func TestResolveHighRiskRequiresApproval(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	resp, err := f.resolver.Resolve(context.Background(), newRequest(sess, "Rotate signing keys", carp.RiskHigh))
	require.NoError(t, err)

	res := resp.Payload.Resolution
	assert.Equal(t, 0.65, res.Confidence)
	assert.True(t, res.AllowedActions[0].RequiresApproval)
	assert.False(t, res.AllowedActions[1].RequiresApproval)

	var blockIDs []string
	for _, b := range res.ContextBlocks {
		blockIDs = append(blockIDs, b.BlockID)
	}
	assert.Contains(t, blockIDs, "policy-context")

	require.Len(t, res.NextSteps, 2)
	assert.Contains(t, res.NextSteps[1].Step, "Request approval")

	events, _, err := f.bus.GetEvents(sess.TraceID, trace.Filter{}, 0, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, trace.EventResolveReturned, last.EventType)
	assert.Equal(t, true, last.Payload["requires_approval"])
	assert.Equal(t, "require_approval", last.Payload["policy_effect"])
}

func TestResolveDeniedByPolicy(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	_, err := f.resolver.Resolve(context.Background(), newRequest(sess, "rm -rf /", carp.RiskLow))
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.RuleDenyDangerous, denied.RuleID)

	events, _, err := f.bus.GetEvents(sess.TraceID, trace.Filter{}, 0, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, trace.EventPolicyDenied, last.EventType)
	assert.Equal(t, trace.SeverityWarn, last.Severity)
	assert.Equal(t, policy.RuleDenyDangerous, last.Payload["rule_id"])
}

func TestResolveNormalizedGoalDenied(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	_, err := f.resolver.Resolve(context.Background(), newRequest(sess, "Deploy to production environment", carp.RiskLow))
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
}

func TestResolveConstraintsScaleConfidence(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	f.engine.AddRule(&constraintRule{})
	resp, err := f.resolver.Resolve(context.Background(), newRequest(sess, "List open tickets", carp.RiskLow))
	require.NoError(t, err)
	// 0.85 * 0.9 rounded to two decimals.
	assert.Equal(t, 0.77, resp.Payload.Resolution.Confidence)
}

type constraintRule struct{}

func (r *constraintRule) ID() string { return "test-constraint" }

func (r *constraintRule) Evaluate(policy.Context) *policy.Decision {
	return &policy.Decision{
		Effect:      policy.EffectAllowWithConstraints,
		RuleID:      "test-constraint",
		Constraints: map[string]any{"max_results": 10},
	}
}

func TestResolveUnknownSession(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	req := newRequest(sess, "anything", carp.RiskLow)
	req.Session.SessionID = uuid.New()

	_, err := f.resolver.Resolve(context.Background(), req)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestResolveWithAtlas(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	root := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	write("atlas.json", `{
		"id": "demo.search", "version": "1.0.0", "name": "Demo",
		"context_packs": ["guide.md"],
		"policies": ["policy.json"],
		"adapters": {"openai": "openai.json"}
	}`)
	write("guide.md", "# Search guide")
	write("policy.json", `{"rules": [{"effect": "deny", "actions": ["index.rebuild"], "reason": "Maintenance only"}]}`)
	write("openai.json", `{"tools": [{"type": "function", "function": {
		"name": "demo.search.query", "description": "Search",
		"parameters": {"type": "object"}}}]}`)
	_, err := f.registry.Register(root)
	require.NoError(t, err)

	req := newRequest(sess, "Find relevant docs", carp.RiskLow)
	req.Atlas = &carp.AtlasRef{ID: "demo.search", Version: "1.0.0"}

	resp, err := f.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	res := resp.Payload.Resolution

	var blockIDs []string
	for _, b := range res.ContextBlocks {
		blockIDs = append(blockIDs, b.BlockID)
	}
	assert.Contains(t, blockIDs, "demo.search:guide.md")

	var actionIDs []string
	for _, a := range res.AllowedActions {
		actionIDs = append(actionIDs, a.ActionID)
	}
	assert.Contains(t, actionIDs, "demo.search.query")

	var patterns []string
	for _, d := range res.Denylist {
		patterns = append(patterns, d.Pattern)
	}
	assert.Contains(t, patterns, "index.rebuild")

	events, _, err := f.bus.GetEvents(sess.TraceID, trace.Filter{EventTypePrefix: "trace.carp"}, 0, 0)
	require.NoError(t, err)
	for _, e := range events {
		require.NotNil(t, e.Atlas)
		assert.Equal(t, "demo.search", e.Atlas.ID)
	}
}

func TestResolveTierBaseScaledByConstraints(t *testing.T) {
	f := newFixture(t)
	f.engine.AddRule(&constraintRule{})

	cases := []struct {
		tier carp.RiskTier
		want float64
	}{
		// Tier base 0.75, then the constraints multiplier.
		{carp.RiskMedium, 0.68},
		// High tier folds to require_approval, which supersedes
		// allow_with_constraints, so the multiplier does not apply.
		{carp.RiskHigh, 0.65},
	}
	for _, tc := range cases {
		sess := f.newSession(t)
		resp, err := f.resolver.Resolve(context.Background(), newRequest(sess, "List open tickets", tc.tier))
		require.NoError(t, err)
		assert.Equal(t, tc.want, resp.Payload.Resolution.Confidence, "tier %s", tc.tier)
	}
}

func TestResolveAtlasActionsDeduplicated(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	root := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	write("atlas.json", `{
		"id": "demo.search", "version": "1.0.0", "name": "Demo",
		"adapters": {"openai": "openai.json", "mcp": "mcp.json"}
	}`)
	// The same tool through two adapters, plus one shadowing a builtin id.
	write("openai.json", `{"tools": [
		{"type": "function", "function": {"name": "demo.search.query", "parameters": {"type": "object"}}},
		{"type": "function", "function": {"name": "cra.echo", "parameters": {"type": "object"}}}
	]}`)
	write("mcp.json", `{"tools": [{"name": "demo.search.query", "inputSchema": {"type": "object"}}]}`)
	_, err := f.registry.Register(root)
	require.NoError(t, err)

	req := newRequest(sess, "Find relevant docs", carp.RiskLow)
	req.Atlas = &carp.AtlasRef{ID: "demo.search", Version: "1.0.0"}

	resp, err := f.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)

	counts := make(map[string]int)
	for _, a := range resp.Payload.Resolution.AllowedActions {
		counts[a.ActionID]++
	}
	assert.Equal(t, 1, counts["demo.search.query"])
	assert.Equal(t, 1, counts["cra.echo"])
	// The builtin wins over the atlas-supplied duplicate.
	for _, a := range resp.Payload.Resolution.AllowedActions {
		if a.ActionID == "cra.echo" {
			assert.Equal(t, "builtin", a.Adapter)
		}
	}
}
