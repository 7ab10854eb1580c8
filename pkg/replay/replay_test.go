package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// emitRun produces the same logical event sequence with fresh ids and
// timestamps on every call.
func emitRun(t *testing.T, goal string) (*trace.Bus, uuid.UUID, []trace.Event) {
	t.Helper()
	bus := trace.NewBus(nil, nil)
	traceID := uuid.New()
	sessionID := uuid.New()

	bus.Emit(context.Background(), trace.EventResolveRequested, traceID, sessionID,
		map[string]any{"goal": goal, "risk_tier": "low"}, trace.EmitOptions{})
	bus.Emit(context.Background(), trace.EventResolveReturned, traceID, sessionID,
		map[string]any{"confidence": 0.85}, trace.EmitOptions{})

	events, _, err := bus.GetEvents(traceID, trace.Filter{}, 0, 0)
	require.NoError(t, err)
	return bus, traceID, events
}

func TestCompareIdenticalRunsSucceeds(t *testing.T) {
	_, _, golden := emitRun(t, "List invoices")
	time.Sleep(2 * time.Millisecond)
	_, _, actual := emitRun(t, "List invoices")

	r := New()
	m, err := r.CreateManifest(golden, "golden", "", nil)
	require.NoError(t, err)

	// Session ids differ between runs; normalize them for this manifest.
	m.Nondeterminism = append(m.Nondeterminism,
		Rule{Field: "session_id", Kind: RuleNormalize},
		Rule{Field: "*.trace_id", Kind: RuleNormalize},
	)

	result, err := r.CompareManifest(m, actual)
	require.NoError(t, err)
	assert.True(t, result.Success, "differences: %v", result.Differences)
	assert.Equal(t, 2, result.MatchedEvents)
	assert.Contains(t, result.SkippedFields, "time")
}

func TestCompareDetectsPayloadDivergence(t *testing.T) {
	_, _, golden := emitRun(t, "List invoices")
	_, _, actual := emitRun(t, "Delete invoices")

	r := New()
	m, err := r.CreateManifest(golden, "golden", "", nil)
	require.NoError(t, err)
	m.Nondeterminism = append(m.Nondeterminism,
		Rule{Field: "session_id", Kind: RuleNormalize},
		Rule{Field: "*.trace_id", Kind: RuleNormalize},
	)

	result, err := r.CompareManifest(m, actual)
	require.NoError(t, err)
	assert.False(t, result.Success)

	var fields []string
	for _, d := range result.Differences {
		fields = append(fields, d.Field)
	}
	assert.Contains(t, fields, "payload.goal")
}

func TestCompareCountMismatch(t *testing.T) {
	_, _, golden := emitRun(t, "task")

	r := New()
	result, err := r.Compare(mustMaps(t, golden), golden[:1], "short", golden[0].Trace.TraceID)
	require.NoError(t, err)
	assert.False(t, result.Success)

	require.NotEmpty(t, result.Differences)
	first := result.Differences[0]
	assert.Equal(t, -1, first.EventIndex)
	assert.Equal(t, "event_count", first.Field)

	last := result.Differences[len(result.Differences)-1]
	assert.Equal(t, 1, last.EventIndex)
	assert.Equal(t, "event", last.Field)
	assert.Equal(t, "error", last.Severity)
}

func mustMaps(t *testing.T, events []trace.Event) []map[string]any {
	t.Helper()
	maps, err := eventsToMaps(events)
	require.NoError(t, err)
	return maps
}

func TestMaskRule(t *testing.T) {
	r := New()
	r.AddRule(Rule{Field: "payload.goal", Kind: RuleMask, Value: "[redacted]"})

	normalized := r.normalize(map[string]any{
		"payload": map[string]any{"goal": "secret plan"},
	})
	payload := normalized["payload"].(map[string]any)
	assert.Equal(t, "[redacted]", payload["goal"])
}

func TestPatternRule(t *testing.T) {
	r := New()
	r.AddRule(Rule{Field: "payload.request_id", Kind: RulePattern, Value: `^req-\d+$`})

	matching := r.normalize(map[string]any{
		"payload": map[string]any{"request_id": "req-42"},
	})
	assert.Equal(t, "<pattern:request_id>", matching["payload"].(map[string]any)["request_id"])

	nonMatching := r.normalize(map[string]any{
		"payload": map[string]any{"request_id": "bogus"},
	})
	assert.Equal(t, "bogus", nonMatching["payload"].(map[string]any)["request_id"])
}

func TestManifestSaveLoadRoundTrip(t *testing.T) {
	_, traceID, golden := emitRun(t, "round trip")

	r := New()
	m, err := r.CreateManifest(golden, "rt", "round trip manifest", []string{"regression"})
	require.NoError(t, err)
	assert.Equal(t, ManifestVersion, m.ManifestVersion)
	assert.Equal(t, traceID, m.TraceID)
	assert.Equal(t, 2, m.ExpectedEventCount)

	path := filepath.Join(t.TempDir(), "manifests", "rt.json")
	require.NoError(t, SaveManifest(m, path))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m.TraceID, loaded.TraceID)
	assert.Equal(t, m.ExpectedEventCount, loaded.ExpectedEventCount)
	assert.Equal(t, len(m.Nondeterminism), len(loaded.Nondeterminism))
	assert.Len(t, loaded.ExpectedEvents, 2)
}

func TestExportWritesManifest(t *testing.T) {
	bus, traceID, _ := emitRun(t, "export me")

	path := filepath.Join(t.TempDir(), "export.json")
	m, err := Export(bus, traceID, "exported", "desc", path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.ExpectedEventCount)

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, traceID, loaded.TraceID)
}

func TestPathMatches(t *testing.T) {
	cases := []struct {
		path    string
		pattern string
		want    bool
	}{
		{"time", "time", true},
		{"payload.time", "*.time", true},
		{"trace.span_id", "trace.span_id", true},
		{"trace.span_id", "*.span_id", true},
		{"payload.nested.span_id", "*.span_id", true},
		{"payload.goal", "*.span_id", false},
		{"trace.trace_id", "trace.*", true},
		{"span_id_extra", "span_id", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, pathMatches(tc.path, tc.pattern), "%s vs %s", tc.path, tc.pattern)
	}
}
