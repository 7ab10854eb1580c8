package atlas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/policy"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func writeBundle(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "atlas.json", `{
		"id": "demo.search",
		"version": "1.2.0",
		"name": "Demo Search",
		"capabilities": ["search", "summarize"],
		"context_packs": ["context/guide.md", "context/settings.yaml"],
		"policies": ["policies/base.json"],
		"adapters": {"openai": "adapters/openai.json", "mcp": "adapters/mcp.json"},
		"min_runtime_version": "0.5.0"
	}`)
	writeFile(t, root, "context/guide.md", "# Search guide\nUse the index.")
	writeFile(t, root, "context/settings.yaml", "depth: 3\nregions: [eu, us]\n")
	writeFile(t, root, "policies/base.json", `{
		"id": "base-policy",
		"name": "Base Policy",
		"rules": [
			{"rule_id": "need-search-scope", "kind": "scope", "scopes": ["search"]},
			{"effect": "deny", "actions": ["admin.*"], "reason": "No admin surface"}
		]
	}`)
	writeFile(t, root, "adapters/openai.json", `{
		"tools": [{
			"type": "function",
			"function": {
				"name": "demo.search.query",
				"description": "Run a search query",
				"parameters": {"type": "object", "properties": {"q": {"type": "string"}}}
			}
		}]
	}`)
	writeFile(t, root, "adapters/mcp.json", `{
		"tools": [{
			"name": "demo.search.fetch",
			"description": "Fetch a document",
			"inputSchema": {"type": "object", "properties": {"uri": {"type": "string"}}}
		}]
	}`)
	return root
}

func TestLoaderLoadsFullBundle(t *testing.T) {
	root := writeBundle(t)
	loader := NewLoader()

	a, err := loader.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "demo.search", a.ID())
	assert.Equal(t, "1.2.0", a.Version())
	assert.True(t, a.HasCapability("search"))
	assert.False(t, a.HasCapability("deploy"))

	require.Len(t, a.ContextPacks, 2)
	assert.Equal(t, "text/markdown", a.ContextPacks[0].ContentType)
	assert.Equal(t, "application/yaml", a.ContextPacks[1].ContentType)

	require.Len(t, a.Policies, 1)
	assert.Equal(t, "base-policy", a.Policies[0].PolicyID)
	require.Len(t, a.Policies[0].Rules, 2)

	assert.Contains(t, a.Adapters, "openai")
	assert.Contains(t, a.Adapters, "mcp")
}

func TestLoaderCachesByAbsolutePath(t *testing.T) {
	root := writeBundle(t)
	loader := NewLoader()

	first, err := loader.Load(root)
	require.NoError(t, err)
	second, err := loader.Load(root)
	require.NoError(t, err)
	assert.Same(t, first, second)

	loader.ClearCache()
	third, err := loader.Load(root)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestLoaderMissingManifestIsNotFound(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Load(t.TempDir())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoaderRejectsInvalidManifests(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
	}{
		{"bad json", `{not json`},
		{"bad id", `{"id": "Has-Uppercase", "version": "1.0.0", "name": "x"}`},
		{"bad version", `{"id": "ok.id", "version": "not-semver", "name": "x"}`},
		{"unknown adapter", `{"id": "ok.id", "version": "1.0.0", "name": "x", "adapters": {"grok": "a.json"}}`},
		{"missing name", `{"id": "ok.id", "version": "1.0.0"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, "atlas.json", tc.manifest)
			_, err := NewLoader().Load(root)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestLoaderRejectsDanglingContextPack(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "atlas.json", `{
		"id": "demo", "version": "1.0.0", "name": "Demo",
		"context_packs": ["missing.md"]
	}`)
	_, err := NewLoader().Load(root)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoaderRejectsFutureRuntimeRequirement(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "atlas.json", `{
		"id": "demo", "version": "1.0.0", "name": "Demo",
		"min_runtime_version": "99.0.0"
	}`)
	_, err := NewLoader().Load(root)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Detail, "requires runtime")
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Register(writeBundle(t))
	require.NoError(t, err)

	assert.Same(t, a, reg.Get("demo.search"))
	assert.Nil(t, reg.Get("absent"))
	assert.Len(t, reg.List(), 1)

	byCap := reg.GetByCapability("summarize")
	require.Len(t, byCap, 1)
	assert.Same(t, a, byCap[0])
	assert.Empty(t, reg.GetByCapability("deploy"))

	assert.True(t, reg.Unregister("demo.search"))
	assert.False(t, reg.Unregister("demo.search"))
	assert.Nil(t, reg.Get("demo.search"))
}

func TestContextBlocksFor(t *testing.T) {
	a, err := NewLoader().Load(writeBundle(t))
	require.NoError(t, err)

	blocks := ContextBlocksFor(a, "")
	require.Len(t, blocks, 2)
	assert.Equal(t, "demo.search:context/guide.md", blocks[0].BlockID)
	assert.Equal(t, carp.ContentMarkdown, blocks[0].ContentType)
	assert.Equal(t, blockTTLSeconds, blocks[0].TTLSeconds)
	assert.Contains(t, blocks[0].Content, "Search guide")
}

func TestAllowedActionsFor(t *testing.T) {
	a, err := NewLoader().Load(writeBundle(t))
	require.NoError(t, err)

	actions := AllowedActionsFor(a, "")
	require.Len(t, actions, 2)

	assert.Equal(t, "demo.search.query", actions[0].ActionID)
	assert.Equal(t, carp.ActionToolCall, actions[0].Kind)
	assert.Equal(t, "openai", actions[0].Adapter)
	assert.Equal(t, "object", actions[0].Schema["type"])

	assert.Equal(t, "demo.search.fetch", actions[1].ActionID)
	assert.Equal(t, carp.ActionMCPCall, actions[1].Kind)
	assert.Equal(t, "mcp", actions[1].Adapter)
}

func TestDenyRulesFor(t *testing.T) {
	a, err := NewLoader().Load(writeBundle(t))
	require.NoError(t, err)

	rules := DenyRulesFor(a)
	require.Len(t, rules, 1)
	assert.Equal(t, "admin.*", rules[0].Pattern)
	assert.Equal(t, "No admin surface", rules[0].Reason)
}

func TestMountPolicies(t *testing.T) {
	a, err := NewLoader().Load(writeBundle(t))
	require.NoError(t, err)

	engine := policy.NewEmptyEngine()
	require.NoError(t, MountPolicies(a, engine, policy.NewMemoryRateLimitStore()))

	rules := engine.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "need-search-scope", rules[0].ID())

	decision := engine.Evaluate(policy.Context{Scopes: []string{"other"}})
	assert.Equal(t, policy.EffectDeny, decision.Effect)
	assert.Equal(t, "need-search-scope", decision.RuleID)
}

func TestYAMLPolicyFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "atlas.json", `{
		"id": "demo", "version": "1.0.0", "name": "Demo",
		"policies": ["policies/limits.yaml"]
	}`)
	writeFile(t, root, "policies/limits.yaml", `
id: limits
name: Limits
rules:
  - rule_id: throttle
    kind: rate_limit
    max_requests: 5
    window_seconds: 60
`)
	a, err := NewLoader().Load(root)
	require.NoError(t, err)
	require.Len(t, a.Policies, 1)
	require.Len(t, a.Policies[0].Rules, 1)
	assert.Equal(t, "throttle", a.Policies[0].Rules[0].RuleID)
	assert.Equal(t, 5, a.Policies[0].Rules[0].MaxRequests)
}
