package atlas

import (
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/policy"
)

// Registry holds loaded Atlases keyed by id.
type Registry struct {
	mu      sync.RWMutex
	loader  *Loader
	atlases map[string]*Atlas
}

// NewRegistry builds an empty registry with its own loader.
func NewRegistry() *Registry {
	return &Registry{
		loader:  NewLoader(),
		atlases: make(map[string]*Atlas),
	}
}

// Register loads the bundle at path and registers it by manifest id,
// replacing any previous registration under the same id.
func (r *Registry) Register(path string) (*Atlas, error) {
	a, err := r.loader.Load(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.atlases[a.ID()] = a
	r.mu.Unlock()
	return a, nil
}

// Get returns the Atlas registered under id, or nil.
func (r *Registry) Get(atlasID string) *Atlas {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.atlases[atlasID]
}

// GetByCapability returns every registered Atlas declaring the capability.
func (r *Registry) GetByCapability(capability string) []*Atlas {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Atlas
	for _, a := range r.atlases {
		if a.HasCapability(capability) {
			out = append(out, a)
		}
	}
	return out
}

// List returns all registered Atlases.
func (r *Registry) List() []*Atlas {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Atlas, 0, len(r.atlases))
	for _, a := range r.atlases {
		out = append(out, a)
	}
	return out
}

// Unregister removes an Atlas by id, reporting whether it was present.
func (r *Registry) Unregister(atlasID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.atlases[atlasID]; !ok {
		return false
	}
	delete(r.atlases, atlasID)
	return true
}

// blockTTLSeconds is the TTL stamped on context blocks drawn from a bundle.
const blockTTLSeconds = 3600

// ContextBlocksFor turns an Atlas's context packs into resolution context
// blocks. The capability filter is accepted for forward compatibility; packs
// carry no capability metadata yet, so all packs are returned.
func ContextBlocksFor(a *Atlas, capability string) []carp.ContextBlock {
	_ = capability
	var blocks []carp.ContextBlock
	for _, pack := range a.ContextPacks {
		contentType := carp.ContentMarkdown
		switch pack.ContentType {
		case "application/json":
			contentType = carp.ContentJSON
		case "text/plain":
			contentType = carp.ContentPlain
		}
		blocks = append(blocks, carp.ContextBlock{
			BlockID:     fmt.Sprintf("%s:%s", a.ID(), pack.Path),
			Purpose:     fmt.Sprintf("Atlas context: %s", pack.Path),
			TTLSeconds:  blockTTLSeconds,
			ContentType: contentType,
			Content:     pack.Content,
		})
	}
	return blocks
}

// AllowedActionsFor extracts allowed actions from an Atlas's adapter
// descriptors. OpenAI tool definitions map to tool_call actions, MCP tool
// listings to mcp_call actions.
func AllowedActionsFor(a *Atlas, capability string) []carp.AllowedAction {
	_ = capability
	var actions []carp.AllowedAction

	if descriptor, ok := a.Adapters["openai"]; ok {
		for _, tool := range toolList(descriptor) {
			fn, _ := tool["function"].(map[string]any)
			actions = append(actions, carp.AllowedAction{
				ActionID:    stringField(fn, "name", "unknown"),
				Kind:        carp.ActionToolCall,
				Adapter:     "openai",
				Description: stringField(fn, "description", ""),
				Schema:      mapField(fn, "parameters"),
			})
		}
	}
	if descriptor, ok := a.Adapters["mcp"]; ok {
		for _, tool := range toolList(descriptor) {
			actions = append(actions, carp.AllowedAction{
				ActionID:    stringField(tool, "name", "unknown"),
				Kind:        carp.ActionMCPCall,
				Adapter:     "mcp",
				Description: stringField(tool, "description", ""),
				Schema:      mapField(tool, "inputSchema"),
			})
		}
	}
	return actions
}

// DenyRulesFor extracts enforceable deny patterns from an Atlas's policy
// files: deny_pattern rule definitions and effect-tagged deny entries.
func DenyRulesFor(a *Atlas) []carp.DenyRule {
	var rules []carp.DenyRule
	for _, pf := range a.Policies {
		for _, rule := range pf.Rules {
			switch {
			case rule.Kind == "deny_pattern":
				reason := rule.Description
				if reason == "" {
					reason = fmt.Sprintf("Denied by policy %s", pf.PolicyID)
				}
				for _, p := range rule.Patterns {
					rules = append(rules, carp.DenyRule{Pattern: p, Reason: reason})
				}
			case rule.Effect == "deny":
				reason := rule.Reason
				if reason == "" {
					reason = fmt.Sprintf("Denied by policy %s", pf.PolicyID)
				}
				for _, action := range rule.Actions {
					rules = append(rules, carp.DenyRule{Pattern: action, Reason: reason})
				}
			}
		}
	}
	return rules
}

// MountPolicies compiles the kind-tagged rule definitions from every policy
// file in the Atlas and installs them on the engine in file order. store
// backs any rate_limit rules.
func MountPolicies(a *Atlas, engine *policy.Engine, store policy.RateLimitStore) error {
	for _, pf := range a.Policies {
		for _, rule := range pf.Rules {
			if rule.Kind == "" {
				continue
			}
			compiled, err := rule.RuleDefinition.Compile(store)
			if err != nil {
				return fmt.Errorf("atlas %s policy %s: %w", a.ID(), pf.PolicyID, err)
			}
			engine.AddRule(compiled)
		}
	}
	return nil
}

func toolList(descriptor map[string]any) []map[string]any {
	raw, _ := descriptor["tools"].([]any)
	var tools []map[string]any
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			tools = append(tools, m)
		}
	}
	return tools
}

func stringField(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}
