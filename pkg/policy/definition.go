package policy

import (
	"fmt"
)

// RuleDefinition is the declarative form of a rule as it appears in an Atlas
// policy file. Kind selects the variant; the variant-specific fields are
// ignored for other kinds.
type RuleDefinition struct {
	RuleID        string   `json:"rule_id" yaml:"rule_id"`
	Kind          string   `json:"kind" yaml:"kind"` // scope, deny_pattern, risk_approval, rate_limit, redaction
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Scopes        []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	Patterns      []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	RiskTiers     []string `json:"risk_tiers,omitempty" yaml:"risk_tiers,omitempty"`
	MaxRequests   int      `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	WindowSeconds int      `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
	FieldPatterns []string `json:"field_patterns,omitempty" yaml:"field_patterns,omitempty"`
}

// Compile materializes a rule definition into an evaluable Rule. store backs
// rate_limit rules and may be nil for the in-memory default.
func (d RuleDefinition) Compile(store RateLimitStore) (Rule, error) {
	if d.RuleID == "" {
		return nil, fmt.Errorf("rule definition missing rule_id")
	}
	switch d.Kind {
	case "scope":
		if len(d.Scopes) == 0 {
			return nil, fmt.Errorf("rule %s: scope rule requires scopes", d.RuleID)
		}
		return &ScopeRule{RuleID: d.RuleID, RequiredScopes: d.Scopes, Description: d.Description}, nil
	case "deny_pattern":
		if len(d.Patterns) == 0 {
			return nil, fmt.Errorf("rule %s: deny_pattern rule requires patterns", d.RuleID)
		}
		return NewDenyPatternRule(d.RuleID, d.Patterns, d.Description)
	case "risk_approval":
		if len(d.RiskTiers) == 0 {
			return nil, fmt.Errorf("rule %s: risk_approval rule requires risk_tiers", d.RuleID)
		}
		return &RiskApprovalRule{RuleID: d.RuleID, RiskTiers: d.RiskTiers, Description: d.Description}, nil
	case "rate_limit":
		if d.MaxRequests <= 0 || d.WindowSeconds <= 0 {
			return nil, fmt.Errorf("rule %s: rate_limit rule requires positive max_requests and window_seconds", d.RuleID)
		}
		return NewRateLimitRule(d.RuleID, d.MaxRequests, d.WindowSeconds, store), nil
	case "redaction":
		if len(d.FieldPatterns) == 0 {
			return nil, fmt.Errorf("rule %s: redaction rule requires field_patterns", d.RuleID)
		}
		return &RedactionRule{RuleID: d.RuleID, FieldPatterns: d.FieldPatterns, Description: d.Description}, nil
	default:
		return nil, fmt.Errorf("rule %s: unknown rule kind %q", d.RuleID, d.Kind)
	}
}
