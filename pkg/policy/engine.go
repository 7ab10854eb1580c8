package policy

import (
	"fmt"
	"sync"
)

// Default rule ids installed at engine construction.
const (
	RuleDenyDangerous    = "deny-dangerous-commands"
	RuleHighRiskApproval = "high-risk-approval"
	RuleRedactSecrets    = "redact-secrets"
)

// defaultDenyPatterns are the obviously destructive globs every engine
// carries regardless of mounted Atlas policy.
var defaultDenyPatterns = []string{
	"rm -rf *",
	"rm -rf /",
	"dd if=*",
	"mkfs.*",
	":(){ :|:& };:",
	"*.production.*",
	"DROP TABLE*",
	"DELETE FROM*",
}

// defaultRedactionFields are the metadata key substrings redacted by default.
var defaultRedactionFields = []string{"password", "secret", "token", "api_key", "credential"}

// Engine evaluates rules in insertion order and folds partial decisions per
// the precedence lattice. A deny short-circuits immediately.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine constructs an engine with the built-in default rules: a
// deny-pattern rule for destructive globs, an approval gate for high risk,
// and a redaction rule for common secret field names.
func NewEngine() *Engine {
	e := &Engine{}
	denyRule, err := NewDenyPatternRule(RuleDenyDangerous, defaultDenyPatterns, "Deny dangerous system commands")
	if err != nil {
		// Default patterns are static; a compile failure is a programmer error.
		panic(fmt.Sprintf("policy: default deny patterns invalid: %v", err))
	}
	e.AddRule(denyRule)
	e.AddRule(&RiskApprovalRule{
		RuleID:      RuleHighRiskApproval,
		RiskTiers:   []string{"high"},
		Description: "Require approval for high-risk operations",
	})
	e.AddRule(&RedactionRule{
		RuleID:        RuleRedactSecrets,
		FieldPatterns: defaultRedactionFields,
		Description:   "Redact sensitive fields",
	})
	return e
}

// NewEmptyEngine constructs an engine with no rules. Intended for tests and
// for mounting a fully custom rule set.
func NewEmptyEngine() *Engine {
	return &Engine{}
}

// AddRule appends a rule; evaluation order is insertion order.
func (e *Engine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// RemoveRule removes a rule by id. Returns true when a rule was removed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID() == ruleID {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the installed rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// evaluateRule runs one rule, converting a panic into a deny decision
// attributed to the panicking rule.
func evaluateRule(rule Rule, ctx Context) (decision *Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = &Decision{
				Effect: EffectDeny,
				RuleID: rule.ID(),
				Reason: fmt.Sprintf("rule panicked: %v", r),
				Violations: []Violation{{
					RuleID:   rule.ID(),
					Reason:   fmt.Sprintf("rule panicked: %v", r),
					Severity: "error",
				}},
			}
		}
	}()
	return rule.Evaluate(ctx)
}

// Evaluate runs every rule against the context and folds the partial
// decisions:
//
//  1. deny short-circuits with the violations aggregated so far;
//  2. require_approval overrides any weaker running effect;
//  3. allow_with_constraints upgrades a plain allow, merging constraint maps
//     (last writer wins) and unioning redactions;
//  4. no applicable rule means allow.
func (e *Engine) Evaluate(ctx Context) Decision {
	rules := e.Rules()

	var (
		violations       []Violation
		redactions       []string
		seenRedaction    = map[string]bool{}
		constraints      = map[string]any{}
		requiresApproval bool
		approvalReason   string
	)

	finalEffect := EffectAllow
	finalRuleID := ""
	finalReason := "Allowed by default policy"

	for _, rule := range rules {
		decision := evaluateRule(rule, ctx)
		if decision == nil {
			continue
		}

		violations = append(violations, decision.Violations...)
		for _, r := range decision.Redactions {
			if !seenRedaction[r] {
				seenRedaction[r] = true
				redactions = append(redactions, r)
			}
		}
		for k, v := range decision.Constraints {
			constraints[k] = v
		}
		if decision.RequiresApproval {
			requiresApproval = true
			approvalReason = decision.ApprovalReason
		}

		switch decision.Effect {
		case EffectDeny:
			return Decision{
				Effect:     EffectDeny,
				RuleID:     decision.RuleID,
				Reason:     decision.Reason,
				Violations: violations,
			}
		case EffectRequireApproval:
			finalEffect = EffectRequireApproval
			finalRuleID = decision.RuleID
			finalReason = decision.Reason
		case EffectAllowWithConstraints:
			if finalEffect == EffectAllow {
				finalEffect = EffectAllowWithConstraints
				finalRuleID = decision.RuleID
				finalReason = decision.Reason
			}
		}
	}

	if len(constraints) == 0 {
		constraints = nil
	}
	return Decision{
		Effect:           finalEffect,
		RuleID:           finalRuleID,
		Reason:           finalReason,
		Violations:       violations,
		Constraints:      constraints,
		Redactions:       redactions,
		RequiresApproval: requiresApproval,
		ApprovalReason:   approvalReason,
	}
}
