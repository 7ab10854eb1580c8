// Package policy implements ordered rule evaluation for CARP resolutions:
// scope validation, deny patterns, risk approval gates, rate limiting, and
// redaction. Decisions follow a fixed precedence lattice:
// deny > require_approval > allow_with_constraints > allow.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Effect is the outcome class of a policy decision.
type Effect string

const (
	EffectAllow                Effect = "allow"
	EffectAllowWithConstraints Effect = "allow_with_constraints"
	EffectRequireApproval      Effect = "require_approval"
	EffectDeny                 Effect = "deny"
)

// Violation records why a rule objected.
type Violation struct {
	RuleID   string         `json:"rule_id"`
	Reason   string         `json:"reason"`
	Severity string         `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Decision is the folded result of evaluating all rules.
type Decision struct {
	Effect           Effect         `json:"effect"`
	RuleID           string         `json:"rule_id,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Violations       []Violation    `json:"violations,omitempty"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	Redactions       []string       `json:"redactions,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalReason   string         `json:"approval_reason,omitempty"`
}

// Context is the input to a policy evaluation.
type Context struct {
	SessionID     uuid.UUID
	PrincipalType string
	PrincipalID   string
	Scopes        []string
	RiskTier      string
	Goal          string
	ActionID      string
	Resource      string
	Timestamp     time.Time
	Metadata      map[string]any
}

// Rule is one policy rule. Evaluate returns nil when the rule does not apply.
// Rules must be pure; a panicking rule is converted to a deny by the engine.
type Rule interface {
	ID() string
	Evaluate(ctx Context) *Decision
}

// globToRegexp compiles a glob pattern into an anchored, case-insensitive
// regexp: * matches any run, ? matches one character, everything else is
// literal.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile(`(?i)^` + escaped + `$`)
}

var (
	nonAlnumRun = regexp.MustCompile(`[^a-zA-Z0-9]+`)
	multiDot    = regexp.MustCompile(`\.+`)
	humanText   = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// normalizeTarget maps free text onto the dotted namespace deny patterns use:
// non-alphanumeric runs collapse to dots, lowercased, repeats deduplicated,
// leading and trailing dots trimmed. "Deploy to production environment"
// becomes "deploy.to.production.environment".
func normalizeTarget(target string) string {
	normalized := nonAlnumRun.ReplaceAllString(strings.ToLower(target), ".")
	normalized = multiDot.ReplaceAllString(normalized, ".")
	return strings.Trim(normalized, ".")
}

// candidateTargets returns the raw target plus, for human-friendly text, its
// normalized form. Already dot-scoped identifiers are left alone to avoid
// over-matching.
func candidateTargets(target string) []string {
	candidates := []string{target}
	if humanText.MatchString(target) {
		if n := normalizeTarget(target); n != "" && n != target {
			candidates = append(candidates, n)
		}
	}
	return candidates
}

// ScopeRule denies when any required scope is missing from the context.
type ScopeRule struct {
	RuleID         string
	RequiredScopes []string
	Description    string
}

func (r *ScopeRule) ID() string { return r.RuleID }

func (r *ScopeRule) Evaluate(ctx Context) *Decision {
	have := make(map[string]bool, len(ctx.Scopes))
	for _, s := range ctx.Scopes {
		have[s] = true
	}
	var missing []string
	for _, s := range r.RequiredScopes {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	violations := make([]Violation, 0, len(missing))
	for _, s := range missing {
		violations = append(violations, Violation{
			RuleID:   r.RuleID,
			Reason:   fmt.Sprintf("Missing scope: %s", s),
			Severity: "error",
			Details:  map[string]any{"scope": s},
		})
	}
	return &Decision{
		Effect:     EffectDeny,
		RuleID:     r.RuleID,
		Reason:     fmt.Sprintf("Missing required scopes: %s", strings.Join(missing, ", ")),
		Violations: violations,
	}
}

// DenyPatternRule denies when the action id, resource, goal, or the
// normalized form of the goal matches one of its glob patterns.
type DenyPatternRule struct {
	RuleID      string
	Description string

	patterns []*regexp.Regexp
	raw      []string
}

// NewDenyPatternRule compiles the glob patterns up front. Invalid globs are
// an error; deny patterns must be enforceable.
func NewDenyPatternRule(ruleID string, patterns []string, description string) (*DenyPatternRule, error) {
	r := &DenyPatternRule{RuleID: ruleID, Description: description, raw: patterns}
	for _, p := range patterns {
		re, err := globToRegexp(p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *DenyPatternRule) ID() string { return r.RuleID }

// Patterns returns the raw glob strings.
func (r *DenyPatternRule) Patterns() []string { return r.raw }

func (r *DenyPatternRule) Evaluate(ctx Context) *Decision {
	targets := make([]string, 0, 3)
	for _, t := range []string{ctx.ActionID, ctx.Resource, ctx.Goal} {
		if t != "" {
			targets = append(targets, t)
		}
	}
	for _, target := range targets {
		for _, candidate := range candidateTargets(target) {
			for i, re := range r.patterns {
				if !re.MatchString(candidate) {
					continue
				}
				details := map[string]any{
					"pattern": r.raw[i],
					"matched": target,
				}
				if candidate != target {
					details["normalized_match"] = candidate
				}
				return &Decision{
					Effect: EffectDeny,
					RuleID: r.RuleID,
					Reason: fmt.Sprintf("Denied by pattern: %s", r.raw[i]),
					Violations: []Violation{{
						RuleID:   r.RuleID,
						Reason:   "Matched deny pattern",
						Severity: "error",
						Details:  details,
					}},
				}
			}
		}
	}
	return nil
}

// RiskApprovalRule requires approval for configured risk tiers.
type RiskApprovalRule struct {
	RuleID      string
	RiskTiers   []string
	Description string
}

func (r *RiskApprovalRule) ID() string { return r.RuleID }

func (r *RiskApprovalRule) Evaluate(ctx Context) *Decision {
	for _, tier := range r.RiskTiers {
		if ctx.RiskTier == tier {
			return &Decision{
				Effect:           EffectRequireApproval,
				RuleID:           r.RuleID,
				Reason:           fmt.Sprintf("Risk tier %q requires approval", ctx.RiskTier),
				RequiresApproval: true,
				ApprovalReason:   fmt.Sprintf("High-risk operation: %s", ctx.Goal),
			}
		}
	}
	return nil
}

// RedactionRule flags metadata keys that contain any configured substring,
// case-insensitively. It never blocks; it upgrades allow to
// allow_with_constraints carrying the redaction list.
type RedactionRule struct {
	RuleID        string
	FieldPatterns []string
	Description   string
}

func (r *RedactionRule) ID() string { return r.RuleID }

func (r *RedactionRule) Evaluate(ctx Context) *Decision {
	var matched []string
	for _, pattern := range r.FieldPatterns {
		lower := strings.ToLower(pattern)
		for key := range ctx.Metadata {
			if strings.Contains(strings.ToLower(key), lower) {
				matched = append(matched, pattern)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return &Decision{
		Effect:     EffectAllowWithConstraints,
		RuleID:     r.RuleID,
		Reason:     "Fields require redaction",
		Redactions: matched,
	}
}
