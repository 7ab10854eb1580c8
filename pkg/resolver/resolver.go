// Package resolver implements CARP resolution: composing Atlas material,
// task, session, and policy decision into a bounded Resolution, with every
// step written to the telemetry bus.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/atlas"
	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/policy"
	"github.com/Mindburn-Labs/carp/pkg/session"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// PolicyDeniedError is returned when policy denies a resolution. No
// resolution is produced; the denial is already on the trace.
type PolicyDeniedError struct {
	Reason string
	RuleID string
}

func (e *PolicyDeniedError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("policy denied (%s): %s", e.RuleID, e.Reason)
	}
	return "policy denied: " + e.Reason
}

// DefaultActionTimeoutMS is stamped on allowed actions that do not declare
// their own timeout.
const DefaultActionTimeoutMS = 30000

// Context block TTLs in seconds.
const (
	guidelinesTTL  = 3600
	taskContextTTL = 1800
)

// Resolver is the authoritative source for what context and actions are
// permitted for a task. It holds non-owning references to the runtime's
// subsystems.
type Resolver struct {
	bus      *trace.Bus
	sessions *session.Manager
	engine   *policy.Engine
	registry *atlas.Registry
	logger   *slog.Logger
}

// New builds a resolver. registry may be nil when no Atlases are mounted.
func New(bus *trace.Bus, sessions *session.Manager, engine *policy.Engine, registry *atlas.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{bus: bus, sessions: sessions, engine: engine, registry: registry, logger: logger}
}

// Resolve handles a carp.request envelope end to end: session validation,
// policy evaluation, resolution assembly, and event emission.
func (r *Resolver) Resolve(ctx context.Context, req *carp.Request) (*carp.Response, error) {
	sess, err := r.sessions.Get(ctx, req.Session.SessionID)
	if err != nil {
		return nil, err
	}

	spanID := uuid.New()
	parentSpan := req.Trace.ParentSpanID
	if parentSpan == nil {
		orig := req.Trace.SpanID
		parentSpan = &orig
	}
	var atlasRef *trace.AtlasRef
	if req.Atlas != nil {
		atlasRef = &trace.AtlasRef{ID: req.Atlas.ID, Version: req.Atlas.Version}
	}

	task := req.Payload.Task
	r.bus.Emit(ctx, trace.EventResolveRequested, req.Trace.TraceID, sess.SessionID,
		map[string]any{
			"goal":             task.Goal,
			"risk_tier":        string(task.RiskTier),
			"target_platforms": task.TargetPlatforms,
		},
		trace.EmitOptions{SpanID: &spanID, ParentSpanID: parentSpan, Atlas: atlasRef},
	)

	decision := r.engine.Evaluate(policy.Context{
		SessionID:     sess.SessionID,
		PrincipalType: string(sess.Principal.Type),
		PrincipalID:   sess.Principal.ID,
		Scopes:        sess.Scopes,
		RiskTier:      string(task.RiskTier),
		Goal:          task.Goal,
		Timestamp:     time.Now().UTC(),
	})

	if decision.Effect == policy.EffectDeny {
		violations := make([]map[string]any, 0, len(decision.Violations))
		for _, v := range decision.Violations {
			violations = append(violations, map[string]any{
				"rule_id":  v.RuleID,
				"reason":   v.Reason,
				"severity": v.Severity,
				"details":  v.Details,
			})
		}
		r.bus.Emit(ctx, trace.EventPolicyDenied, req.Trace.TraceID, sess.SessionID,
			map[string]any{
				"rule_id":    decision.RuleID,
				"reason":     decision.Reason,
				"violations": violations,
			},
			trace.EmitOptions{SpanID: &spanID, ParentSpanID: parentSpan, Atlas: atlasRef, Severity: trace.SeverityWarn},
		)
		return nil, &PolicyDeniedError{Reason: decision.Reason, RuleID: decision.RuleID}
	}

	resolution := r.assemble(req, decision)

	r.sessions.IncrementResolutionCount(sess.SessionID)

	anyApproval := false
	for _, a := range resolution.AllowedActions {
		if a.RequiresApproval {
			anyApproval = true
			break
		}
	}
	r.bus.Emit(ctx, trace.EventResolveReturned, req.Trace.TraceID, sess.SessionID,
		map[string]any{
			"resolution_id":        resolution.ResolutionID.String(),
			"confidence":           resolution.Confidence,
			"context_block_count":  len(resolution.ContextBlocks),
			"allowed_action_count": len(resolution.AllowedActions),
			"deny_rule_count":      len(resolution.Denylist),
			"requires_approval":    anyApproval,
			"policy_effect":        string(decision.Effect),
		},
		trace.EmitOptions{SpanID: &spanID, ParentSpanID: parentSpan, Atlas: atlasRef},
	)

	return &carp.Response{
		CARPVersion: carp.Version,
		Type:        "carp.response",
		ID:          uuid.New(),
		Time:        time.Now().UTC(),
		Session:     req.Session,
		Atlas:       req.Atlas,
		Payload: carp.ResolveResponsePayload{
			Operation:  "resolve",
			Resolution: resolution,
		},
		Trace: carp.TraceContext{
			TraceID:      req.Trace.TraceID,
			SpanID:       spanID,
			ParentSpanID: req.Trace.ParentSpanID,
		},
	}, nil
}

// assemble builds the Resolution. Given the same Atlas and policy state the
// output is byte-stable apart from the resolution id.
func (r *Resolver) assemble(req *carp.Request, decision policy.Decision) carp.Resolution {
	task := req.Payload.Task

	blocks := []carp.ContextBlock{
		{
			BlockID:     "carp-guidelines",
			Purpose:     "Agent behavior guidelines",
			TTLSeconds:  guidelinesTTL,
			ContentType: carp.ContentMarkdown,
			Content:     agentGuidelines,
		},
		{
			BlockID:     "task-context",
			Purpose:     fmt.Sprintf("Context for: %s", task.Goal),
			TTLSeconds:  taskContextTTL,
			ContentType: carp.ContentMarkdown,
			Content:     taskContextContent(task),
		},
	}
	if policyBlock := policyContextBlock(decision); policyBlock != nil {
		blocks = append(blocks, *policyBlock)
	}

	requiresApproval := decision.RequiresApproval || task.RiskTier == carp.RiskHigh

	actions := []carp.AllowedAction{
		{
			ActionID:    "cra.echo",
			Kind:        carp.ActionToolCall,
			Adapter:     "builtin",
			Description: "Echo a message for testing",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"message": map[string]any{"type": "string"}},
				"required":   []any{"message"},
			},
			RequiresApproval: requiresApproval,
			TimeoutMS:        DefaultActionTimeoutMS,
		},
		{
			ActionID:         "cra.noop",
			Kind:             carp.ActionToolCall,
			Adapter:          "builtin",
			Description:      "No-operation action for testing",
			Schema:           map[string]any{"type": "object", "properties": map[string]any{}},
			RequiresApproval: false,
			TimeoutMS:        DefaultActionTimeoutMS,
		},
	}

	denylist := []carp.DenyRule{
		{Pattern: "*.production.*", Reason: "Production access requires explicit scopes"},
		{Pattern: "rm -rf *", Reason: "Destructive operations not permitted"},
	}

	if r.registry != nil && req.Atlas != nil {
		if mounted := r.registry.Get(req.Atlas.ID); mounted != nil {
			blocks = append(blocks, atlas.ContextBlocksFor(mounted, req.Atlas.Capability)...)
			// Action ids are unique within a resolution; first wins when an
			// atlas exposes the same tool through multiple adapters.
			seen := make(map[string]bool, len(actions))
			for _, a := range actions {
				seen[a.ActionID] = true
			}
			for _, a := range atlas.AllowedActionsFor(mounted, req.Atlas.Capability) {
				if seen[a.ActionID] {
					continue
				}
				seen[a.ActionID] = true
				a.RequiresApproval = a.RequiresApproval || requiresApproval
				if a.TimeoutMS == 0 {
					a.TimeoutMS = DefaultActionTimeoutMS
				}
				actions = append(actions, a)
			}
			denylist = append(denylist, atlas.DenyRulesFor(mounted)...)
		}
	}

	for _, v := range decision.Violations {
		if pattern, ok := v.Details["pattern"].(string); ok && pattern != "" {
			denylist = append(denylist, carp.DenyRule{Pattern: pattern, Reason: v.Reason})
		}
	}

	// Tier sets the base, constraints reduce it.
	confidence := 0.85
	switch task.RiskTier {
	case carp.RiskMedium:
		confidence = 0.75
	case carp.RiskHigh:
		confidence = 0.65
	}
	if decision.Effect == policy.EffectAllowWithConstraints {
		confidence *= 0.9
	}
	confidence = math.Round(confidence*100) / 100
	confidence = math.Min(1, math.Max(0, confidence))

	nextSteps := []carp.NextStep{
		{Step: "Review the allowed actions and constraints", ExpectedArtifacts: []string{"action_plan.md"}},
	}
	if requiresApproval {
		nextSteps = append(nextSteps, carp.NextStep{
			Step:              "Request approval if required",
			ExpectedArtifacts: []string{"approval_request.json"},
		})
	} else {
		nextSteps = append(nextSteps, carp.NextStep{
			Step:              "Execute approved actions",
			ExpectedArtifacts: []string{"execution_log.json"},
		})
	}

	return carp.Resolution{
		ResolutionID:   uuid.New(),
		Confidence:     confidence,
		ContextBlocks:  blocks,
		AllowedActions: actions,
		Denylist:       denylist,
		MergeRules:     carp.MergeRules{Conflict: carp.ConflictLastWriteWins},
		NextSteps:      nextSteps,
	}
}

func taskContextContent(task carp.Task) string {
	constraints := "None specified"
	if len(task.Constraints) > 0 {
		constraints = strings.Join(task.Constraints, ", ")
	}
	return fmt.Sprintf(`## Task Context

**Goal:** %s
**Risk Tier:** %s
**Constraints:** %s

### Guidelines
- Follow the principle of least privilege
- All actions must be approved before execution
- TRACE output is authoritative
`, task.Goal, task.RiskTier, constraints)
}

// policyContextBlock renders the policy decision as a context block. Plain
// allows carry no block.
func policyContextBlock(decision policy.Decision) *carp.ContextBlock {
	if decision.Effect == policy.EffectAllow && !decision.RequiresApproval &&
		len(decision.Redactions) == 0 && len(decision.Constraints) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Policy Evaluation\n\n**Effect:** %s\n**Requires Approval:** %t\n",
		decision.Effect, decision.RequiresApproval)
	if len(decision.Redactions) > 0 {
		fmt.Fprintf(&b, "\n**Redacted Fields:** %s", strings.Join(decision.Redactions, ", "))
	}
	if len(decision.Constraints) > 0 {
		fmt.Fprintf(&b, "\n**Constraints:** %v", decision.Constraints)
	}
	return &carp.ContextBlock{
		BlockID:     "policy-context",
		Purpose:     "Policy evaluation results",
		TTLSeconds:  taskContextTTL,
		ContentType: carp.ContentMarkdown,
		Content:     b.String(),
	}
}

const agentGuidelines = `## CARP Agent Contract

### Core Rules
1. **Always resolve via CARP** before taking any action
2. **Never guess** tool usage or API behavior
3. **TRACE is authoritative**, agent narration is not
4. **Respect TTLs** on context blocks
5. **Honor the denylist**: never attempt denied patterns

### Execution Protocol
1. Request resolution for your task
2. Review allowed actions and constraints
3. Request approval if required
4. Execute only approved actions
5. Monitor TRACE output for confirmation

### Error Handling
- If an action fails, check TRACE for details
- Do not retry without re-resolution
- Report errors through the proper channels
`
