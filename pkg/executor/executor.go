// Package executor dispatches granted actions: grant bookkeeping, approval
// workflow, schema validation, timeout enforcement, and TRACE emission for
// every invocation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/carp/pkg/canonicalize"
	"github.com/Mindburn-Labs/carp/pkg/session"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

var (
	// ErrActionNotFound means no grant matches the requested action.
	ErrActionNotFound = errors.New("action grant not found")
	// ErrActionExpired means the matching grant has passed its expiry.
	ErrActionExpired = errors.New("action grant expired")
	// ErrActionNotApproved means the grant requires an approval that has
	// not been given.
	ErrActionNotApproved = errors.New("action requires approval")
)

// Handler executes one action. The context carries the per-action timeout.
type Handler func(ctx context.Context, actionID string, params map[string]any) (map[string]any, error)

// DefaultGrantTTLSeconds bounds grants that declare no TTL.
const DefaultGrantTTLSeconds = 3600

// defaultTimeoutMS bounds handlers on grants that declare no timeout.
const defaultTimeoutMS = 30000

// grantState pairs a grant with its invocation lock. Invocations of the same
// grant are serialized; different grants run independently.
type grantState struct {
	grant    Grant
	invokeMu sync.Mutex
	schema   *jsonschema.Schema
}

// Executor owns all grants and execution records. Every invocation is
// recorded in TRACE.
type Executor struct {
	bus      *trace.Bus
	sessions *session.Manager
	logger   *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	grants     map[uuid.UUID]*grantState
	executions map[uuid.UUID]*Execution
	pending    map[uuid.UUID]ApprovalRequest
	handlers   map[string]Handler
}

// New builds an executor with the builtin echo and noop handlers registered.
func New(bus *trace.Bus, sessions *session.Manager, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		bus:        bus,
		sessions:   sessions,
		logger:     logger,
		clock:      func() time.Time { return time.Now().UTC() },
		grants:     make(map[uuid.UUID]*grantState),
		executions: make(map[uuid.UUID]*Execution),
		pending:    make(map[uuid.UUID]ApprovalRequest),
		handlers:   make(map[string]Handler),
	}
	e.RegisterHandler("cra.echo", func(_ context.Context, actionID string, params map[string]any) (map[string]any, error) {
		message, _ := params["message"].(string)
		return map[string]any{"echo": message, "action_id": actionID}, nil
	})
	e.RegisterHandler("cra.noop", func(context.Context, string, map[string]any) (map[string]any, error) {
		return map[string]any{"status": "ok"}, nil
	})
	return e
}

// SetClock overrides the time source. Intended for tests.
func (e *Executor) SetClock(clock func() time.Time) {
	e.clock = clock
}

// RegisterHandler installs the handler for an action id, replacing any
// previous registration. Unregistered actions fall back to a passthrough
// handler that echoes parameters.
func (e *Executor) RegisterHandler(actionID string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[actionID] = handler
}

// Grant authorizes an action from a resolution and emits
// trace.action.granted.
func (e *Executor) Grant(ctx context.Context, req GrantRequest) (Grant, error) {
	now := e.clock()
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultGrantTTLSeconds
	}
	timeout := req.TimeoutMS
	if timeout <= 0 {
		timeout = defaultTimeoutMS
	}

	schema, err := compileGrantSchema(req.ActionID, req.Schema)
	if err != nil {
		return Grant{}, err
	}

	g := Grant{
		GrantID:          uuid.New(),
		ResolutionID:     req.ResolutionID,
		ActionID:         req.ActionID,
		Kind:             req.Kind,
		Adapter:          req.Adapter,
		Schema:           req.Schema,
		Constraints:      req.Constraints,
		RequiresApproval: req.RequiresApproval,
		TimeoutMS:        timeout,
		ExpiresAt:        now.Add(time.Duration(ttl) * time.Second),
		CreatedAt:        now,
	}

	e.mu.Lock()
	e.grants[g.GrantID] = &grantState{grant: g, schema: schema}
	e.mu.Unlock()

	e.bus.Emit(ctx, trace.EventActionGranted, req.TraceID, req.SessionID,
		map[string]any{
			"grant_id":          g.GrantID.String(),
			"action_id":         g.ActionID,
			"resolution_id":     g.ResolutionID.String(),
			"requires_approval": g.RequiresApproval,
			"expires_at":        g.ExpiresAt.Format(time.RFC3339),
		},
		trace.EmitOptions{},
	)
	return g, nil
}

// RequestApproval records a pending approval for a grant and emits
// trace.action.granted with status pending_approval.
func (e *Executor) RequestApproval(ctx context.Context, grantID, sessionID, traceID uuid.UUID, reason, riskTier, requestedBy string) (ApprovalRequest, error) {
	e.mu.Lock()
	gs, ok := e.grants[grantID]
	if !ok {
		e.mu.Unlock()
		return ApprovalRequest{}, fmt.Errorf("%w: grant %s", ErrActionNotFound, grantID)
	}
	req := ApprovalRequest{
		GrantID:     grantID,
		SessionID:   sessionID,
		ActionID:    gs.grant.ActionID,
		Reason:      reason,
		RiskTier:    riskTier,
		RequestedBy: requestedBy,
		RequestedAt: e.clock(),
	}
	e.pending[grantID] = req
	e.mu.Unlock()

	e.bus.Emit(ctx, trace.EventActionGranted, traceID, sessionID,
		map[string]any{
			"grant_id":          grantID.String(),
			"action_id":         req.ActionID,
			"requires_approval": true,
			"status":            "pending_approval",
		},
		trace.EmitOptions{},
	)
	return req, nil
}

// Approve marks a grant approved and emits trace.action.granted.
func (e *Executor) Approve(ctx context.Context, grantID uuid.UUID, approvedBy string, sessionID, traceID uuid.UUID) (ApprovalResponse, error) {
	e.mu.Lock()
	gs, ok := e.grants[grantID]
	if !ok {
		e.mu.Unlock()
		return ApprovalResponse{}, fmt.Errorf("%w: grant %s", ErrActionNotFound, grantID)
	}
	now := e.clock()
	gs.grant.Approved = true
	gs.grant.ApprovedBy = approvedBy
	gs.grant.ApprovedAt = &now
	actionID := gs.grant.ActionID
	delete(e.pending, grantID)
	e.mu.Unlock()

	e.bus.Emit(ctx, trace.EventActionGranted, traceID, sessionID,
		map[string]any{
			"grant_id":    grantID.String(),
			"action_id":   actionID,
			"approved":    true,
			"approved_by": approvedBy,
		},
		trace.EmitOptions{},
	)
	return ApprovalResponse{GrantID: grantID, Approved: true, ApprovedBy: approvedBy, ApprovedAt: &now}, nil
}

// Reject removes a grant and emits trace.action.failed with the rejection.
func (e *Executor) Reject(ctx context.Context, grantID uuid.UUID, rejectedBy, reason string, sessionID, traceID uuid.UUID) (ApprovalResponse, error) {
	e.mu.Lock()
	gs, ok := e.grants[grantID]
	if !ok {
		e.mu.Unlock()
		return ApprovalResponse{}, fmt.Errorf("%w: grant %s", ErrActionNotFound, grantID)
	}
	actionID := gs.grant.ActionID
	delete(e.pending, grantID)
	delete(e.grants, grantID)
	e.mu.Unlock()

	e.bus.Emit(ctx, trace.EventActionFailed, traceID, sessionID,
		map[string]any{
			"grant_id":    grantID.String(),
			"action_id":   actionID,
			"rejected":    true,
			"rejected_by": rejectedBy,
			"reason":      reason,
		},
		trace.EmitOptions{},
	)
	return ApprovalResponse{GrantID: grantID, Approved: false, Reason: reason}, nil
}

// Execute runs a granted action end to end: grant lookup, expiry and
// approval checks, parameter validation, handler dispatch under the action
// timeout, and completion or failure emission.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	gs := e.findGrant(req.ResolutionID, req.ActionID)
	if gs == nil {
		return nil, fmt.Errorf("%w: no grant for action %s in resolution %s",
			ErrActionNotFound, req.ActionID, req.ResolutionID)
	}

	now := e.clock()
	if now.After(gs.grant.ExpiresAt) {
		return nil, fmt.Errorf("%w: grant for %s", ErrActionExpired, req.ActionID)
	}
	if gs.grant.RequiresApproval && !gs.grant.Approved {
		return nil, fmt.Errorf("%w: %s", ErrActionNotApproved, req.ActionID)
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsHash, err := canonicalize.Hash(params)
	if err != nil {
		return nil, fmt.Errorf("hash parameters: %w", err)
	}

	spanID := req.SpanID
	if spanID == uuid.Nil {
		spanID = uuid.New()
	}

	startedAt := e.clock()
	exec := &Execution{
		ExecutionID:    uuid.New(),
		GrantID:        gs.grant.GrantID,
		SessionID:      req.SessionID,
		ActionID:       req.ActionID,
		Parameters:     params,
		ParametersHash: paramsHash,
		Status:         StatusRunning,
		StartedAt:      &startedAt,
		TraceID:        req.TraceID,
		SpanID:         spanID,
	}
	e.mu.Lock()
	e.executions[exec.ExecutionID] = exec
	handler := e.handlers[req.ActionID]
	e.mu.Unlock()

	emitOpts := trace.EmitOptions{SpanID: &spanID, ParentSpanID: req.ParentSpanID}
	e.bus.Emit(ctx, trace.EventActionInvoked, req.TraceID, req.SessionID,
		map[string]any{
			"action_id":       req.ActionID,
			"execution_id":    exec.ExecutionID.String(),
			"parameters_hash": exec.ParametersHash,
		},
		emitOpts,
	)

	if verr := validateParams(gs.schema, params); verr != nil {
		e.finish(exec, nil, &ExecError{Type: "validation", Message: verr.Error()})
	} else {
		result, herr := e.dispatch(ctx, gs, handler, req.ActionID, params)
		if herr != nil {
			e.finish(exec, nil, classifyError(herr))
		} else {
			e.finish(exec, result, nil)
		}
	}

	e.sessions.IncrementActionCount(req.SessionID, exec.Status == StatusFailed)

	if exec.Status == StatusCompleted {
		e.bus.Emit(ctx, trace.EventActionCompleted, req.TraceID, req.SessionID,
			map[string]any{
				"action_id":    req.ActionID,
				"execution_id": exec.ExecutionID.String(),
				"duration_ms":  *exec.DurationMS,
				"result_hash":  exec.ResultHash,
			},
			emitOpts,
		)
	} else {
		e.bus.Emit(ctx, trace.EventActionFailed, req.TraceID, req.SessionID,
			map[string]any{
				"action_id":     req.ActionID,
				"execution_id":  exec.ExecutionID.String(),
				"duration_ms":   *exec.DurationMS,
				"error_type":    exec.Error.Type,
				"error_message": exec.Error.Message,
			},
			emitOpts,
		)
	}

	return &ExecuteResponse{
		ExecutionID: exec.ExecutionID,
		Status:      exec.Status,
		Result:      exec.Result,
		Error:       exec.Error,
		DurationMS:  exec.DurationMS,
		Trace: map[string]any{
			"trace_id": req.TraceID.String(),
			"span_id":  spanID.String(),
		},
	}, nil
}

// dispatch runs the handler under the grant's invocation lock and timeout.
func (e *Executor) dispatch(ctx context.Context, gs *grantState, handler Handler, actionID string, params map[string]any) (map[string]any, error) {
	if handler == nil {
		return map[string]any{"action_id": actionID, "parameters": params, "status": "passthrough"}, nil
	}

	gs.invokeMu.Lock()
	defer gs.invokeMu.Unlock()

	timeout := time.Duration(gs.grant.TimeoutMS) * time.Millisecond
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(hctx, actionID, params)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-hctx.Done():
		return nil, hctx.Err()
	}
}

// finish records the terminal state and timing of an execution.
func (e *Executor) finish(exec *Execution, result map[string]any, execErr *ExecError) {
	completedAt := e.clock()
	duration := completedAt.Sub(*exec.StartedAt).Milliseconds()

	e.mu.Lock()
	defer e.mu.Unlock()
	exec.CompletedAt = &completedAt
	exec.DurationMS = &duration
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Error = execErr
		return
	}
	exec.Status = StatusCompleted
	exec.Result = result
	if hash, err := canonicalize.Hash(result); err == nil {
		exec.ResultHash = hash
	}
}

// findGrant returns the earliest-created non-expired grant for the tuple.
// Multiple matches are an invariant violation and logged.
func (e *Executor) findGrant(resolutionID uuid.UUID, actionID string) *grantState {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	var matches []*grantState
	for _, gs := range e.grants {
		if gs.grant.ResolutionID == resolutionID && gs.grant.ActionID == actionID {
			matches = append(matches, gs)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].grant.CreatedAt.Before(matches[j].grant.CreatedAt)
		})
		live := matches[:0]
		for _, gs := range matches {
			if !now.After(gs.grant.ExpiresAt) {
				live = append(live, gs)
			}
		}
		e.logger.Warn("multiple grants for action, using earliest non-expired",
			"resolution_id", resolutionID, "action_id", actionID, "count", len(matches))
		if len(live) > 0 {
			return live[0]
		}
		return matches[0]
	}
	return matches[0]
}

// GetGrant returns a snapshot of a grant by id.
func (e *Executor) GetGrant(grantID uuid.UUID) (Grant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gs, ok := e.grants[grantID]
	if !ok {
		return Grant{}, false
	}
	return gs.grant, true
}

// GetExecution returns a snapshot of an execution record.
func (e *Executor) GetExecution(executionID uuid.UUID) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// ListPendingApprovals returns pending approvals, optionally filtered by
// session, ordered by request time.
func (e *Executor) ListPendingApprovals(sessionID *uuid.UUID) []ApprovalRequest {
	e.mu.Lock()
	out := make([]ApprovalRequest, 0, len(e.pending))
	for _, req := range e.pending {
		if sessionID != nil && req.SessionID != *sessionID {
			continue
		}
		out = append(out, req)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// compileGrantSchema compiles the grant's parameter schema. Object schemas
// that do not state additionalProperties become strict: unknown fields are
// rejected.
func compileGrantSchema(actionID string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	strict := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		strict[k] = v
	}
	if t, _ := strict["type"].(string); t == "object" {
		if _, ok := strict["additionalProperties"]; !ok {
			strict["additionalProperties"] = false
		}
	}
	raw, err := json.Marshal(strict)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", actionID, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://carp.schemas.local/actions/%s.schema.json", actionID)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", actionID, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", actionID, err)
	}
	return compiled, nil
}

func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	// The validator wants plain JSON types; round-trip to normalize.
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// classifyError maps a handler error onto the execution error taxonomy.
func classifyError(err error) *ExecError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecError{Type: "timeout", Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &ExecError{Type: "cancelled", Message: err.Error()}
	}
	return &ExecError{Type: "handler_error", Message: err.Error()}
}
