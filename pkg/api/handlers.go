package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/executor"
	"github.com/Mindburn-Labs/carp/pkg/resolver"
	"github.com/Mindburn-Labs/carp/pkg/runtime"
	"github.com/Mindburn-Labs/carp/pkg/session"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	CARPVersion   string    `json:"carp_version"`
	TraceVersion  string    `json:"trace_version"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       runtime.Version,
		CARPVersion:   carp.Version,
		TraceVersion:  trace.Version,
		UptimeSeconds: s.rt.Uptime().Seconds(),
		Timestamp:     time.Now().UTC(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	resp, err := s.rt.Sessions.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTTL) {
			WriteValidation(w, err.Error(), map[string]any{
				"ttl_seconds": req.TTLSeconds,
				"min":         session.MinTTLSeconds,
				"max":         session.MaxTTLSeconds,
			})
			return
		}
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := s.rt.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	resp, err := s.rt.Sessions.End(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req carp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	if details := validateEnvelope(&req); details != nil {
		// Validation failures with a usable trace id land on the trace too.
		if req.Trace.TraceID != uuid.Nil {
			s.rt.Bus.Emit(r.Context(), trace.EventValidationError,
				req.Trace.TraceID, req.Session.SessionID,
				map[string]any{"errors": details},
				trace.EmitOptions{Severity: trace.SeverityError})
		}
		WriteValidation(w, "invalid carp.request envelope", map[string]any{"errors": details})
		return
	}

	ctx := r.Context()
	var finish func(error)
	if s.obs != nil {
		var span oteltrace.Span
		ctx, span = s.obs.StartSpan(ctx, "carp.resolve")
		defer span.End()
		finish = s.obs.TrackResolve(ctx)
	}
	resp, err := s.rt.Resolve(ctx, &req)
	if finish != nil {
		finish(err)
	}
	if err != nil {
		var denied *resolver.PolicyDeniedError
		switch {
		case errors.As(err, &denied):
			WritePolicyDenied(w, denied.Reason, denied.RuleID)
		case errors.Is(err, session.ErrNotFound):
			WriteNotFound(w, "session not found")
		case errors.Is(err, session.ErrExpired):
			WriteGone(w, "session expired or ended")
		default:
			WriteInternal(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req executor.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	if details := validateExecute(&req); details != nil {
		WriteValidation(w, "invalid execute request", map[string]any{"errors": details})
		return
	}

	ctx := r.Context()
	if s.obs != nil {
		var span oteltrace.Span
		ctx, span = s.obs.StartSpan(ctx, "carp.execute")
		defer span.End()
	}
	resp, err := s.rt.Executor.Execute(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrActionNotFound):
			WriteNotFound(w, "no grant for this resolution and action")
		case errors.Is(err, executor.ErrActionExpired):
			WriteGone(w, "grant expired")
		case errors.Is(err, executor.ErrActionNotApproved):
			WriteApprovalRequired(w, "action requires approval before execution")
		default:
			WriteInternal(w, err)
		}
		return
	}

	// Handler failures ride inside the execution record with a 200; the
	// request itself succeeded.
	writeJSON(w, http.StatusOK, resp)
}

// ApproveBody is the body of POST /v1/carp/actions/{grant_id}/approve.
type ApproveBody struct {
	SessionID  uuid.UUID `json:"session_id"`
	TraceID    uuid.UUID `json:"trace_id"`
	ApprovedBy string    `json:"approved_by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	grantID, ok := pathUUID(w, r, "grant_id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body ApproveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if body.ApprovedBy == "" {
		WriteValidation(w, "approved_by is required", nil)
		return
	}

	resp, err := s.rt.Executor.Approve(r.Context(), grantID, body.ApprovedBy, body.SessionID, body.TraceID)
	if err != nil {
		if errors.Is(err, executor.ErrActionNotFound) {
			WriteNotFound(w, "grant not found")
			return
		}
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// RejectBody is the body of POST /v1/carp/actions/{grant_id}/reject.
type RejectBody struct {
	SessionID  uuid.UUID `json:"session_id"`
	TraceID    uuid.UUID `json:"trace_id"`
	RejectedBy string    `json:"rejected_by"`
	Reason     string    `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	grantID, ok := pathUUID(w, r, "grant_id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body RejectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if body.RejectedBy == "" {
		WriteValidation(w, "rejected_by is required", nil)
		return
	}

	resp, err := s.rt.Executor.Reject(r.Context(), grantID, body.RejectedBy, body.Reason, body.SessionID, body.TraceID)
	if err != nil {
		if errors.Is(err, executor.ErrActionNotFound) {
			WriteNotFound(w, "grant not found")
			return
		}
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// PendingApprovalsResponse is the body of GET /v1/carp/actions/pending.
type PendingApprovalsResponse struct {
	Approvals []executor.ApprovalRequest `json:"approvals"`
	Count     int                        `json:"count"`
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	var sessionFilter *uuid.UUID
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			WriteValidation(w, "session_id must be a UUID", nil)
			return
		}
		sessionFilter = &id
	}

	approvals := s.rt.Executor.ListPendingApprovals(sessionFilter)
	if approvals == nil {
		approvals = []executor.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, PendingApprovalsResponse{
		Approvals: approvals,
		Count:     len(approvals),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	exec, found := s.rt.Executor.GetExecution(executionID)
	if !found {
		WriteNotFound(w, "execution not found")
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

// TraceEventsResponse is the body of GET /v1/traces/{trace_id}/events.
type TraceEventsResponse struct {
	TraceID    uuid.UUID     `json:"trace_id"`
	Events     []trace.Event `json:"events"`
	TotalCount int           `json:"total_count"`
	HasMore    bool          `json:"has_more"`
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func (s *Server) handleTraceEvents(w http.ResponseWriter, r *http.Request) {
	traceID, ok := pathUUID(w, r, "trace_id")
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			WriteValidation(w, "limit must be an integer in [1, 1000]", nil)
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteValidation(w, "offset must be a non-negative integer", nil)
			return
		}
		offset = n
	}

	filter := trace.Filter{
		Severity:        trace.Severity(q.Get("severity")),
		EventTypePrefix: q.Get("event_type"),
	}

	events, total, err := s.rt.Bus.GetEvents(traceID, filter, limit, offset)
	if err != nil {
		if errors.Is(err, trace.ErrTraceNotFound) {
			WriteNotFound(w, "trace not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	if events == nil {
		events = []trace.Event{}
	}

	writeJSON(w, http.StatusOK, TraceEventsResponse{
		TraceID:    traceID,
		Events:     events,
		TotalCount: total,
		HasMore:    offset+len(events) < total,
	})
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		WriteValidation(w, name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		WriteNotFound(w, "session not found")
	case errors.Is(err, session.ErrExpired):
		WriteGone(w, "session expired or ended")
	default:
		WriteInternal(w, err)
	}
}

func validateEnvelope(req *carp.Request) []string {
	var errs []string
	if req.CARPVersion != carp.Version {
		errs = append(errs, "carp_version must be \""+carp.Version+"\"")
	}
	if req.Type != "carp.request" {
		errs = append(errs, "type must be \"carp.request\"")
	}
	if req.Session.SessionID == uuid.Nil {
		errs = append(errs, "session.session_id is required")
	}
	if req.Trace.TraceID == uuid.Nil {
		errs = append(errs, "trace.trace_id is required")
	}
	if req.Payload.Operation != "resolve" {
		errs = append(errs, "payload.operation must be \"resolve\"")
	}
	if req.Payload.Task.Goal == "" {
		errs = append(errs, "payload.task.goal is required")
	}
	switch req.Payload.Task.RiskTier {
	case "", carp.RiskLow, carp.RiskMedium, carp.RiskHigh:
	default:
		errs = append(errs, "payload.task.risk_tier must be low, medium, or high")
	}
	return errs
}

func validateExecute(req *executor.ExecuteRequest) []string {
	var errs []string
	if req.SessionID == uuid.Nil {
		errs = append(errs, "session_id is required")
	}
	if req.ResolutionID == uuid.Nil {
		errs = append(errs, "resolution_id is required")
	}
	if req.ActionID == "" {
		errs = append(errs, "action_id is required")
	}
	if req.TraceID == uuid.Nil {
		errs = append(errs, "trace_id is required")
	}
	return errs
}
