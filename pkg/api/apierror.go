// Package api is the HTTP surface of the runtime: JSON request/response
// endpoints plus Server-Sent Events streaming for live traces.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error kinds of the stable wire taxonomy. Clients switch on kind, never on
// message text.
const (
	KindValidation     = "validation"
	KindNotFound       = "not_found"
	KindExpired        = "expired"
	KindPolicyDenied   = "policy_denied"
	KindApproval       = "approval_required"
	KindHandlerFailure = "handler_failure"
	KindRateLimited    = "rate_limited"
	KindInternal       = "internal"
)

// APIError is the error body every non-2xx response carries.
type APIError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	RuleID  string         `json:"rule_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WriteAPIError writes an error body with the given status.
func WriteAPIError(w http.ResponseWriter, status int, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// WriteValidation writes a 422 validation error.
func WriteValidation(w http.ResponseWriter, message string, details map[string]any) {
	WriteAPIError(w, http.StatusUnprocessableEntity, &APIError{
		Kind: KindValidation, Message: message, Details: details,
	})
}

// WriteBadRequest writes a 400 for bodies that cannot be decoded at all.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusBadRequest, &APIError{
		Kind: KindValidation, Message: message,
	})
}

// WriteNotFound writes a 404 error.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusNotFound, &APIError{
		Kind: KindNotFound, Message: message,
	})
}

// WriteGone writes a 410 for expired sessions and grants.
func WriteGone(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusGone, &APIError{
		Kind: KindExpired, Message: message,
	})
}

// WritePolicyDenied writes a 403 carrying the denying rule id.
func WritePolicyDenied(w http.ResponseWriter, message, ruleID string) {
	WriteAPIError(w, http.StatusForbidden, &APIError{
		Kind: KindPolicyDenied, Message: message, RuleID: ruleID,
	})
}

// WriteApprovalRequired writes the approval flavor of 403.
func WriteApprovalRequired(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusForbidden, &APIError{
		Kind: KindApproval, Message: message,
	})
}

// WriteMethodNotAllowed writes a 405 error.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteAPIError(w, http.StatusMethodNotAllowed, &APIError{
		Kind: KindValidation, Message: "method not allowed",
	})
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteAPIError(w, http.StatusTooManyRequests, &APIError{
		Kind: KindRateLimited, Message: "rate limit exceeded",
	})
}

// WriteInternal writes a 500. The underlying error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteAPIError(w, http.StatusInternalServerError, &APIError{
		Kind: KindInternal, Message: "an unexpected error occurred",
	})
}

// writeJSON writes a 2xx JSON body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
