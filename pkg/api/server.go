package api

import (
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/carp/pkg/auth"
	"github.com/Mindburn-Labs/carp/pkg/observability"
	"github.com/Mindburn-Labs/carp/pkg/runtime"
)

// maxBodyBytes caps request bodies at 1MB.
const maxBodyBytes = 1 << 20

// Server exposes the runtime over HTTP.
type Server struct {
	rt     *runtime.Runtime
	auth   *auth.Extractor
	obs    *observability.Provider
	opts   Options
	logger *slog.Logger
}

// Options configures the HTTP surface.
type Options struct {
	// AuthSecret verifies bearer JWTs when set; without it bearer claims are
	// accepted unverified.
	AuthSecret []byte
	// CORSOrigins is the browser origin allowlist. Empty allows all.
	CORSOrigins []string
	// RateLimitRPS and RateBurst shape the per-IP limiter. Zero RPS disables
	// rate limiting.
	RateLimitRPS float64
	RateBurst    int
	// Obs records RED metrics and spans when set.
	Obs    *observability.Provider
	Logger *slog.Logger
}

// NewServer creates the HTTP surface over a runtime.
func NewServer(rt *runtime.Runtime, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		rt:     rt,
		auth:   &auth.Extractor{Secret: opts.AuthSecret},
		obs:    opts.Obs,
		opts:   opts,
		logger: logger,
	}
}

// Handler builds the full middleware chain and route table:
// request id, CORS, metrics, per-IP rate limit, principal extraction, mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/end", s.handleEndSession)
	mux.HandleFunc("POST /v1/carp/resolve", s.handleResolve)
	mux.HandleFunc("POST /v1/carp/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/carp/actions/{grant_id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/carp/actions/{grant_id}/reject", s.handleReject)
	mux.HandleFunc("GET /v1/carp/actions/pending", s.handlePendingApprovals)
	mux.HandleFunc("GET /v1/carp/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /v1/traces/{trace_id}/events", s.handleTraceEvents)
	mux.HandleFunc("GET /v1/traces/{trace_id}/stream", s.handleTraceStream)

	var handler http.Handler = mux
	handler = auth.Middleware(s.auth)(handler)
	if s.opts.RateLimitRPS > 0 {
		limiter := NewGlobalRateLimiter(s.opts.RateLimitRPS, s.opts.RateBurst)
		handler = limiter.Middleware(handler)
	}
	if s.obs != nil {
		handler = MetricsMiddleware(s.obs)(handler)
	}
	handler = auth.CORSMiddleware(s.opts.CORSOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}
