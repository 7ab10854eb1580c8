// Package runtime assembles the governance runtime: one Runtime value owns
// the telemetry bus, atlas registry, policy engine, session manager,
// resolver, executor, and replayer. Nothing in this module lives in a
// package-level singleton; cmd/carpd constructs a Runtime once and threads
// it through the HTTP surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carp/pkg/atlas"
	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/executor"
	"github.com/Mindburn-Labs/carp/pkg/policy"
	"github.com/Mindburn-Labs/carp/pkg/replay"
	"github.com/Mindburn-Labs/carp/pkg/resolver"
	"github.com/Mindburn-Labs/carp/pkg/session"
	"github.com/Mindburn-Labs/carp/pkg/store"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// Version is the runtime release version, checked against atlas
// min_runtime_version requirements.
const Version = "1.0.0"

// Options configures a Runtime.
type Options struct {
	// StorePath is the SQLite file backing the durable event sink. Empty
	// disables durable storage; the in-memory bus log remains authoritative.
	StorePath string
	// AtlasPaths are bundle directories registered at startup.
	AtlasPaths []string
	// RateLimitStore backs rate-limit policy rules. Nil uses the in-memory
	// sliding window.
	RateLimitStore policy.RateLimitStore
	Logger         *slog.Logger
}

// Runtime owns every subsystem of the governance runtime.
type Runtime struct {
	Bus      *trace.Bus
	Store    store.EventStore
	Registry *atlas.Registry
	Engine   *policy.Engine
	Sessions *session.Manager
	Resolver *resolver.Resolver
	Executor *executor.Executor
	Replayer *replay.Replayer

	logger    *slog.Logger
	rateStore policy.RateLimitStore
	startedAt time.Time
}

// New constructs a fully wired Runtime.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sink store.EventStore
	if opts.StorePath != "" {
		s, err := store.Open(opts.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		sink = s
	}

	var busSink trace.Sink
	if sink != nil {
		busSink = sink
	}
	bus := trace.NewBus(busSink, logger)

	rateStore := opts.RateLimitStore
	if rateStore == nil {
		rateStore = policy.NewMemoryRateLimitStore()
	}

	registry := atlas.NewRegistry()
	engine := policy.NewEngine()
	sessions := session.NewManager(bus)

	rt := &Runtime{
		Bus:       bus,
		Store:     sink,
		Registry:  registry,
		Engine:    engine,
		Sessions:  sessions,
		Resolver:  resolver.New(bus, sessions, engine, registry, logger),
		Executor:  executor.New(bus, sessions, logger),
		Replayer:  replay.New(),
		logger:    logger,
		rateStore: rateStore,
		startedAt: time.Now(),
	}

	for _, path := range opts.AtlasPaths {
		a, err := registry.Register(path)
		if err != nil {
			rt.closeStore()
			return nil, fmt.Errorf("register atlas %q: %w", path, err)
		}
		if err := atlas.MountPolicies(a, engine, rateStore); err != nil {
			rt.closeStore()
			return nil, fmt.Errorf("mount policies for atlas %q: %w", a.ID(), err)
		}
		logger.Info("atlas registered", "atlas_id", a.ID(), "version", a.Version())
	}

	return rt, nil
}

// Resolve runs the resolver and, on success, issues one grant per allowed
// action in the returned resolution so that execute can find them. Actions
// flagged requires_approval also get a pending approval record.
func (r *Runtime) Resolve(ctx context.Context, req *carp.Request) (*carp.Response, error) {
	resp, err := r.Resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	sess, err := r.Sessions.Get(ctx, req.Session.SessionID)
	if err != nil {
		return nil, err
	}

	resolution := resp.Payload.Resolution
	for _, action := range resolution.AllowedActions {
		grant, err := r.Executor.Grant(ctx, executor.GrantRequest{
			SessionID:        sess.SessionID,
			TraceID:          sess.TraceID,
			ResolutionID:     resolution.ResolutionID,
			ActionID:         action.ActionID,
			Kind:             action.Kind,
			Adapter:          action.Adapter,
			Schema:           action.Schema,
			Constraints:      action.Constraints,
			RequiresApproval: action.RequiresApproval,
			TimeoutMS:        action.TimeoutMS,
			TTLSeconds:       executor.DefaultGrantTTLSeconds,
		})
		if err != nil {
			// A malformed action schema invalidates only its own grant.
			r.logger.Warn("grant creation failed",
				"action_id", action.ActionID, "error", err)
			continue
		}
		if action.RequiresApproval {
			_, err := r.Executor.RequestApproval(ctx, grant.GrantID, sess.SessionID, sess.TraceID,
				fmt.Sprintf("action %s requires approval", action.ActionID),
				string(req.Payload.Task.RiskTier), sess.Principal.ID)
			if err != nil {
				r.logger.Warn("approval request failed",
					"grant_id", grant.GrantID, "error", err)
			}
		}
	}

	return resp, nil
}

// ExportTrace writes a replay manifest for the trace to path.
func (r *Runtime) ExportTrace(traceID uuid.UUID, name, description, path string) (*replay.Manifest, error) {
	return replay.Export(r.Bus, traceID, name, description, path)
}

// Uptime reports how long the runtime has been up.
func (r *Runtime) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Close releases the durable store.
func (r *Runtime) Close() error {
	return r.closeStore()
}

func (r *Runtime) closeStore() error {
	if r.Store != nil {
		return r.Store.Close()
	}
	return nil
}
