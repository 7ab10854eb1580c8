// carpd runs the CARP governance runtime: an HTTP server by default, plus
// offline subcommands for replay comparison and liveness checks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/carp/pkg/api"
	"github.com/Mindburn-Labs/carp/pkg/carp"
	"github.com/Mindburn-Labs/carp/pkg/config"
	"github.com/Mindburn-Labs/carp/pkg/observability"
	"github.com/Mindburn-Labs/carp/pkg/policy"
	"github.com/Mindburn-Labs/carp/pkg/runtime"
	"github.com/Mindburn-Labs/carp/pkg/trace"
)

// Exit codes of the CLI surface.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitUnreachable = 3
	exitValidation  = 4
	exitDenied      = 5
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. Split out of main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "carpd %s (carp/%s, trace/%s)\n", runtime.Version, carp.Version, trace.Version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: carpd [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server                         run the HTTP runtime (default)")
	fmt.Fprintln(w, "  replay <manifest> --against <events.json>")
	fmt.Fprintln(w, "                                 compare recorded events against a manifest")
	fmt.Fprintln(w, "  health                         ping a running runtime")
	fmt.Fprintln(w, "  version                        print version information")
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			fmt.Fprintf(stderr, "profile: %v\n", err)
			return exitError
		}
		profile.Apply(cfg)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "carp-runtime",
		ServiceVersion: runtime.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.ObservabilityEnabled && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return exitError
	}

	rateStore, err := buildRateLimitStore(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(stderr, "redis url: %v\n", err)
		return exitError
	}
	if rateStore != nil {
		logger.Info("rate limits backed by redis")
	}

	rt, err := runtime.New(runtime.Options{
		StorePath:      cfg.StorePath,
		AtlasPaths:     cfg.AtlasPaths,
		RateLimitStore: rateStore,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "runtime: %v\n", err)
		return exitError
	}
	defer func() { _ = rt.Close() }()

	apiOpts := api.Options{
		AuthSecret:   []byte(cfg.AuthSecret),
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateBurst,
		Obs:          obs,
		Logger:       logger,
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(rt, apiOpts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carp runtime listening", "port", cfg.Port, "version", runtime.Version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server: %v\n", err)
			return exitError
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return exitError
		}
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}

	return exitOK
}

// buildRateLimitStore returns a Redis-backed store when a URL is configured.
// Nil means the runtime's in-memory sliding window.
func buildRateLimitStore(redisURL string) (policy.RateLimitStore, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return policy.NewRedisRateLimitStore(redis.NewClient(opts), ""), nil
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/v1/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return exitUnreachable
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: status %d\n", resp.StatusCode)
		return exitError
	}
	body, _ := io.ReadAll(resp.Body)
	_, _ = stdout.Write(body)
	return exitOK
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "DEBUG", "debug":
		l = slog.LevelDebug
	case "WARN", "warn":
		l = slog.LevelWarn
	case "ERROR", "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
