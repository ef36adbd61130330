// Command castwave-pipeline is the stage-pipeline orchestrator: it accepts
// processing jobs over HTTP, drives them through the download, normalize, and
// transcribe stage services, and persists job state in Redis (or in memory
// when no Redis is configured).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castwave/castwave/internal/config"
	"github.com/castwave/castwave/internal/health"
	"github.com/castwave/castwave/internal/httpapi"
	"github.com/castwave/castwave/internal/jobstore"
	"github.com/castwave/castwave/internal/observe"
	"github.com/castwave/castwave/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "castwave-pipeline: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("castwave-pipeline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"redis", cfg.Redis.URL != "",
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "castwave-pipeline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Job store ─────────────────────────────────────────────────────────────
	ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour
	var store jobstore.Store
	if cfg.Redis.URL != "" {
		store, err = jobstore.NewRedisStore(ctx, cfg.Redis.URL, ttl)
		if err != nil {
			slog.Error("failed to connect to redis", "err", err)
			return 1
		}
		slog.Info("job store: redis")
	} else {
		store = jobstore.NewMemoryStore(ttl)
		slog.Info("job store: in-memory (REDIS_URL not set)")
	}

	// ── Stage clients ─────────────────────────────────────────────────────────
	stages, err := buildStages(cfg.Pipeline)
	if err != nil {
		slog.Error("invalid stage configuration", "err", err)
		return 1
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := pipeline.New(store, stages, pipeline.PollConfig{
		Initial:     time.Duration(cfg.Pipeline.PollIntervalInitialSec * float64(time.Second)),
		Max:         time.Duration(cfg.Pipeline.PollIntervalMaxSec * float64(time.Second)),
		MaxAttempts: cfg.Pipeline.MaxPollAttempts,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	healthHandler := health.New(
		health.Checker{Name: "job_store", Check: storeCheck(store)},
	)

	api := httpapi.NewPipelineAPI(orch, store, healthHandler)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpapi.RequestID(observe.Middleware(observe.DefaultMetrics())(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("http server failed", "err", err)
		return 1
	}

	// ── Graceful shutdown: HTTP first, then running jobs, store, telemetry ────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("http shutdown error", "err", err)
	}
	orch.Shutdown(shutdownCtx)
	if err := store.Close(); err != nil {
		slog.Warn("job store close error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// buildStages wires the three stage clients in execution order. Every stage
// URL must be configured; a missing one is a deployment error caught at
// startup rather than at first job.
func buildStages(cfg config.PipelineConfig) ([]pipeline.StageClient, error) {
	urls := []struct {
		name jobstore.StageName
		url  string
	}{
		{jobstore.StageDownload, cfg.DownloadServiceURL},
		{jobstore.StageNormalize, cfg.NormalizeServiceURL},
		{jobstore.StageTranscribe, cfg.TranscribeServiceURL},
	}

	stages := make([]pipeline.StageClient, 0, len(urls))
	for _, s := range urls {
		if s.url == "" {
			return nil, fmt.Errorf("missing %s stage service url", s.name)
		}
		stages = append(stages, pipeline.NewHTTPStage(s.name, s.url))
	}
	return stages, nil
}

// storeCheck probes the job store with a read. A not-found answer still
// proves the store is reachable.
func storeCheck(store jobstore.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.Get(ctx, "healthcheck")
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil
		}
		return err
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
