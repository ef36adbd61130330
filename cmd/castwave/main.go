// Command castwave is the transcription core service: it loads the Whisper
// model once, runs the persistent worker pool, and serves the transcribe
// HTTP API (including the stage endpoint the pipeline orchestrator polls).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castwave/castwave/internal/asr"
	"github.com/castwave/castwave/internal/cache"
	"github.com/castwave/castwave/internal/config"
	"github.com/castwave/castwave/internal/fetch"
	"github.com/castwave/castwave/internal/health"
	"github.com/castwave/castwave/internal/httpapi"
	"github.com/castwave/castwave/internal/media"
	"github.com/castwave/castwave/internal/observe"
	"github.com/castwave/castwave/internal/resilience"
	"github.com/castwave/castwave/internal/transcribe"
	"github.com/castwave/castwave/internal/translate"
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
		fmt.Fprintf(os.Stderr, "castwave: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("castwave starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.Whisper.Model,
		"workers", cfg.Whisper.Workers,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "castwave",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Whisper model ─────────────────────────────────────────────────────────
	model, err := asr.LoadModel(cfg.Whisper.ModelFilePath(), string(cfg.Whisper.Model))
	if err != nil {
		slog.Error("failed to load whisper model", "path", cfg.Whisper.ModelFilePath(), "err", err)
		return 1
	}

	// ── Media toolchain ───────────────────────────────────────────────────────
	prober := media.NewProber("ffprobe")
	normalizer := media.NewNormalizer("ffmpeg")
	chunker := media.NewChunker(prober, normalizer)

	tempDir := cfg.Server.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	// ── Worker pool and engines ───────────────────────────────────────────────
	pool := asr.NewPool(asr.PoolConfig{Workers: cfg.Whisper.Workers}, model.NewTranscriber)
	if err := pool.Start(ctx); err != nil {
		slog.Error("failed to start worker pool", "err", err)
		model.Close()
		return 1
	}

	single := asr.NewSinglePass(normalizer, prober, tempDir, model.NewTranscriber)
	parallel := asr.NewParallel(pool, chunker, normalizer, single, asr.ParallelConfig{
		TempDir:       tempDir,
		ChunkDuration: time.Duration(cfg.Whisper.ChunkDurationSec) * time.Second,
		SubmitTimeout: time.Duration(cfg.Whisper.SubmitTimeoutSec) * time.Second,
		ResultTimeout: time.Duration(cfg.Whisper.ResultTimeoutSec) * time.Second,
	})

	// ── Source fetcher ────────────────────────────────────────────────────────
	maxBytes := int64(cfg.Limits.MaxVideoSizeMB) << 20
	fetcher := fetch.NewFetcher(
		resilience.CircuitBreakerConfig{Name: "download"},
		fetch.NewYTDLP("yt-dlp"),
		fetch.NewHTTPDownloader(fetch.WithMaxBytes(maxBytes)),
	)
	captions := fetch.NewCaptions("yt-dlp", fetch.WithCaptionsTempDir(tempDir))

	// ── Optional translation ──────────────────────────────────────────────────
	var translator transcribe.Translator
	if key := cfg.Pipeline.TranslateAPIKey; key != "" {
		tr, err := translate.New(key, cfg.Pipeline.TranslateModel)
		if err != nil {
			slog.Error("failed to create translator", "err", err)
			return 1
		}
		translator = tr
		slog.Info("transcript translation enabled")
	}

	// ── Use case ──────────────────────────────────────────────────────────────
	transcriptCache := cache.New(cfg.Cache.MaxSize, time.Duration(cfg.Cache.TTLHours)*time.Hour)
	svc := transcribe.New(fetcher, captions, prober, normalizer, transcriptCache, parallel, single, translator,
		model.ID(),
		transcribe.Limits{
			MaxDurationSec:     float64(cfg.Limits.MaxVideoDurationSeconds),
			MaxSizeBytes:       maxBytes,
			SingleCoreLimitSec: float64(cfg.Whisper.SingleCoreLimitSec),
		},
		tempDir,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	healthHandler := health.New(
		health.Checker{Name: "whisper_model", Check: modelCheck(model)},
		health.Checker{Name: "ffprobe", Check: binaryCheck("ffprobe")},
		health.Checker{Name: "ffmpeg", Check: binaryCheck("ffmpeg")},
		health.Checker{Name: "temp_dir", Check: writableCheck(tempDir)},
		health.Checker{Name: "cache", Check: cacheCheck(transcriptCache)},
		health.Checker{Name: "worker_pool", Check: poolCheck(pool)},
	)

	api := httpapi.NewTranscribeAPI(svc, httpapi.TranscribeConfig{
		UploadDir:      tempDir,
		MaxUploadBytes: maxBytes,
		Health:         healthHandler,
	})
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

	// ── Graceful shutdown: HTTP first, then the pool, model, telemetry ────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("http shutdown error", "err", err)
	}
	pool.Stop(shutdownCtx)
	if err := model.Close(); err != nil {
		slog.Warn("model close error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Readiness checks ──────────────────────────────────────────────────────────

func binaryCheck(name string) func(context.Context) error {
	return func(context.Context) error {
		_, err := exec.LookPath(name)
		return err
	}
}

func writableCheck(dir string) func(context.Context) error {
	return func(context.Context) error {
		probe := filepath.Join(dir, ".castwave-write-check")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return err
		}
		return os.Remove(probe)
	}
}

func modelCheck(m *asr.Model) func(context.Context) error {
	return func(context.Context) error {
		if m == nil || m.ID() == "" {
			return errors.New("whisper model not loaded")
		}
		return nil
	}
}

func cacheCheck(c *cache.Cache) func(context.Context) error {
	return func(context.Context) error {
		if c == nil {
			return errors.New("transcript cache not initialised")
		}
		return nil
	}
}

func poolCheck(pool *asr.Pool) func(context.Context) error {
	return func(context.Context) error {
		if pool.Degraded() {
			return errors.New("worker pool degraded")
		}
		return nil
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
