package asr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/observe"
)

const (
	// taskQueueFactor sizes the task channel at Workers * taskQueueFactor.
	taskQueueFactor = 10

	// defaultStopGrace bounds how long Stop waits for workers to drain.
	defaultStopGrace = 10 * time.Second

	// defaultDegradedThreshold is the number of consecutive failed tasks
	// after which the pool reports itself degraded.
	defaultDegradedThreshold = 5

	submitBackoffInitial = 10 * time.Millisecond
	submitBackoffMax     = 250 * time.Millisecond
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// Workers is the number of persistent workers, each owning one
	// preloaded inference context.
	Workers int

	// StopGrace bounds how long Stop waits for in-flight tasks.
	StopGrace time.Duration

	// DegradedThreshold is the consecutive-failure count that marks the
	// pool degraded. Zero selects the default.
	DegradedThreshold int
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Workers        int    `json:"workers"`
	QueueCapacity  int    `json:"queue_capacity"`
	QueueDepth     int    `json:"queue_depth"`
	TasksReceived  uint64 `json:"tasks_received"`
	TasksSucceeded uint64 `json:"tasks_succeeded"`
	TasksFailed    uint64 `json:"tasks_failed"`
	ResultsDropped uint64 `json:"results_dropped"`
	Degraded       bool   `json:"degraded"`
}

// Pool is a persistent worker pool for chunk transcription. Workers are
// spawned once at Start with their model contexts already loaded, then reused
// for every task until Stop. Tasks flow through a bounded channel; results
// return on the per-task reply channel carried by the task itself, which the
// submitter buffers with one slot per task so a worker can never block on
// publishing.
type Pool struct {
	cfg     PoolConfig
	factory TranscriberFactory

	tasks chan ChunkTask
	wg    sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool

	tasksReceived   atomic.Uint64
	tasksSucceeded  atomic.Uint64
	tasksFailed     atomic.Uint64
	resultsDropped  atomic.Uint64
	consecutiveErrs atomic.Int64

	log     *slog.Logger
	metrics *observe.Metrics
}

// NewPool creates a pool. factory is invoked once per worker during Start.
func NewPool(cfg PoolConfig, factory TranscriberFactory) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = defaultDegradedThreshold
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		tasks:   make(chan ChunkTask, cfg.Workers*taskQueueFactor),
		log:     slog.With("component", "asr.pool"),
		metrics: observe.DefaultMetrics(),
	}
}

// Start spawns every worker and blocks until each one has loaded its
// inference context. Startup is atomic: if any worker fails to load, the
// already-started workers are stopped and the error is returned.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("asr: pool already started")
	}

	ready := make(chan error, p.cfg.Workers)
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.worker(i, ready)
	}

	var failed error
	for range p.cfg.Workers {
		select {
		case err := <-ready:
			if err != nil && failed == nil {
				failed = err
			}
		case <-ctx.Done():
			failed = ctx.Err()
		}
	}
	if failed != nil {
		p.Stop(context.Background())
		return fmt.Errorf("asr: pool startup: %w", failed)
	}

	p.log.Info("worker pool started",
		"workers", p.cfg.Workers, "queue_capacity", cap(p.tasks))
	return nil
}

// Submit places task on the queue, retrying with backoff while the queue is
// full. It returns a TIMEOUT error when the queue stays full past timeout,
// which callers treat as pool saturation.
func (p *Pool) Submit(ctx context.Context, task ChunkTask, reply chan<- ChunkResult, timeout time.Duration) error {
	if p.stopped.Load() {
		return apperr.New(apperr.KindTranscription, "POOL_STOPPED", "worker pool is stopped")
	}
	task.reply = reply

	deadline := time.Now().Add(timeout)
	backoff := submitBackoffInitial
	for {
		select {
		case p.tasks <- task:
			p.tasksReceived.Add(1)
			p.metrics.QueuedChunks.Add(ctx, 1)
			return nil
		default:
		}

		if time.Now().After(deadline) {
			return apperr.Newf(apperr.KindTimeout, "POOL_SUBMIT_TIMEOUT",
				"task queue full for %s", timeout).
				WithDetail("chunk_index", task.ChunkIndex)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > submitBackoffMax {
			backoff = submitBackoffMax
		}
	}
}

// Degraded reports whether the last DegradedThreshold tasks all failed.
// Callers route new work to the single-pass fallback while this holds; any
// later success clears it.
func (p *Pool) Degraded() bool {
	return p.consecutiveErrs.Load() >= int64(p.cfg.DegradedThreshold)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:        p.cfg.Workers,
		QueueCapacity:  cap(p.tasks),
		QueueDepth:     len(p.tasks),
		TasksReceived:  p.tasksReceived.Load(),
		TasksSucceeded: p.tasksSucceeded.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		ResultsDropped: p.resultsDropped.Load(),
		Degraded:       p.Degraded(),
	}
}

// Stop injects one sentinel per worker and waits for all workers to drain
// their remaining tasks, bounded by the configured grace period or ctx,
// whichever ends first. It is idempotent.
func (p *Pool) Stop(ctx context.Context) {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}

	for range p.cfg.Workers {
		p.tasks <- ChunkTask{ChunkIndex: -1}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped", "tasks_succeeded", p.tasksSucceeded.Load(),
			"tasks_failed", p.tasksFailed.Load())
	case <-time.After(p.cfg.StopGrace):
		p.log.Warn("worker pool stop grace exceeded, abandoning workers",
			"grace", p.cfg.StopGrace)
	case <-ctx.Done():
		p.log.Warn("worker pool stop cancelled", "err", ctx.Err())
	}
}

// worker is the persistent loop of one pool worker. It loads its inference
// context first, reports readiness, then serves tasks until a sentinel
// (ChunkIndex < 0) arrives.
func (p *Pool) worker(id int, ready chan<- error) {
	defer p.wg.Done()

	log := p.log.With("worker", id)
	tr, err := p.factory()
	if err != nil {
		ready <- fmt.Errorf("worker %d: %w", id, err)
		return
	}
	ready <- nil
	log.Debug("worker ready")

	for task := range p.tasks {
		if task.ChunkIndex < 0 {
			log.Debug("worker draining on sentinel")
			return
		}
		p.metrics.QueuedChunks.Add(context.Background(), -1)
		res := p.process(tr, task)
		p.metrics.ChunkDuration.Record(context.Background(), res.ProcessingTime.Seconds())
		if res.Err != nil {
			p.tasksFailed.Add(1)
			p.consecutiveErrs.Add(1)
			log.Error("chunk transcription failed",
				"session_id", task.SessionID, "chunk_index", task.ChunkIndex, "err", res.Err)
		} else {
			p.tasksSucceeded.Add(1)
			p.consecutiveErrs.Store(0)
		}

		// The reply channel has a slot per task, so this only falls through
		// when the consumer is gone and the result is stale.
		select {
		case task.reply <- res:
		default:
			p.resultsDropped.Add(1)
			log.Warn("dropped result for dead session",
				"session_id", task.SessionID, "chunk_index", task.ChunkIndex)
		}
	}
}

// process runs one task. A panic in the inference layer fails the task but
// never kills the worker.
func (p *Pool) process(tr Transcriber, task ChunkTask) (res ChunkResult) {
	res = ChunkResult{SessionID: task.SessionID, ChunkIndex: task.ChunkIndex}
	start := time.Now()
	defer func() {
		res.ProcessingTime = time.Since(start)
		if r := recover(); r != nil {
			res.Segments = nil
			res.Err = apperr.Newf(apperr.KindTranscription, "TRANSCRIBE_PANIC",
				"chunk %d: panic in inference: %v", task.ChunkIndex, r)
		}
	}()

	segments, lang, err := tr.TranscribeFile(task.ChunkPath, task.LanguageHint)
	if err != nil {
		res.Err = apperr.Wrap(apperr.KindTranscription, "TRANSCRIBE_CHUNK_FAILED", err).
			WithDetail("chunk_index", task.ChunkIndex)
		return res
	}

	// Shift timestamps from chunk-local to absolute coordinates.
	for i := range segments {
		segments[i].Start += task.OffsetSec
		segments[i].End += task.OffsetSec
	}
	res.Segments = segments
	res.DetectedLanguage = lang
	return res
}
