package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/jobstore"
	"github.com/castwave/castwave/internal/observe"
)

// PollConfig tunes the backoff polling loop used per stage.
type PollConfig struct {
	// Initial is the first poll interval. Default 1s.
	Initial time.Duration

	// Max caps the interval growth. Default 10s.
	Max time.Duration

	// Multiplier grows the interval after each poll. Default 1.5.
	Multiplier float64

	// MaxAttempts bounds polls per stage before the job times out.
	// Default 600.
	MaxAttempts int
}

func (c *PollConfig) applyDefaults() {
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Max <= 0 {
		c.Max = 10 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 600
	}
}

// stageStatus maps a running stage to the job-level status readers see.
var stageStatus = map[jobstore.StageName]jobstore.Status{
	jobstore.StageDownload:   jobstore.StatusDownloading,
	jobstore.StageNormalize:  jobstore.StatusNormalizing,
	jobstore.StageTranscribe: jobstore.StatusTranscribing,
}

// Orchestrator runs jobs through the stage chain in background goroutines
// and persists every observed state change.
type Orchestrator struct {
	store   jobstore.Store
	stages  []StageClient
	poll    PollConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	// watchInterval is how often Watch and Wait re-read the store.
	watchInterval time.Duration
}

// New creates an orchestrator over the given stage chain, which runs in
// slice order.
func New(store jobstore.Store, stages []StageClient, poll PollConfig) *Orchestrator {
	poll.applyDefaults()
	return &Orchestrator{
		store:         store,
		stages:        stages,
		poll:          poll,
		log:           slog.With("component", "pipeline"),
		metrics:       observe.DefaultMetrics(),
		cancels:       make(map[string]context.CancelFunc),
		watchInterval: 250 * time.Millisecond,
	}
}

// SubmitOptions are the per-job request options beyond the source URL.
type SubmitOptions struct {
	Language       string
	TargetLanguage string
	Preprocess     jobstore.Preprocess
}

// Submit creates a job for url and starts processing it in the background.
func (o *Orchestrator) Submit(ctx context.Context, url string, opts SubmitOptions) (*jobstore.Job, error) {
	if strings.TrimSpace(url) == "" {
		return nil, apperr.New(apperr.KindValidation, "MISSING_URL", "url must not be empty")
	}

	job := jobstore.NewJob(uuid.NewString(), url)
	job.Language = opts.Language
	job.TargetLanguage = opts.TargetLanguage
	job.Preprocess = opts.Preprocess
	if err := o.store.Put(ctx, job); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "JOB_PERSIST_FAILED", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, job.Clone())

	o.log.Info("job submitted", "job_id", job.ID, "url", url)
	return job, nil
}

// Get returns the current state of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	return o.store.Get(ctx, id)
}

// List returns up to limit jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*jobstore.Job, error) {
	return o.store.List(ctx, limit)
}

// Cancel stops a running job. Cancelling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	job.Finish(jobstore.StatusCancelled)
	return o.store.Put(ctx, job)
}

// Wait blocks until the job reaches a terminal state or timeout passes,
// returning the latest job snapshot and whether it finished.
func (o *Orchestrator) Wait(ctx context.Context, id string, timeout time.Duration) (*jobstore.Job, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if job.Status.Terminal() {
			return job, true, nil
		}
		if time.Now().After(deadline) {
			return job, false, nil
		}
		select {
		case <-ctx.Done():
			return job, false, ctx.Err()
		case <-time.After(o.watchInterval):
		}
	}
}

// Watch emits a job snapshot whenever its status or overall progress
// changes, closing the channel after the terminal snapshot. The first
// current state is always emitted.
func (o *Orchestrator) Watch(ctx context.Context, id string) (<-chan *jobstore.Job, error) {
	first, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ch := make(chan *jobstore.Job, 8)
	go func() {
		defer close(ch)

		lastStatus := jobstore.Status("")
		lastProgress := -1
		emit := func(job *jobstore.Job) bool {
			if job.Status == lastStatus && job.Progress() == lastProgress {
				return true
			}
			lastStatus, lastProgress = job.Status, job.Progress()
			select {
			case ch <- job:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(first) {
			return
		}
		for !lastStatus.Terminal() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.watchInterval):
			}
			job, err := o.store.Get(ctx, id)
			if err != nil {
				return
			}
			if !emit(job) {
				return
			}
		}
	}()
	return ch, nil
}

// Shutdown cancels all running jobs and waits for their goroutines, bounded
// by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("shutdown abandoned running jobs", "err", ctx.Err())
	}
}

// run drives one job through every stage. It owns the job value; all
// external reads go through the store.
func (o *Orchestrator) run(ctx context.Context, job *jobstore.Job) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
	}()
	o.metrics.ActiveJobs.Add(context.Background(), 1)
	defer o.metrics.ActiveJobs.Add(context.Background(), -1)

	log := o.log.With("job_id", job.ID)
	inputRef := job.URL

	transcribed := false
	for _, stage := range o.stages {
		outputRef, payload, err := o.runStage(ctx, job, stage, inputRef)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Cancel already persisted the cancelled status.
				log.Info("job cancelled", "stage", stage.Name())
				o.metrics.RecordJob(context.Background(), string(jobstore.StatusCancelled))
				return
			}
			o.failJob(job, stage.Name(), err)
			return
		}
		inputRef = outputRef
		switch stage.Name() {
		case jobstore.StageNormalize:
			job.AudioFile = outputRef
		case jobstore.StageTranscribe:
			job.Result = payload
			transcribed = true
		}
	}

	if transcribed {
		text, segments, err := liftTranscript(job.Result)
		if err != nil {
			o.failJob(job, jobstore.StageTranscribe, err)
			return
		}
		job.TranscriptText = text
		job.TranscriptSegments = segments
	}

	job.Finish(jobstore.StatusCompleted)
	if err := o.store.Put(context.Background(), job); err != nil {
		log.Error("persist completed job failed", "err", err)
		return
	}
	o.metrics.RecordJob(context.Background(), string(jobstore.StatusCompleted))
	log.Info("job completed", "segments", len(job.TranscriptSegments))
}

// liftTranscript extracts the flat transcript fields from the transcribe
// stage's result payload. A completed job must carry at least one segment.
func liftTranscript(payload []byte) (string, []jobstore.Segment, error) {
	var res struct {
		Transcript struct {
			Segments []jobstore.Segment `json:"segments"`
		} `json:"transcript"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", nil, apperr.Wrap(apperr.KindTranscription, "TRANSCRIPT_DECODE_FAILED", err)
	}
	segments := res.Transcript.Segments
	if len(segments) == 0 {
		return "", nil, apperr.New(apperr.KindTranscription, "EMPTY_TRANSCRIPT",
			"transcribe stage returned no segments")
	}

	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
	}
	return b.String(), segments, nil
}

// runStage starts one stage task and polls it to completion with exponential
// backoff, persisting progress after every observation.
func (o *Orchestrator) runStage(ctx context.Context, job *jobstore.Job, stage StageClient, inputRef string) (string, []byte, error) {
	name := stage.Name()
	st := job.Stages[name]
	now := time.Now().UTC()
	st.Status = "submitting"
	st.StartedAt = &now
	job.Status = stageStatus[name]
	job.UpdatedAt = now
	if err := o.store.Put(ctx, job); err != nil {
		return "", nil, fmt.Errorf("persist stage submit: %w", err)
	}

	taskID, err := stage.Start(ctx, job, inputRef)
	if err != nil {
		return "", nil, err
	}

	st.Status = "running"
	job.UpdatedAt = time.Now().UTC()
	if err := o.store.Put(ctx, job); err != nil {
		return "", nil, fmt.Errorf("persist stage start: %w", err)
	}

	interval := o.poll.Initial
	for attempt := 0; attempt < o.poll.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(interval):
		}
		if next := time.Duration(float64(interval) * o.poll.Multiplier); next < o.poll.Max {
			interval = next
		} else {
			interval = o.poll.Max
		}

		res, err := stage.Poll(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			// Transient poll errors are absorbed by the attempt budget.
			o.log.Warn("stage poll failed", "job_id", job.ID, "stage", name, "err", err)
			continue
		}

		switch res.State {
		case "completed":
			done := time.Now().UTC()
			st.Status = "completed"
			st.Progress = 100
			st.FinishedAt = &done
			st.OutputRef = res.OutputRef
			job.UpdatedAt = done
			if err := o.store.Put(ctx, job); err != nil {
				return "", nil, fmt.Errorf("persist stage completion: %w", err)
			}
			return res.OutputRef, res.Payload, nil

		case "failed":
			return "", nil, apperr.Newf(stageFailKind(name), stageFailCode(name),
				"%s stage failed: %s", name, res.Error)

		default:
			// A remote report lower than what we already persisted is stale;
			// progress never moves backwards.
			if res.Progress > st.Progress {
				st.Progress = res.Progress
				job.UpdatedAt = time.Now().UTC()
				if err := o.store.Put(ctx, job); err != nil {
					return "", nil, fmt.Errorf("persist stage progress: %w", err)
				}
			}
		}
	}

	return "", nil, apperr.Newf(apperr.KindTimeout, "STAGE_POLL_TIMEOUT",
		"%s stage did not finish within %d polls", name, o.poll.MaxAttempts)
}

// failJob persists the terminal failed state.
func (o *Orchestrator) failJob(job *jobstore.Job, stage jobstore.StageName, err error) {
	now := time.Now().UTC()
	if st, ok := job.Stages[stage]; ok {
		st.Status = "failed"
		st.Error = err.Error()
		st.FinishedAt = &now
	}
	job.Error = &jobstore.JobError{Code: apperr.CodeOf(err), Message: err.Error()}
	job.ErrorMessage = err.Error()
	job.Finish(jobstore.StatusFailed)

	if perr := o.store.Put(context.Background(), job); perr != nil {
		o.log.Error("persist failed job failed", "job_id", job.ID, "err", perr)
	}
	o.metrics.RecordJob(context.Background(), string(jobstore.StatusFailed))
	o.log.Error("job failed", "job_id", job.ID, "stage", stage, "err", err)
}

// stageFailCode names the error code for a stage-level failure.
func stageFailCode(name jobstore.StageName) string {
	return "STAGE_" + strings.ToUpper(string(name)) + "_FAILED"
}

// stageFailKind classifies a stage failure into the shared error taxonomy.
func stageFailKind(name jobstore.StageName) apperr.Kind {
	switch name {
	case jobstore.StageDownload:
		return apperr.KindFetch
	case jobstore.StageNormalize:
		return apperr.KindPreparation
	case jobstore.StageTranscribe:
		return apperr.KindTranscription
	default:
		return apperr.KindPreparation
	}
}
