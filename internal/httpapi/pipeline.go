package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/health"
	"github.com/castwave/castwave/internal/jobstore"
	"github.com/castwave/castwave/internal/pipeline"
)

// JobController is the slice of the orchestrator the pipeline API needs.
// Satisfied by [pipeline.Orchestrator].
type JobController interface {
	Submit(ctx context.Context, url string, opts pipeline.SubmitOptions) (*jobstore.Job, error)
	Get(ctx context.Context, id string) (*jobstore.Job, error)
	List(ctx context.Context, limit int) ([]*jobstore.Job, error)
	Cancel(ctx context.Context, id string) error
	Wait(ctx context.Context, id string, timeout time.Duration) (*jobstore.Job, bool, error)
	Watch(ctx context.Context, id string) (<-chan *jobstore.Job, error)
}

const (
	// defaultWait is the long-poll window for GET /jobs/{id}/wait.
	defaultWait = 5 * time.Second

	// maxWait caps a client-supplied long-poll window.
	maxWait = 60 * time.Second

	// defaultListLimit bounds GET /jobs when no limit is given.
	defaultListLimit = 50
)

// PipelineAPI serves the orchestrator's job API.
type PipelineAPI struct {
	jobs   JobController
	store  jobstore.Store
	health *health.Handler
	log    *slog.Logger
}

// NewPipelineAPI creates the job API. The store is used only by the admin
// endpoints; healthHandler may be nil.
func NewPipelineAPI(jobs JobController, store jobstore.Store, healthHandler *health.Handler) *PipelineAPI {
	return &PipelineAPI{
		jobs:   jobs,
		store:  store,
		health: healthHandler,
		log:    slog.With("component", "httpapi"),
	}
}

// Register adds all pipeline routes to mux.
func (a *PipelineAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /process", a.handleProcess)
	mux.HandleFunc("GET /jobs", a.handleList)
	mux.HandleFunc("GET /jobs/{id}", a.handleGet)
	mux.HandleFunc("GET /jobs/{id}/wait", a.handleWait)
	mux.HandleFunc("GET /jobs/{id}/stream", a.handleStream)
	mux.HandleFunc("DELETE /jobs/{id}", a.handleCancel)
	mux.HandleFunc("GET /admin/stats", a.handleStats)
	mux.HandleFunc("POST /admin/cleanup", a.handleCleanup)
	mux.HandleFunc("POST /admin/factory-reset", a.handleFactoryReset)
	if a.health != nil {
		a.health.Register(mux)
	}
}

type processBody struct {
	YoutubeURL  string `json:"youtube_url"`
	Language    string `json:"language"`
	LanguageOut string `json:"language_out"`
	audioFlags
}

func (a *PipelineAPI) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body processBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := a.jobs.Submit(r.Context(), body.YoutubeURL, pipeline.SubmitOptions{
		Language:       body.Language,
		TargetLanguage: body.LanguageOut,
		Preprocess:     body.preprocess(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"overall_progress": job.Progress(),
		"message":          "processing started",
		"youtube_url":      job.URL,
	})
}

func (a *PipelineAPI) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, apperr.New(apperr.KindValidation, "INVALID_LIMIT", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	jobs, err := a.jobs.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (a *PipelineAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// waitTimeout parses the timeout query parameter in seconds, clamped to
// maxWait. Fractional values are allowed.
func waitTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return defaultWait, nil
	}
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil || sec <= 0 {
		return 0, apperr.New(apperr.KindValidation, "INVALID_TIMEOUT", "timeout must be a positive number of seconds")
	}
	timeout := time.Duration(sec * float64(time.Second))
	if timeout > maxWait {
		timeout = maxWait
	}
	return timeout, nil
}

func (a *PipelineAPI) handleWait(w http.ResponseWriter, r *http.Request) {
	timeout, err := waitTimeout(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, finished, err := a.jobs.Wait(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// A terminal job, including a failed one, is returned as a normal record.
	if !finished {
		writeError(w, r, apperr.Newf(apperr.KindTimeout, "WAIT_TIMEOUT",
			"job %s still running after %s", job.ID, timeout))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *PipelineAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(jobstore.StatusCancelled)})
}

// handleStream pushes job snapshots over SSE until the job finishes or the
// client goes away. Disconnecting never cancels the job itself.
func (a *PipelineAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperr.New(apperr.KindValidation, "STREAMING_UNSUPPORTED", "response writer does not support streaming"))
		return
	}

	// With no timeout parameter the stream runs until the job finishes or the
	// client goes away.
	var deadline <-chan time.Time
	if r.URL.Query().Get("timeout") != "" {
		timeout, err := waitTimeout(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		deadline = time.After(timeout)
	}

	id := r.PathValue("id")
	ch, err := a.jobs.Watch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Keeps nginx-style proxies from buffering the stream.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"job_id": id})
	flusher.Flush()

	for {
		select {
		case job, ok := <-ch:
			if !ok {
				return
			}
			event := "progress"
			switch job.Status {
			case jobstore.StatusCompleted:
				event = "completed"
			case jobstore.StatusFailed:
				event = "error"
			case jobstore.StatusCancelled:
				event = "cancelled"
			}
			writeSSE(w, event, job)
			flusher.Flush()
		case <-deadline:
			writeSSE(w, "timeout", map[string]string{"job_id": id})
			flusher.Flush()
			return
		}
	}
}

// writeSSE writes one server-sent event with a JSON data payload.
func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func (a *PipelineAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindStorage, "STATS_FAILED", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *PipelineAPI) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := a.store.Sweep(r.Context())
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindStorage, "CLEANUP_FAILED", err))
		return
	}
	a.log.Info("store sweep", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *PipelineAPI) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	removed, err := a.store.DeleteAll(r.Context())
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindStorage, "RESET_FAILED", err))
		return
	}
	a.log.Warn("factory reset wiped job store", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
