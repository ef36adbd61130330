// Package pipeline orchestrates the download → normalize → transcribe stage
// chain. Stages run as separate HTTP services; the orchestrator submits a
// task to each stage in order, polls it with exponential backoff, and
// persists job progress after every observation so readers always see fresh
// state.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/jobstore"
	"github.com/castwave/castwave/internal/resilience"
)

// StageResult is one polled observation of a running stage task.
type StageResult struct {
	// State is "running", "completed", or "failed".
	State string `json:"state"`

	// Progress is 0..100 within the stage.
	Progress int `json:"progress"`

	// OutputRef names the stage artifact handed to the next stage.
	OutputRef string `json:"output_ref,omitempty"`

	// Error describes the failure when State is "failed".
	Error string `json:"error,omitempty"`

	// Payload is the stage's final result document, if it produces one (the
	// transcribe stage returns the transcript here).
	Payload json.RawMessage `json:"result,omitempty"`
}

// StageClient drives one remote pipeline stage.
type StageClient interface {
	// Name identifies the stage.
	Name() jobstore.StageName

	// Start submits a task for job with the given input reference and
	// returns the stage-local task id.
	Start(ctx context.Context, job *jobstore.Job, inputRef string) (string, error)

	// Poll reports the current state of a previously started task.
	Poll(ctx context.Context, taskID string) (StageResult, error)
}

// HTTPStage is the production StageClient: a small JSON API exposed by each
// stage service at {base}/tasks. All requests go through a per-stage circuit
// breaker so a dead stage service stops being hammered.
type HTTPStage struct {
	name    jobstore.StageName
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// HTTPStageOption configures an HTTPStage.
type HTTPStageOption func(*HTTPStage)

// WithStageHTTPClient substitutes the HTTP client (tests, custom timeouts).
func WithStageHTTPClient(c *http.Client) HTTPStageOption {
	return func(s *HTTPStage) { s.client = c }
}

// WithStageBreaker substitutes the circuit breaker guarding the stage.
func WithStageBreaker(b *resilience.CircuitBreaker) HTTPStageOption {
	return func(s *HTTPStage) { s.breaker = b }
}

// NewHTTPStage creates a stage client for the service at baseURL.
func NewHTTPStage(name jobstore.StageName, baseURL string, opts ...HTTPStageOption) *HTTPStage {
	s := &HTTPStage{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "stage_" + string(name),
		}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// do executes req through the stage breaker. Transport errors and 5xx
// responses count against the breaker; an open breaker rejects the call
// without touching the network and surfaces CIRCUIT_OPEN.
func (s *HTTPStage) do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := s.breaker.Execute(func() error {
		r, err := s.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return fmt.Errorf("unexpected status %s", r.Status)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, apperr.Wrap(apperr.KindCircuitOpen, "STAGE_CIRCUIT_OPEN", err)
		}
		return nil, err
	}
	return resp, nil
}

func (s *HTTPStage) Name() jobstore.StageName { return s.name }

// startRequest is the task submission body.
type startRequest struct {
	JobID          string              `json:"job_id"`
	Input          string              `json:"input"`
	URL            string              `json:"url,omitempty"`
	Language       string              `json:"language,omitempty"`
	TargetLanguage string              `json:"target_language,omitempty"`
	Preprocess     jobstore.Preprocess `json:"preprocess,omitempty"`
}

func (s *HTTPStage) Start(ctx context.Context, job *jobstore.Job, inputRef string) (string, error) {
	body, err := json.Marshal(startRequest{
		JobID:          job.ID,
		Input:          inputRef,
		URL:            job.URL,
		Language:       job.Language,
		TargetLanguage: job.TargetLanguage,
		Preprocess:     job.Preprocess,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal %s task: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pipeline: build %s request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("pipeline: start %s task: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pipeline: start %s task: unexpected status %s", s.name, resp.Status)
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pipeline: decode %s response: %w", s.name, err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("pipeline: %s returned no task id", s.name)
	}
	return out.TaskID, nil
}

func (s *HTTPStage) Poll(ctx context.Context, taskID string) (StageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return StageResult{}, fmt.Errorf("pipeline: build %s poll: %w", s.name, err)
	}

	resp, err := s.do(req)
	if err != nil {
		return StageResult{}, fmt.Errorf("pipeline: poll %s task %s: %w", s.name, taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StageResult{}, fmt.Errorf("pipeline: poll %s task %s: unexpected status %s", s.name, taskID, resp.Status)
	}

	var res StageResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return StageResult{}, fmt.Errorf("pipeline: decode %s poll: %w", s.name, err)
	}
	return res, nil
}
