// Package jobstore persists pipeline jobs. The production store is Redis
// with native TTL expiry; an in-memory store covers single-node deployments
// and tests.
package jobstore

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a pipeline job.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusNormalizing  Status = "normalizing"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StageName identifies one pipeline stage.
type StageName string

const (
	StageDownload   StageName = "download"
	StageNormalize  StageName = "normalize"
	StageTranscribe StageName = "transcribe"
)

// StageNames lists the stages in execution order.
var StageNames = []StageName{StageDownload, StageNormalize, StageTranscribe}

// StageState is the progress of one stage within a job.
type StageState struct {
	// Status is "pending", "submitting", "running", "completed", or
	// "failed". "submitting" covers the window between persisting the stage
	// start and the remote service accepting the task.
	Status string `json:"status"`

	// Progress is 0..100 within this stage.
	Progress int `json:"progress"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error holds the stage failure message, if any.
	Error string `json:"error,omitempty"`

	// OutputRef points at the stage's artifact (a file path or an id the
	// next stage resolves).
	OutputRef string `json:"output_ref,omitempty"`
}

// Preprocess selects the optional audio cleanup filters the normalize stage
// applies on top of the mandatory 16 kHz mono conversion.
type Preprocess struct {
	RemoveNoise    bool `json:"remove_noise,omitempty"`
	HighpassFilter bool `json:"apply_highpass_filter,omitempty"`
	IsolateVocals  bool `json:"isolate_vocals,omitempty"`
}

// Segment mirrors one time-coded transcript line on the job record. Kept as
// a local type so the orchestrator binary does not link the ASR engine.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// JobError is the terminal failure attached to a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is one end-to-end pipeline run.
type Job struct {
	ID  string `json:"id"`
	URL string `json:"url"`

	// Language and TargetLanguage echo the request options.
	Language       string `json:"language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`

	// Preprocess echoes the requested audio cleanup filters; the orchestrator
	// forwards them to the normalize stage.
	Preprocess Preprocess `json:"preprocess,omitempty"`

	Status Status `json:"status"`

	// Stages holds per-stage progress keyed by StageName.
	Stages map[StageName]*StageState `json:"stages"`

	// Result carries the raw transcribe-stage payload once completed.
	Result json.RawMessage `json:"result,omitempty"`

	// TranscriptText and TranscriptSegments are lifted out of Result when the
	// job completes so clients need not parse the stage payload.
	TranscriptText     string    `json:"transcription_text,omitempty"`
	TranscriptSegments []Segment `json:"transcription_segments,omitempty"`

	// AudioFile references the normalized audio artifact of a finished job.
	AudioFile string `json:"audio_file,omitempty"`

	// Error is set when Status is failed. ErrorMessage repeats its message
	// for clients that only read flat fields.
	Error        *JobError `json:"error,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is set exactly when the job enters a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExpiresAt is when the store drops the record; assigned by the store on
	// first Put.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// MarshalJSON adds the computed overall_progress field so every serialized
// snapshot carries it without a stored copy that could go stale.
func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		*alias
		OverallProgress int `json:"overall_progress"`
	}{(*alias)(j), j.Progress()})
}

// Finish moves the job into a terminal state and stamps CompletedAt.
func (j *Job) Finish(status Status) {
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// NewJob creates a queued job with all stages pending.
func NewJob(id, url string) *Job {
	now := time.Now().UTC()
	stages := make(map[StageName]*StageState, len(StageNames))
	for _, name := range StageNames {
		stages[name] = &StageState{Status: "pending"}
	}
	return &Job{
		ID:        id,
		URL:       url,
		Status:    StatusQueued,
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Progress computes the overall 0..100 completion across the three stages:
// each finished stage contributes a full third, the running stage its own
// percentage. Because stages only move forward, the value never decreases.
func (j *Job) Progress() int {
	if j.Status == StatusCompleted {
		return 100
	}
	finished := 0
	current := 0
	for _, name := range StageNames {
		st, ok := j.Stages[name]
		if !ok {
			continue
		}
		switch st.Status {
		case "completed":
			finished++
		case "submitting", "running", "failed":
			current = st.Progress
		}
	}
	return (finished*100 + current) / len(StageNames)
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (j *Job) Clone() *Job {
	out := *j
	out.Stages = make(map[StageName]*StageState, len(j.Stages))
	for name, st := range j.Stages {
		cp := *st
		out.Stages[name] = &cp
	}
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.TranscriptSegments != nil {
		out.TranscriptSegments = append([]Segment(nil), j.TranscriptSegments...)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
