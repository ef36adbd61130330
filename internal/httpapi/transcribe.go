package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/config"
	"github.com/castwave/castwave/internal/health"
	"github.com/castwave/castwave/internal/jobstore"
	"github.com/castwave/castwave/internal/media"
	"github.com/castwave/castwave/internal/transcribe"
)

// Executor runs one transcription request. Satisfied by
// [transcribe.Service].
type Executor interface {
	Execute(ctx context.Context, req transcribe.Request) (*transcribe.Result, error)
}

const (
	// defaultMaxUpload bounds multipart uploads when no limit is configured.
	defaultMaxUpload = 2 << 30 // 2 GiB

	// taskRetention is how long finished stage tasks stay pollable.
	taskRetention = time.Hour
)

// TranscribeConfig configures the transcribe-stage API.
type TranscribeConfig struct {
	// UploadDir receives multipart uploads. Empty means the OS temp dir.
	UploadDir string

	// MaxUploadBytes bounds the multipart body. Zero selects the default.
	MaxUploadBytes int64

	// Health serves /health and /health/ready when non-nil.
	Health *health.Handler
}

// TranscribeAPI serves the core service's HTTP surface: the synchronous
// /api/v1/transcribe call, multipart /upload, and the async /tasks API the
// pipeline orchestrator polls.
type TranscribeAPI struct {
	exec Executor
	cfg  TranscribeConfig
	log  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*stageTask
}

// stageTask is one async transcription started through POST /tasks.
type stageTask struct {
	state   string // "running", "completed", "failed"
	result  json.RawMessage
	errMsg  string
	doneAt  time.Time
	started time.Time
}

// NewTranscribeAPI creates the transcribe-stage API over exec.
func NewTranscribeAPI(exec Executor, cfg TranscribeConfig) *TranscribeAPI {
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	return &TranscribeAPI{
		exec:  exec,
		cfg:   cfg,
		log:   slog.With("component", "httpapi"),
		tasks: make(map[string]*stageTask),
	}
}

// Register adds all transcribe-stage routes to mux.
func (a *TranscribeAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/transcribe", a.handleTranscribe)
	mux.HandleFunc("POST /upload", a.handleUpload)
	mux.HandleFunc("POST /tasks", a.handleStartTask)
	mux.HandleFunc("GET /tasks/{id}", a.handlePollTask)
	if a.cfg.Health != nil {
		a.cfg.Health.Register(mux)
	}
}

// audioFlags are the optional audio-cleanup switches accepted by the public
// endpoints. The mandatory mono 16 kHz conversion always happens, so
// convert_to_mono and set_sample_rate_16k are accepted for compatibility but
// change nothing.
type audioFlags struct {
	RemoveNoise      bool `json:"remove_noise"`
	ApplyHighpass    bool `json:"apply_highpass_filter"`
	IsolateVocals    bool `json:"isolate_vocals"`
	ConvertToMono    bool `json:"convert_to_mono"`
	SetSampleRate16k bool `json:"set_sample_rate_16k"`
}

func (f audioFlags) options() media.NormalizeOptions {
	return media.NormalizeOptions{
		RemoveNoise:    f.RemoveNoise,
		HighpassFilter: f.ApplyHighpass,
		IsolateVocals:  f.IsolateVocals,
	}
}

func (f audioFlags) preprocess() jobstore.Preprocess {
	return jobstore.Preprocess{
		RemoveNoise:    f.RemoveNoise,
		HighpassFilter: f.ApplyHighpass,
		IsolateVocals:  f.IsolateVocals,
	}
}

type transcribeBody struct {
	YoutubeURL  string `json:"youtube_url"`
	Source      string `json:"source"`
	Language    string `json:"language"`
	LanguageOut string `json:"language_out"`
	audioFlags
}

// segmentView is one transcript line in the public response shape.
type segmentView struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// transcriptionResponse is the body of a successful transcription call.
type transcriptionResponse struct {
	TranscriptionID string        `json:"transcription_id"`
	VideoID         string        `json:"video_id"`
	Language        string        `json:"language"`
	FullText        string        `json:"full_text"`
	Segments        []segmentView `json:"segments"`
	TotalSegments   int           `json:"total_segments"`
	Duration        float64       `json:"duration"`
	ProcessingTime  float64       `json:"processing_time"`
	Source          string        `json:"source"`
	Cached          bool          `json:"cached"`
	Engine          string        `json:"engine"`
}

func newTranscriptionResponse(res *transcribe.Result, videoID, source string) transcriptionResponse {
	tr := res.Transcript
	segments := make([]segmentView, len(tr.Segments))
	for i, s := range tr.Segments {
		segments[i] = segmentView{
			Text:     s.Text,
			Start:    s.Start,
			End:      s.End,
			Duration: s.End - s.Start,
		}
	}
	return transcriptionResponse{
		TranscriptionID: uuid.NewString(),
		VideoID:         videoID,
		Language:        tr.DetectedLanguage,
		FullText:        tr.FullText(),
		Segments:        segments,
		TotalSegments:   len(segments),
		Duration:        tr.DurationSec,
		ProcessingTime:  tr.ProcessingTimeSec,
		Source:          source,
		Cached:          res.Cached,
		Engine:          res.Engine,
	}
}

// videoIDFromURL extracts a stable identifier from a media URL: the v query
// parameter when present, otherwise the last path element.
func videoIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	if p := path.Base(u.Path); p != "" && p != "/" && p != "." {
		return p
	}
	return u.Host
}

func (a *TranscribeAPI) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var body transcribeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req := transcribe.Request{
		Language:       body.Language,
		TargetLanguage: body.LanguageOut,
		Preprocess:     body.options(),
	}
	videoID, source := "", ""
	switch {
	case body.YoutubeURL != "":
		req.URL = body.YoutubeURL
		videoID, source = videoIDFromURL(body.YoutubeURL), "url"
	case body.Source != "":
		req.FilePath = body.Source
		videoID, source = filepath.Base(body.Source), "file"
	}

	res, err := a.exec.Execute(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTranscriptionResponse(res, videoID, source))
}

func (a *TranscribeAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "INVALID_UPLOAD", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindValidation, "MISSING_FILE", "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	dest := filepath.Join(a.cfg.UploadDir, "upload-"+uuid.NewString()+filepath.Ext(header.Filename))
	out, err := os.Create(dest)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindStorage, "UPLOAD_WRITE_FAILED", err))
		return
	}
	_, err = io.Copy(out, file)
	out.Close()
	if err != nil {
		os.Remove(dest)
		writeError(w, r, apperr.Wrap(apperr.KindStorage, "UPLOAD_WRITE_FAILED", err))
		return
	}
	defer os.Remove(dest)

	// A single preloaded model serves every request; model_size is validated
	// for compatibility but cannot switch models per call.
	if size := r.FormValue("model_size"); size != "" && !config.ModelSize(size).IsValid() {
		writeError(w, r, apperr.Newf(apperr.KindValidation, "INVALID_MODEL_SIZE",
			"unknown model size %q", size))
		return
	}

	res, err := a.exec.Execute(r.Context(), transcribe.Request{
		FilePath:       dest,
		Language:       r.FormValue("language"),
		TargetLanguage: r.FormValue("language_out"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTranscriptionResponse(res, filepath.Base(header.Filename), "upload"))
}

// taskStartBody is the stage task submission sent by the orchestrator.
type taskStartBody struct {
	JobID          string              `json:"job_id"`
	Input          string              `json:"input"`
	URL            string              `json:"url"`
	Language       string              `json:"language"`
	TargetLanguage string              `json:"target_language"`
	Preprocess     jobstore.Preprocess `json:"preprocess"`
}

func (a *TranscribeAPI) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var body taskStartBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Input == "" && body.URL == "" {
		writeError(w, r, apperr.New(apperr.KindValidation, "MISSING_SOURCE", "either input or url is required"))
		return
	}

	req := transcribe.Request{
		Language:       body.Language,
		TargetLanguage: body.TargetLanguage,
		Preprocess: media.NormalizeOptions{
			RemoveNoise:    body.Preprocess.RemoveNoise,
			HighpassFilter: body.Preprocess.HighpassFilter,
			IsolateVocals:  body.Preprocess.IsolateVocals,
		},
	}
	// An upstream stage hands over a local artifact path; a direct caller may
	// submit a URL instead.
	if body.Input != "" {
		req.FilePath = body.Input
	} else {
		req.URL = body.URL
	}

	id := uuid.NewString()
	a.mu.Lock()
	a.pruneLocked(time.Now())
	a.tasks[id] = &stageTask{state: "running", started: time.Now()}
	a.mu.Unlock()

	// The task outlives the submitting request: a dropped orchestrator
	// connection must not cancel the transcription.
	go func() {
		res, err := a.exec.Execute(context.Background(), req)

		a.mu.Lock()
		defer a.mu.Unlock()
		task := a.tasks[id]
		task.doneAt = time.Now()
		if err != nil {
			task.state = "failed"
			task.errMsg = err.Error()
			a.log.Error("stage task failed", "task_id", id, "job_id", body.JobID, "err", err)
			return
		}
		payload, err := json.Marshal(res)
		if err != nil {
			task.state = "failed"
			task.errMsg = "encode result: " + err.Error()
			return
		}
		task.state = "completed"
		task.result = payload
		a.log.Info("stage task completed", "task_id", id, "job_id", body.JobID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// taskView matches the poll schema the orchestrator's stage client expects.
type taskView struct {
	State    string          `json:"state"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Payload  json.RawMessage `json:"result,omitempty"`
}

func (a *TranscribeAPI) handlePollTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	task, ok := a.tasks[id]
	var view taskView
	if ok {
		view = taskView{State: task.state, Error: task.errMsg, Payload: task.result}
		if task.state == "completed" {
			view.Progress = 100
		}
	}
	a.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:     "TASK_NOT_FOUND",
			Message:   "unknown task id",
			RequestID: RequestIDFrom(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// pruneLocked drops finished tasks older than the retention window. Caller
// holds a.mu.
func (a *TranscribeAPI) pruneLocked(now time.Time) {
	for id, task := range a.tasks {
		if task.state != "running" && now.Sub(task.doneAt) > taskRetention {
			delete(a.tasks, id)
		}
	}
}
