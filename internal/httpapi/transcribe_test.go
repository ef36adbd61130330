package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/asr"
	"github.com/castwave/castwave/internal/transcribe"
)

type fakeExecutor struct {
	gotReq transcribe.Request
	res    *transcribe.Result
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, req transcribe.Request) (*transcribe.Result, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func okResult() *transcribe.Result {
	return &transcribe.Result{
		Transcript: &asr.Transcript{
			Segments:         []asr.Segment{{Start: 0, End: 2, Text: "hello"}},
			DetectedLanguage: "en",
			DurationSec:      2,
		},
		Engine: "single",
	}
}

func newTranscribeServer(exec Executor) *httptest.Server {
	api := NewTranscribeAPI(exec, TranscribeConfig{})
	mux := http.NewServeMux()
	api.Register(mux)
	return httptest.NewServer(RequestID(mux))
}

func TestTranscribeEndpoint(t *testing.T) {
	exec := &fakeExecutor{res: okResult()}
	srv := newTranscribeServer(exec)
	defer srv.Close()

	body := `{"youtube_url":"https://example.com/watch?v=abc123","language":"en","language_out":"de","remove_noise":true,"apply_highpass_filter":true,"isolate_vocals":true}`
	resp, err := http.Post(srv.URL+"/api/v1/transcribe", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var res transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Engine != "single" || res.FullText != "hello" || res.TotalSegments != 1 {
		t.Errorf("response = %+v, want the executor's transcript", res)
	}
	if res.TranscriptionID == "" || res.VideoID != "abc123" || res.Source != "url" {
		t.Errorf("response ids = %+v, want a transcription id and the video id from the URL", res)
	}
	if res.Segments[0].Duration != 2 {
		t.Errorf("segment duration = %v, want end minus start", res.Segments[0].Duration)
	}

	got := exec.gotReq
	if got.URL != "https://example.com/watch?v=abc123" || got.Language != "en" || got.TargetLanguage != "de" {
		t.Errorf("request = %+v, want the request body fields passed through", got)
	}
	if !got.Preprocess.RemoveNoise || !got.Preprocess.HighpassFilter || !got.Preprocess.IsolateVocals {
		t.Errorf("preprocess = %+v, want all three filters enabled", got.Preprocess)
	}
}

func TestTranscribeEndpoint_ErrorSchema(t *testing.T) {
	exec := &fakeExecutor{err: apperr.New(apperr.KindValidation, "VIDEO_TOO_LONG", "video exceeds the duration limit")}
	srv := newTranscribeServer(exec)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/transcribe", "application/json", strings.NewReader(`{"youtube_url":"https://x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "VIDEO_TOO_LONG" {
		t.Errorf("error = %q, want VIDEO_TOO_LONG", body.Error)
	}
	if body.RequestID == "" {
		t.Error("error body missing request_id")
	}
}

func TestTranscribeEndpoint_RejectsUnknownFields(t *testing.T) {
	srv := newTranscribeServer(&fakeExecutor{res: okResult()})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/transcribe", "application/json", strings.NewReader(`{"video_url":"https://x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown field", resp.StatusCode)
	}
}

func TestUpload(t *testing.T) {
	exec := &fakeExecutor{res: okResult()}
	api := NewTranscribeAPI(exec, TranscribeConfig{UploadDir: t.TempDir()})
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(RequestID(mux))
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "talk.mp4")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("fake video bytes"))
	mw.WriteField("language", "en")
	mw.WriteField("model_size", "base")
	mw.Close()

	resp, err := http.Post(srv.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Source != "upload" || out.VideoID != "talk.mp4" {
		t.Errorf("response = %+v, want upload source named after the file", out)
	}
	if exec.gotReq.FilePath == "" {
		t.Fatal("executor did not receive a file path")
	}
	if exec.gotReq.Language != "en" {
		t.Errorf("language = %q, want en", exec.gotReq.Language)
	}
	// The upload is scratch data; it must be gone once the call returns.
	if _, err := os.Stat(exec.gotReq.FilePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("upload file still present after request: %v", err)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	srv := newTranscribeServer(&fakeExecutor{res: okResult()})
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("language", "en")
	mw.Close()

	resp, err := http.Post(srv.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpload_InvalidModelSize(t *testing.T) {
	srv := newTranscribeServer(&fakeExecutor{res: okResult()})
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "talk.mp4")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("x"))
	mw.WriteField("model_size", "gigantic")
	mw.Close()

	resp, err := http.Post(srv.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var body errorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "INVALID_MODEL_SIZE" {
		t.Errorf("error = %q, want INVALID_MODEL_SIZE", body.Error)
	}
}

func TestStageTaskLifecycle(t *testing.T) {
	exec := &fakeExecutor{res: okResult()}
	srv := newTranscribeServer(exec)
	defer srv.Close()

	start := `{"job_id":"j1","input":"/tmp/norm.wav","language":"en"}`
	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(start))
	if err != nil {
		t.Fatal(err)
	}
	var started struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || started.TaskID == "" {
		t.Fatalf("start = %d %+v, want 202 with task id", resp.StatusCode, started)
	}

	// Poll until the background execution lands.
	deadline := time.Now().Add(2 * time.Second)
	var view taskView
	for {
		pr, err := http.Get(srv.URL + "/tasks/" + started.TaskID)
		if err != nil {
			t.Fatal(err)
		}
		err = json.NewDecoder(pr.Body).Decode(&view)
		pr.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if view.State != "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if view.State != "completed" || view.Progress != 100 {
		t.Fatalf("task = %+v, want completed at 100", view)
	}
	var res transcribe.Result
	if err := json.Unmarshal(view.Payload, &res); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if res.Transcript.FullText() != "hello" {
		t.Errorf("payload transcript = %q, want hello", res.Transcript.FullText())
	}
	if exec.gotReq.FilePath != "/tmp/norm.wav" {
		t.Errorf("executor input = %q, want the stage artifact path", exec.gotReq.FilePath)
	}
}

func TestStageTask_FailureSurfacesInPoll(t *testing.T) {
	exec := &fakeExecutor{err: apperr.New(apperr.KindTranscription, "TRANSCRIBE_FAILED", "inference failed")}
	srv := newTranscribeServer(exec)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(`{"input":"/tmp/a.wav"}`))
	if err != nil {
		t.Fatal(err)
	}
	var started struct {
		TaskID string `json:"task_id"`
	}
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		pr, err := http.Get(srv.URL + "/tasks/" + started.TaskID)
		if err != nil {
			t.Fatal(err)
		}
		var view taskView
		json.NewDecoder(pr.Body).Decode(&view)
		pr.Body.Close()
		if view.State == "failed" {
			if !strings.Contains(view.Error, "TRANSCRIBE_FAILED") {
				t.Errorf("error = %q, want the failure code in the message", view.Error)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("task never failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStageTask_UnknownIDIs404(t *testing.T) {
	srv := newTranscribeServer(&fakeExecutor{res: okResult()})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStageTask_RequiresSource(t *testing.T) {
	srv := newTranscribeServer(&fakeExecutor{res: okResult()})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(`{"job_id":"j1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
