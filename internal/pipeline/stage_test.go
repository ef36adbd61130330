package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/castwave/castwave/internal/jobstore"
	"github.com/castwave/castwave/internal/resilience"
)

// stageServer is a minimal fake of the per-stage task API.
type stageServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	gotStart startRequest
}

func newStageServer(t *testing.T) *stageServer {
	t.Helper()
	s := &stageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&s.gotStart); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"task_id": "t-1"})
	})
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StageResult{
			State:     "completed",
			Progress:  100,
			OutputRef: "/tmp/out.wav",
		})
	})
	s.srv = httptest.NewServer(mux)
	return s
}

func TestHTTPStage_StartRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	stage := NewHTTPStage(jobstore.StageDownload, srv.URL)
	if _, err := stage.Start(context.Background(), jobstore.NewJob("j1", "u"), "in"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestHTTPStage_StartRejectsMissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	stage := NewHTTPStage(jobstore.StageDownload, srv.URL)
	if _, err := stage.Start(context.Background(), jobstore.NewJob("j1", "u"), "in"); err == nil {
		t.Fatal("expected error when the stage returns no task id")
	}
}

func TestHTTPStage_BreakerOpensOnRepeatedServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "stage_download",
		MaxFailures: 2,
	})
	stage := NewHTTPStage(jobstore.StageDownload, srv.URL, WithStageBreaker(breaker))

	job := jobstore.NewJob("j1", "u")
	for i := 0; i < 2; i++ {
		if _, err := stage.Start(context.Background(), job, "in"); err == nil {
			t.Fatalf("call %d: expected error on 500 response", i)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("server hits before open = %d, want 2", got)
	}

	_, err := stage.Start(context.Background(), job, "in")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen once the breaker trips", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits after open = %d, want the request rejected locally", got)
	}
}

func TestHTTPStage_PollSurfacesFailedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StageResult{State: "failed", Error: "no audio stream"})
	}))
	defer srv.Close()

	stage := NewHTTPStage(jobstore.StageTranscribe, srv.URL)
	res, err := stage.Poll(context.Background(), "t-9")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != "failed" || res.Error != "no audio stream" {
		t.Errorf("result = %+v, want the failed state passed through", res)
	}
}
