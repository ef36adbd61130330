package asr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/media"
)

// fakeFFmpeg scripts ffprobe/ffmpeg subprocess calls. Probes report a fixed
// duration; every ffmpeg invocation writes a small non-empty file at the
// output path (the last argument).
type fakeFFmpeg struct {
	durationSec float64
}

func (f *fakeFFmpeg) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	if filepath.Base(name) == "ffprobe" {
		return []byte(`{
			"format": {"format_name": "wav", "duration": "` + strconv.FormatFloat(f.durationSec, 'f', 2, 64) + `"},
			"streams": [{"codec_type": "audio", "codec_name": "pcm_s16le"}]
		}`), nil
	}
	out := args[len(args)-1]
	if err := os.WriteFile(out, []byte("RIFFdata"), 0o644); err != nil {
		return nil, err
	}
	return nil, nil
}

// stubEngine is a canned fallback Engine that records invocations.
type stubEngine struct {
	calls int
	out   *Transcript
	err   error
}

func (s *stubEngine) Transcribe(context.Context, string, string) (*Transcript, error) {
	s.calls++
	return s.out, s.err
}

// chunkIndexOf extracts the numeric index from a chunk_NNN.wav path.
func chunkIndexOf(path string) int {
	base := filepath.Base(path)
	n, _ := strconv.Atoi(base[len("chunk_") : len("chunk_")+3])
	return n
}

func newParallelFixture(t *testing.T, durationSec float64, fn func(path, language string) ([]Segment, string, error), fallback Engine) (*Parallel, *Pool) {
	t.Helper()
	ff := &fakeFFmpeg{durationSec: durationSec}
	prober := media.NewProber("ffprobe", media.WithProberRunner(ff))
	normal := media.NewNormalizer("ffmpeg", media.WithNormalizerRunner(ff))
	chunker := media.NewChunker(prober, normal)

	pool := startPool(t, PoolConfig{Workers: 2}, scriptedFactory(fn))
	par := NewParallel(pool, chunker, normal, fallback, ParallelConfig{
		TempDir:       t.TempDir(),
		ChunkDuration: 120 * time.Second,
		SubmitTimeout: 2 * time.Second,
		ResultTimeout: 5 * time.Second,
	})
	return par, pool
}

func sourceFile(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "video.mp4")
	if err := os.WriteFile(src, []byte("mp4data"), 0o644); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestParallel_MergesChunksInOrder(t *testing.T) {
	// 250s at D=120s: chunks 0 and 1 full, chunk 2 is the 10s tail.
	par, _ := newParallelFixture(t, 250, func(path, _ string) ([]Segment, string, error) {
		idx := chunkIndexOf(path)
		return []Segment{{Start: 1, End: 9, Text: "part" + strconv.Itoa(idx)}}, "en", nil
	}, nil)

	tr, err := par.Transcribe(context.Background(), sourceFile(t), LanguageAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tr.Segments) != 3 {
		t.Fatalf("len(segments) = %d, want 3", len(tr.Segments))
	}
	for i, seg := range tr.Segments {
		if want := "part" + strconv.Itoa(i); seg.Text != want {
			t.Errorf("segment %d text = %q, want %q (chunk order)", i, seg.Text, want)
		}
		if want := float64(i)*120 + 1; seg.Start != want {
			t.Errorf("segment %d start = %v, want %v (absolute time)", i, seg.Start, want)
		}
	}
	if tr.DurationSec != 250 {
		t.Errorf("duration = %v, want 250", tr.DurationSec)
	}
	if tr.DetectedLanguage != "en" {
		t.Errorf("language = %q, want en", tr.DetectedLanguage)
	}
	if tr.FullText() != "part0 part1 part2" {
		t.Errorf("full text = %q", tr.FullText())
	}
}

func TestParallel_ChunkErrorAbortsCall(t *testing.T) {
	par, _ := newParallelFixture(t, 250, func(path, _ string) ([]Segment, string, error) {
		if chunkIndexOf(path) == 1 {
			return nil, "", errors.New("decoder choked")
		}
		return []Segment{{Text: "ok"}}, "en", nil
	}, nil)

	_, err := par.Transcribe(context.Background(), sourceFile(t), LanguageAuto)
	if apperr.CodeOf(err) != "TRANSCRIBE_CHUNK_FAILED" {
		t.Fatalf("code = %q (err %v), want TRANSCRIBE_CHUNK_FAILED", apperr.CodeOf(err), err)
	}
}

func TestParallel_DegradedPoolUsesFallback(t *testing.T) {
	fallback := &stubEngine{out: &Transcript{DetectedLanguage: "en", Segments: []Segment{{Text: "fallback"}}}}
	par, pool := newParallelFixture(t, 250, func(string, string) ([]Segment, string, error) {
		return nil, "", errors.New("always fails")
	}, fallback)
	pool.cfg.DegradedThreshold = 1

	// Drive one failure through the pool to trip degradation.
	reply := make(chan ChunkResult, 1)
	if err := pool.Submit(context.Background(), ChunkTask{ChunkPath: "chunk_000.wav"}, reply, time.Second); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-reply

	tr, err := par.Transcribe(context.Background(), sourceFile(t), LanguageAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}
	if tr.Segments[0].Text != "fallback" {
		t.Errorf("transcript did not come from fallback: %+v", tr)
	}
}

func TestParallel_SubmitTimeoutUsesFallback(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ff := &fakeFFmpeg{durationSec: 250}
	prober := media.NewProber("ffprobe", media.WithProberRunner(ff))
	normal := media.NewNormalizer("ffmpeg", media.WithNormalizerRunner(ff))
	chunker := media.NewChunker(prober, normal)

	pool := startPool(t, PoolConfig{Workers: 1},
		scriptedFactory(func(string, string) ([]Segment, string, error) {
			<-release
			return nil, "", nil
		}))

	// Saturate: one task in flight plus a full queue.
	stale := make(chan ChunkResult, 11)
	for i := range 11 {
		if err := pool.Submit(context.Background(), ChunkTask{ChunkIndex: i}, stale, 2*time.Second); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	fallback := &stubEngine{out: &Transcript{Segments: []Segment{{Text: "fallback"}}}}
	par := NewParallel(pool, chunker, normal, fallback, ParallelConfig{
		TempDir:       t.TempDir(),
		ChunkDuration: 120 * time.Second,
		SubmitTimeout: 50 * time.Millisecond,
		ResultTimeout: 5 * time.Second,
	})

	tr, err := par.Transcribe(context.Background(), sourceFile(t), LanguageAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}
	if tr.Segments[0].Text != "fallback" {
		t.Errorf("transcript did not come from fallback: %+v", tr)
	}
}

func TestMergeResults_ClampsBoundaryTimestamps(t *testing.T) {
	// Chunk 1 starts slightly before chunk 0 ends in absolute time; the merge
	// clamps so starts never decrease.
	results := []ChunkResult{
		{ChunkIndex: 1, Segments: []Segment{{Start: 119.5, End: 130, Text: "b"}}},
		{ChunkIndex: 0, Segments: []Segment{{Start: 0, End: 119.8, Text: "a"}, {Start: 119.8, End: 120, Text: "a2"}}},
	}

	tr := mergeResults(results, LanguageAuto)
	var prev float64
	for i, seg := range tr.Segments {
		if seg.Start < prev {
			t.Errorf("segment %d start %v decreases below %v", i, seg.Start, prev)
		}
		if seg.End < seg.Start {
			t.Errorf("segment %d end %v before start %v", i, seg.End, seg.Start)
		}
		prev = seg.Start
	}
	if got := tr.Segments[2].Start; got != 119.8 {
		t.Errorf("clamped start = %v, want 119.8", got)
	}
}

func TestVoteLanguage(t *testing.T) {
	tests := []struct {
		name    string
		results []ChunkResult
		hint    string
		want    string
	}{
		{
			name: "plurality wins",
			results: []ChunkResult{
				{ChunkIndex: 0, DetectedLanguage: "en"},
				{ChunkIndex: 1, DetectedLanguage: "de"},
				{ChunkIndex: 2, DetectedLanguage: "en"},
			},
			want: "en",
		},
		{
			name: "unknowns ignored",
			results: []ChunkResult{
				{ChunkIndex: 0, DetectedLanguage: "unknown"},
				{ChunkIndex: 1, DetectedLanguage: ""},
				{ChunkIndex: 2, DetectedLanguage: "fr"},
			},
			want: "fr",
		},
		{
			name: "tie goes to lowest chunk index",
			results: []ChunkResult{
				{ChunkIndex: 0, DetectedLanguage: "de"},
				{ChunkIndex: 1, DetectedLanguage: "en"},
				{ChunkIndex: 2, DetectedLanguage: "en"},
				{ChunkIndex: 3, DetectedLanguage: "de"},
			},
			want: "de",
		},
		{
			name:    "all unknown falls back to hint",
			results: []ChunkResult{{ChunkIndex: 0, DetectedLanguage: "unknown"}},
			hint:    "es",
			want:    "es",
		},
		{
			name:    "all unknown without hint",
			results: []ChunkResult{{ChunkIndex: 0, DetectedLanguage: ""}},
			hint:    LanguageAuto,
			want:    "unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := voteLanguage(tt.results, tt.hint); got != tt.want {
				t.Errorf("voteLanguage() = %q, want %q", got, tt.want)
			}
		})
	}
}
