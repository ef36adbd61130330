// Package asr implements the transcription engine: a persistent pool of
// workers holding preloaded Whisper contexts, a chunked parallel
// transcription service on top of the pool, and a single-pass service used
// for short inputs and as the pool-failure fallback.
package asr

import (
	"context"
	"time"
)

// Segment is one time-coded piece of recognised text. Start and End are
// absolute seconds relative to the original audio.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the ordered sequence of segments produced for one audio
// file, plus the detected language and timing information.
type Transcript struct {
	Segments          []Segment `json:"segments"`
	DetectedLanguage  string    `json:"detected_language"`
	DurationSec       float64   `json:"duration"`
	ProcessingTimeSec float64   `json:"processing_time"`
}

// FullText joins all segment texts with single spaces.
func (t *Transcript) FullText() string {
	if len(t.Segments) == 0 {
		return ""
	}
	n := 0
	for _, s := range t.Segments {
		n += len(s.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, s := range t.Segments {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, s.Text...)
	}
	return string(buf)
}

// Engine is the single operation shared by the parallel and single-pass
// services. The dispatch between them is one duration comparison held by the
// transcription use-case.
type Engine interface {
	// Transcribe converts the audio file at audioPath into a Transcript.
	// language is a hint ("auto" or empty lets the model detect it).
	Transcribe(ctx context.Context, audioPath, language string) (*Transcript, error)
}

// ChunkTask is the message submitted to the worker pool for one prepared
// chunk. Tasks are immutable once submitted.
type ChunkTask struct {
	// SessionID identifies the owning transcription call. Workers never hold
	// it past the task; results are addressed by (SessionID, ChunkIndex) only.
	SessionID string

	// ChunkIndex is the chunk's zero-based position in the source audio.
	ChunkIndex int

	// ChunkPath is the chunk WAVE file on local disk.
	ChunkPath string

	// OffsetSec is the chunk's start offset into the original audio. Workers
	// add it to every segment timestamp so results are absolute.
	OffsetSec float64

	// LanguageHint is the requested language, or "auto".
	LanguageHint string

	// reply receives the ChunkResult for this task. Buffered by the
	// submitter with one slot per task so workers never block on publish.
	reply chan<- ChunkResult
}

// ChunkResult is the worker pool's answer to one ChunkTask. It carries
// either Segments (success) or Err (failure), never both.
type ChunkResult struct {
	SessionID        string
	ChunkIndex       int
	Segments         []Segment
	DetectedLanguage string
	ProcessingTime   time.Duration
	Err              error
}
