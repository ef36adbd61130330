// This file wraps the whisper.cpp CGO bindings. The whisper.cpp static
// library (libwhisper.a) and headers (whisper.h) must be available at link
// time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.

package asr

import (
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// LanguageAuto asks the model to detect the spoken language itself.
const LanguageAuto = "auto"

// Transcriber runs inference on one prepared audio file and returns
// time-coded segments in file-local coordinates plus the detected language.
//
// Implementations are NOT safe for concurrent use; every pool worker and
// every single-pass service owns its own Transcriber.
type Transcriber interface {
	TranscribeFile(path, language string) ([]Segment, string, error)
}

// TranscriberFactory creates one Transcriber. The pool calls it once per
// worker during startup so model weights are resident before the first task.
type TranscriberFactory func() (Transcriber, error)

// Model is a Whisper model loaded once and shared by every worker. The
// underlying weights can be shared across goroutines; the per-inference
// contexts created from it cannot.
type Model struct {
	model whisperlib.Model
	id    string
}

// LoadModel loads the ggml model file at path. id names the model size
// ("base", "turbo", ...) and becomes part of cache keys.
func LoadModel(path, id string) (*Model, error) {
	if path == "" {
		return nil, errors.New("asr: model path must not be empty")
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("asr: load model %q: %w", path, err)
	}
	return &Model{model: model, id: id}, nil
}

// ID returns the model size identifier used in cache keys.
func (m *Model) ID() string { return m.id }

// Close releases the model weights. Callers must stop every worker first.
func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}

// NewTranscriber creates a fresh whisper context bound to the shared model.
// Each context is NOT thread-safe, but the model can be shared across
// goroutines.
func (m *Model) NewTranscriber() (Transcriber, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("asr: create whisper context: %w", err)
	}
	return &whisperTranscriber{wctx: wctx}, nil
}

// whisperTranscriber adapts one whisper.cpp context to the Transcriber
// interface.
type whisperTranscriber struct {
	wctx whisperlib.Context
}

func (t *whisperTranscriber) TranscribeFile(path, language string) ([]Segment, string, error) {
	samples, err := readWAVSamples(path)
	if err != nil {
		return nil, "", err
	}

	if language == "" {
		language = LanguageAuto
	}
	if err := t.wctx.SetLanguage(language); err != nil {
		return nil, "", fmt.Errorf("asr: set language %q: %w", language, err)
	}

	if err := t.wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, "", fmt.Errorf("asr: process audio: %w", err)
	}

	var segments []Segment
	for {
		seg, err := t.wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("asr: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  text,
		})
	}

	return segments, t.wctx.Language(), nil
}
