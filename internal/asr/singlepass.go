package asr

import (
	"context"
	"sync"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/media"
	"github.com/castwave/castwave/internal/session"
)

// SinglePass transcribes a whole file with one inference call. It serves
// short inputs, where worker fan-out costs more than it saves, and acts as
// the fallback when the pool is saturated or degraded.
type SinglePass struct {
	normalizer *media.Normalizer
	prober     *media.Prober
	tempDir    string

	// One inference context, created on first use and reused after. Whisper
	// contexts are not thread-safe so calls serialize on mu.
	mu      sync.Mutex
	tr      Transcriber
	factory TranscriberFactory
}

var _ Engine = (*SinglePass)(nil)

// NewSinglePass creates a single-pass service. factory supplies the
// inference context lazily on the first call.
func NewSinglePass(normalizer *media.Normalizer, prober *media.Prober, tempDir string, factory TranscriberFactory) *SinglePass {
	return &SinglePass{
		normalizer: normalizer,
		prober:     prober,
		tempDir:    tempDir,
		factory:    factory,
	}
}

// Transcribe normalizes audioPath into a scratch session and runs one
// inference pass over the whole file.
func (s *SinglePass) Transcribe(ctx context.Context, audioPath, language string) (*Transcript, error) {
	start := time.Now()

	sess, err := session.New(s.tempDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_SESSION_FAILED", err)
	}
	defer sess.Teardown()

	normalized := sess.Path("normalized.wav")
	if err := s.normalizer.Normalize(ctx, audioPath, normalized, media.NormalizeOptions{}); err != nil {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_NORMALIZE_FAILED", err)
	}

	duration, err := s.prober.Duration(ctx, normalized)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_DURATION_UNKNOWN", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		tr, err := s.factory()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTranscription, "TRANSCRIBE_CONTEXT_FAILED", err)
		}
		s.tr = tr
	}

	segments, detected, err := s.tr.TranscribeFile(normalized, language)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTranscription, "TRANSCRIBE_FAILED", err)
	}

	return &Transcript{
		Segments:          segments,
		DetectedLanguage:  resolveLanguage(detected, language),
		DurationSec:       duration,
		ProcessingTimeSec: time.Since(start).Seconds(),
	}, nil
}

// resolveLanguage prefers what the model detected, then the caller's explicit
// hint, then "unknown".
func resolveLanguage(detected, hint string) string {
	if detected != "" && detected != LanguageAuto {
		return detected
	}
	if hint != "" && hint != LanguageAuto {
		return hint
	}
	return "unknown"
}
