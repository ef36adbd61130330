package asr

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/media"
	"github.com/castwave/castwave/internal/session"
)

const (
	// DefaultSubmitTimeout bounds how long one chunk submission may wait on a
	// full task queue before the call is promoted to the single-pass fallback.
	DefaultSubmitTimeout = 30 * time.Second

	// DefaultResultTimeout bounds the wait for each chunk result.
	DefaultResultTimeout = 10 * time.Minute
)

// ParallelConfig configures the parallel transcription service.
type ParallelConfig struct {
	TempDir       string
	ChunkDuration time.Duration
	SubmitTimeout time.Duration
	ResultTimeout time.Duration
}

// Parallel is the chunked transcription service: it normalizes the input,
// splits it into fixed-duration chunks, fans the chunks out to the worker
// pool, and merges the results back into one transcript in chunk order.
//
// Pool saturation or degradation promotes the whole call to the single-pass
// fallback; the caller still sees a single successful Transcript. A chunk
// that fails inference aborts the call instead, because retrying a chunk the
// pool just failed on rarely ends differently.
type Parallel struct {
	pool     *Pool
	chunker  *media.Chunker
	normal   *media.Normalizer
	fallback Engine

	cfg ParallelConfig
	log *slog.Logger
}

var _ Engine = (*Parallel)(nil)

// NewParallel creates the parallel service. fallback may be nil, in which
// case saturation surfaces as an error instead of a slow success.
func NewParallel(pool *Pool, chunker *media.Chunker, normal *media.Normalizer, fallback Engine, cfg ParallelConfig) *Parallel {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = media.DefaultChunkDuration
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = DefaultResultTimeout
	}
	return &Parallel{
		pool:     pool,
		chunker:  chunker,
		normal:   normal,
		fallback: fallback,
		cfg:      cfg,
		log:      slog.With("component", "asr.parallel"),
	}
}

// Transcribe runs the chunked pipeline for audioPath. All chunk files live in
// a per-call session directory that is torn down before return, success or
// failure.
func (p *Parallel) Transcribe(ctx context.Context, audioPath, language string) (*Transcript, error) {
	if p.pool.Degraded() {
		p.log.Warn("pool degraded, using single-pass fallback")
		return p.fallbackOrErr(ctx, audioPath, language,
			apperr.New(apperr.KindTranscription, "POOL_DEGRADED", "worker pool is degraded"))
	}

	start := time.Now()

	sess, err := session.New(p.cfg.TempDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_SESSION_FAILED", err)
	}
	defer sess.Teardown()

	normalized := sess.Path("normalized.wav")
	if err := p.normal.Normalize(ctx, audioPath, normalized, media.NormalizeOptions{}); err != nil {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_NORMALIZE_FAILED", err)
	}

	chunks, err := p.chunker.Prepare(ctx, normalized, sess.Root(), p.cfg.ChunkDuration)
	if err != nil {
		return nil, err
	}
	p.log.Debug("chunks prepared", "session_id", sess.ID(), "chunks", len(chunks))

	// One reply slot per chunk so workers can always publish.
	reply := make(chan ChunkResult, len(chunks))
	for _, ch := range chunks {
		task := ChunkTask{
			SessionID:    sess.ID(),
			ChunkIndex:   ch.Index,
			ChunkPath:    ch.Path,
			OffsetSec:    ch.StartSec,
			LanguageHint: language,
		}
		if err := p.pool.Submit(ctx, task, reply, p.cfg.SubmitTimeout); err != nil {
			if IsPoolFailure(err) {
				p.log.Warn("pool saturated, using single-pass fallback",
					"session_id", sess.ID(), "err", err)
				sess.Teardown()
				return p.fallbackOrErr(ctx, audioPath, language, err)
			}
			return nil, err
		}
	}

	results := make([]ChunkResult, 0, len(chunks))
	for range chunks {
		res, err := p.recvResult(ctx, reply)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, res.Err
		}
		results = append(results, res)
	}

	transcript := mergeResults(results, language)
	last := chunks[len(chunks)-1]
	transcript.DurationSec = last.StartSec + last.DurationSec
	transcript.ProcessingTimeSec = time.Since(start).Seconds()
	return transcript, nil
}

func (p *Parallel) recvResult(ctx context.Context, reply <-chan ChunkResult) (ChunkResult, error) {
	timer := time.NewTimer(p.cfg.ResultTimeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		return ChunkResult{}, apperr.Newf(apperr.KindTimeout, "POOL_RESULT_TIMEOUT",
			"no chunk result within %s", p.cfg.ResultTimeout)
	case <-ctx.Done():
		return ChunkResult{}, ctx.Err()
	}
}

func (p *Parallel) fallbackOrErr(ctx context.Context, audioPath, language string, cause error) (*Transcript, error) {
	if p.fallback == nil {
		return nil, cause
	}
	return p.fallback.Transcribe(ctx, audioPath, language)
}

// IsPoolFailure reports whether err signals the pool itself (not the audio)
// is the problem, making a whole-file fallback worthwhile.
func IsPoolFailure(err error) bool {
	switch apperr.CodeOf(err) {
	case "POOL_SUBMIT_TIMEOUT", "POOL_RESULT_TIMEOUT", "POOL_STOPPED", "POOL_DEGRADED":
		return true
	}
	return false
}

// mergeResults orders chunk results by index, concatenates their segments,
// clamps timestamps so segment starts never decrease across a chunk
// boundary, and settles the language by plurality vote.
func mergeResults(results []ChunkResult, hint string) *Transcript {
	sort.Slice(results, func(i, j int) bool {
		return results[i].ChunkIndex < results[j].ChunkIndex
	})

	var segments []Segment
	var prevStart float64
	for _, res := range results {
		for _, seg := range res.Segments {
			if seg.Start < prevStart {
				seg.Start = prevStart
			}
			if seg.End < seg.Start {
				seg.End = seg.Start
			}
			prevStart = seg.Start
			segments = append(segments, seg)
		}
	}

	return &Transcript{
		Segments:         segments,
		DetectedLanguage: voteLanguage(results, hint),
	}
}

// voteLanguage picks the language detected by the most chunks, ignoring
// unknowns. Ties go to the language seen at the lowest chunk index.
func voteLanguage(results []ChunkResult, hint string) string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for _, res := range results {
		lang := res.DetectedLanguage
		if lang == "" || lang == LanguageAuto || lang == "unknown" {
			continue
		}
		counts[lang]++
		if _, ok := firstSeen[lang]; !ok {
			firstSeen[lang] = res.ChunkIndex
		}
	}

	best := ""
	for lang, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && firstSeen[lang] < firstSeen[best]) {
			best = lang
		}
	}
	if best != "" {
		return best
	}
	return resolveLanguage("", hint)
}
