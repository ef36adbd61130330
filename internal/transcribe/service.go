// Package transcribe is the use-case layer tying the pipeline together:
// source resolution, input validation, the transcript cache, and the routing
// decision between the parallel and single-pass engines.
package transcribe

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/asr"
	"github.com/castwave/castwave/internal/cache"
	"github.com/castwave/castwave/internal/media"
	"github.com/castwave/castwave/internal/observe"
	"github.com/castwave/castwave/internal/session"
)

// Fetcher materialises a remote URL as a local file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destDir string) (string, error)
}

// Translator converts a transcript into another language.
type Translator interface {
	Transcript(ctx context.Context, tr *asr.Transcript, targetLanguage string) (*asr.Transcript, error)
}

// TranscriptProvider returns an author-published transcript for a URL
// source, sparing the ASR engines when one exists.
type TranscriptProvider interface {
	Fetch(ctx context.Context, rawURL, language string) (*asr.Transcript, error)
}

// Limits are the request admission bounds.
type Limits struct {
	// MaxDurationSec rejects inputs longer than this; zero disables the check.
	MaxDurationSec float64

	// MaxSizeBytes rejects inputs larger than this; zero disables the check.
	MaxSizeBytes int64

	// SingleCoreLimitSec is the routing threshold: inputs at least this long
	// go to the parallel engine, shorter ones to single-pass.
	SingleCoreLimitSec float64
}

// Request describes one transcription call. Exactly one of URL and FilePath
// must be set.
type Request struct {
	// URL is a remote source downloaded before processing.
	URL string

	// FilePath is a source already on local disk (e.g. an upload).
	FilePath string

	// Language is the expected spoken language, or empty/"auto" for
	// detection.
	Language string

	// TargetLanguage requests a translated transcript. Empty means no
	// translation. Translation failures degrade to the original transcript.
	TargetLanguage string

	// Preprocess selects optional audio cleanup filters.
	Preprocess media.NormalizeOptions
}

// Result is a finished transcription.
type Result struct {
	Transcript *asr.Transcript `json:"transcript"`

	// Cached reports that the transcript came from the cache without
	// touching the engines.
	Cached bool `json:"cached"`

	// Translated reports that TargetLanguage was applied.
	Translated bool `json:"translated"`

	// Engine names which path produced the transcript: "parallel",
	// "single", or "cache".
	Engine string `json:"engine"`
}

// Service routes transcription requests. All dependencies are injected; the
// translator and fetcher may be nil, disabling their features.
type Service struct {
	fetcher    Fetcher
	captions   TranscriptProvider
	prober     *media.Prober
	normalizer *media.Normalizer
	cache      *cache.Cache
	parallel   asr.Engine
	single     asr.Engine
	translator Translator

	modelID string
	limits  Limits
	tempDir string

	log     *slog.Logger
	metrics *observe.Metrics
}

// New creates the use-case service.
func New(fetcher Fetcher, captions TranscriptProvider, prober *media.Prober, normalizer *media.Normalizer, c *cache.Cache, parallel, single asr.Engine, translator Translator, modelID string, limits Limits, tempDir string) *Service {
	return &Service{
		fetcher:    fetcher,
		captions:   captions,
		prober:     prober,
		normalizer: normalizer,
		cache:      c,
		parallel:   parallel,
		single:     single,
		translator: translator,
		modelID:    modelID,
		limits:     limits,
		tempDir:    tempDir,
		log:        slog.With("component", "transcribe"),
		metrics:    observe.DefaultMetrics(),
	}
}

// Execute runs one transcription request end to end: resolve the source,
// validate it, consult the cache, pick an engine, store the result, and
// optionally translate it.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	path, cleanup, err := s.resolveSource(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	info, err := s.validate(ctx, path)
	if err != nil {
		return nil, err
	}

	// Optional cleanup filters rewrite the audio before hashing so the cache
	// key reflects what the engines actually hear.
	path, filterCleanup, err := s.applyFilters(ctx, path, req.Preprocess)
	if err != nil {
		return nil, err
	}
	defer filterCleanup()

	hash, err := cache.HashFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_HASH_FAILED", err)
	}
	key := cache.NewKey(hash, s.modelID, req.Language)

	if tr, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheLookup(ctx, "hit")
		s.log.Info("cache hit", "audio_hash", hash, "model", s.modelID)
		return s.finish(ctx, req, tr, true, "cache")
	}
	s.metrics.RecordCacheLookup(ctx, "miss")

	// An author-published transcript beats running the engines. Absence is
	// the normal case and never fails the request.
	if req.URL != "" && s.captions != nil {
		if tr, err := s.captions.Fetch(ctx, req.URL, req.Language); err == nil && len(tr.Segments) > 0 {
			s.log.Info("using author-provided transcript", "url", req.URL, "segments", len(tr.Segments))
			s.cache.Put(key, tr, info.SizeBytes)
			return s.finish(ctx, req, tr, false, "captions")
		} else if err != nil {
			s.log.Debug("no author-provided transcript", "url", req.URL, "err", err)
		}
	}

	started := time.Now()
	tr, engine, err := s.runEngines(ctx, path, req.Language, info.DurationSec)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTranscribe(ctx, engine, time.Since(started).Seconds())
	s.cache.Put(key, tr, info.SizeBytes)

	return s.finish(ctx, req, tr, false, engine)
}

// applyFilters runs the requested preprocessing filters over the source,
// returning the filtered file and a cleanup for its scratch session. With no
// filters requested the source passes through untouched.
func (s *Service) applyFilters(ctx context.Context, path string, opts media.NormalizeOptions) (string, func(), error) {
	if !opts.Enabled() || s.normalizer == nil {
		return path, func() {}, nil
	}

	sess, err := session.New(s.tempDir)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindPreparation, "PREP_SESSION_FAILED", err)
	}
	out := filepath.Join(sess.Root(), "filtered.wav")
	if err := s.normalizer.Normalize(ctx, path, out, opts); err != nil {
		sess.Teardown()
		return "", nil, apperr.Wrap(apperr.KindPreparation, "PREP_FILTER_FAILED", err)
	}
	s.log.Debug("preprocess filters applied",
		"remove_noise", opts.RemoveNoise,
		"highpass", opts.HighpassFilter,
		"isolate_vocals", opts.IsolateVocals)
	return out, sess.Teardown, nil
}

// resolveSource returns the local path of the request's media plus a cleanup
// function. Downloads land in a scratch session that cleanup removes; local
// files are left alone.
func (s *Service) resolveSource(ctx context.Context, req Request) (string, func(), error) {
	switch {
	case req.URL != "" && req.FilePath != "":
		return "", nil, apperr.New(apperr.KindValidation, "AMBIGUOUS_SOURCE",
			"request must set either url or file path, not both")

	case req.URL != "":
		if s.fetcher == nil {
			return "", nil, apperr.New(apperr.KindValidation, "URL_NOT_SUPPORTED",
				"url sources are not enabled")
		}
		sess, err := session.New(s.tempDir)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.KindPreparation, "PREP_SESSION_FAILED", err)
		}
		started := time.Now()
		path, err := s.fetcher.Fetch(ctx, req.URL, sess.Root())
		if err != nil {
			sess.Teardown()
			return "", nil, err
		}
		s.metrics.DownloadDuration.Record(ctx, time.Since(started).Seconds())
		return path, sess.Teardown, nil

	case req.FilePath != "":
		return req.FilePath, func() {}, nil

	default:
		return "", nil, apperr.New(apperr.KindValidation, "MISSING_SOURCE",
			"request must set a url or a file path")
	}
}

// validate probes the source and enforces the admission limits.
func (s *Service) validate(ctx context.Context, path string) (media.Info, error) {
	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		return media.Info{}, apperr.Wrap(apperr.KindValidation, "UNREADABLE_MEDIA", err)
	}

	if !info.HasAudio {
		return media.Info{}, apperr.New(apperr.KindValidation, "NO_AUDIO_STREAM",
			"source has no audio stream")
	}
	if info.DurationSec <= 0 {
		return media.Info{}, apperr.New(apperr.KindValidation, "ZERO_DURATION",
			"source has no measurable duration")
	}
	if s.limits.MaxDurationSec > 0 && info.DurationSec > s.limits.MaxDurationSec {
		return media.Info{}, apperr.Newf(apperr.KindValidation, "VIDEO_TOO_LONG",
			"duration %.0fs exceeds the %.0fs limit", info.DurationSec, s.limits.MaxDurationSec).
			WithDetail("duration_sec", info.DurationSec)
	}
	if s.limits.MaxSizeBytes > 0 && info.SizeBytes > s.limits.MaxSizeBytes {
		return media.Info{}, apperr.Newf(apperr.KindValidation, "VIDEO_TOO_LARGE",
			"size %d bytes exceeds the %d byte limit", info.SizeBytes, s.limits.MaxSizeBytes).
			WithDetail("size_bytes", info.SizeBytes)
	}
	return info, nil
}

// runEngines picks an engine by duration and runs it. A pool-level failure
// from the parallel engine is retried once on the single-pass engine; any
// other error is final.
func (s *Service) runEngines(ctx context.Context, path, language string, durationSec float64) (*asr.Transcript, string, error) {
	if durationSec >= s.limits.SingleCoreLimitSec {
		tr, err := s.parallel.Transcribe(ctx, path, language)
		if err == nil {
			return tr, "parallel", nil
		}
		s.metrics.RecordEngineError(ctx, "parallel", apperr.CodeOf(err))
		if !asr.IsPoolFailure(err) {
			return nil, "", err
		}
		s.log.Warn("parallel engine failed at pool level, retrying single-pass", "err", err)
	}

	tr, err := s.single.Transcribe(ctx, path, language)
	if err != nil {
		s.metrics.RecordEngineError(ctx, "single", apperr.CodeOf(err))
		return nil, "", err
	}
	return tr, "single", nil
}

// finish applies optional translation and assembles the result. Translation
// failure is logged and degraded, never fatal.
func (s *Service) finish(ctx context.Context, req Request, tr *asr.Transcript, cached bool, engine string) (*Result, error) {
	res := &Result{Transcript: tr, Cached: cached, Engine: engine}

	target := req.TargetLanguage
	if target == "" || s.translator == nil || target == tr.DetectedLanguage {
		return res, nil
	}

	start := time.Now()
	translated, err := s.translator.Transcript(ctx, tr, target)
	if err != nil {
		s.log.Warn("translation failed, returning original transcript",
			"target_language", target, "err", err)
		return res, nil
	}
	s.log.Debug("transcript translated",
		"target_language", target, "took", time.Since(start))
	res.Transcript = translated
	res.Translated = true
	return res, nil
}
