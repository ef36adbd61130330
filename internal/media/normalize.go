package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/castwave/castwave/internal/observe"
)

// Target audio format for everything the ASR engine consumes: canonical WAVE,
// single PCM-S16LE stream.
const (
	SampleRate = 16000
	Channels   = 1
)

// NormalizeOptions holds the optional audio preprocessing filters a caller
// may request alongside the mandatory 16 kHz mono s16le conversion.
type NormalizeOptions struct {
	// RemoveNoise applies an FFT denoise filter.
	RemoveNoise bool

	// HighpassFilter applies a 80 Hz high-pass filter to strip rumble.
	HighpassFilter bool

	// IsolateVocals band-passes to the speech range, suppressing music and
	// effects outside it.
	IsolateVocals bool
}

// Enabled reports whether any optional filter is requested.
func (o NormalizeOptions) Enabled() bool {
	return o.RemoveNoise || o.HighpassFilter || o.IsolateVocals
}

// Normalizer converts arbitrary media files into the canonical WAVE format
// via ffmpeg.
type Normalizer struct {
	ffmpegPath string
	runner     commandRunner
	metrics    *observe.Metrics
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithNormalizerRunner substitutes the subprocess runner (tests).
func WithNormalizerRunner(r commandRunner) NormalizerOption {
	return func(n *Normalizer) { n.runner = r }
}

// NewNormalizer creates a Normalizer that invokes the given ffmpeg binary.
// An empty path defaults to "ffmpeg" resolved via PATH.
func NewNormalizer(ffmpegPath string, opts ...NormalizerOption) *Normalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	n := &Normalizer{
		ffmpegPath: ffmpegPath,
		runner:     osCommandRunner{},
		metrics:    observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize transcodes inPath to 16 kHz mono signed-16-bit PCM WAVE at
// outPath, applying any requested preprocessing filters.
func (n *Normalizer) Normalize(ctx context.Context, inPath, outPath string, opts NormalizeOptions) error {
	args := []string{
		"-y",
		"-i", inPath,
		"-vn",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"-c:a", "pcm_s16le",
	}
	if filters := buildFilterChain(opts); filters != "" {
		args = append(args, "-af", filters)
	}
	args = append(args, outPath)

	start := time.Now()
	if _, err := n.runner.Output(ctx, n.ffmpegPath, args...); err != nil {
		return fmt.Errorf("media: normalize %q: %w", inPath, err)
	}
	n.metrics.NormalizeDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// ExtractSlice writes the [startSec, startSec+durationSec) slice of inPath as
// a canonical WAVE chunk at outPath. The input is expected to already be
// normalized audio; the slice is re-encoded rather than stream-copied so the
// chunk duration is sample-exact.
func (n *Normalizer) ExtractSlice(ctx context.Context, inPath, outPath string, startSec, durationSec float64) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", startSec),
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-i", inPath,
		"-vn",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"-c:a", "pcm_s16le",
		outPath,
	}
	if _, err := n.runner.Output(ctx, n.ffmpegPath, args...); err != nil {
		return fmt.Errorf("media: extract slice [%.1fs,+%.1fs) of %q: %w", startSec, durationSec, inPath, err)
	}
	return nil
}

func buildFilterChain(opts NormalizeOptions) string {
	var filters []string
	if opts.HighpassFilter {
		filters = append(filters, "highpass=f=80")
	}
	if opts.RemoveNoise {
		filters = append(filters, "afftdn")
	}
	if opts.IsolateVocals {
		filters = append(filters, "highpass=f=120,lowpass=f=4000")
	}
	return strings.Join(filters, ",")
}
