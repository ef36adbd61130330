package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castwave/castwave/internal/apperr"
)

// DefaultChunkDuration is the fixed chunk length used when the caller does
// not override it.
const DefaultChunkDuration = 120 * time.Second

// defaultExtractTimeout bounds a single slice extraction.
const defaultExtractTimeout = 5 * time.Minute

// Chunk describes one prepared audio chunk on disk.
type Chunk struct {
	// Path is the absolute path of the chunk WAVE file.
	Path string

	// Index is the zero-based position of the chunk in the source audio.
	Index int

	// StartSec is the chunk's offset into the source audio, Index * D.
	StartSec float64

	// DurationSec is the chunk length. Equal to the configured chunk duration
	// for every chunk except possibly the last.
	DurationSec float64
}

// Chunker splits a normalized audio file into fixed-duration 16 kHz mono PCM
// chunks. Slice extractions run concurrently; the call succeeds only when
// every chunk was written.
type Chunker struct {
	prober     *Prober
	normalizer *Normalizer

	// extractTimeout is the per-chunk extraction ceiling.
	extractTimeout time.Duration
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithExtractTimeout overrides the per-chunk extraction ceiling.
func WithExtractTimeout(d time.Duration) ChunkerOption {
	return func(c *Chunker) {
		if d > 0 {
			c.extractTimeout = d
		}
	}
}

// NewChunker creates a Chunker on top of the given prober and normalizer.
func NewChunker(prober *Prober, normalizer *Normalizer, opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		prober:         prober,
		normalizer:     normalizer,
		extractTimeout: defaultExtractTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Prepare splits audioPath into ⌈total/chunkDuration⌉ chunks written as
// chunk_NNN.wav under outDir and returns them in index order.
//
// The returned chunks cover the source end-to-end with no overlap; every
// listed file exists and is non-empty. Any per-chunk failure fails the whole
// call and the caller is expected to tear down outDir.
func (c *Chunker) Prepare(ctx context.Context, audioPath, outDir string, chunkDuration time.Duration) ([]Chunk, error) {
	if chunkDuration <= 0 {
		chunkDuration = DefaultChunkDuration
	}

	total, err := c.prober.Duration(ctx, audioPath)
	if err != nil || total <= 0 {
		return nil, apperr.Wrap(apperr.KindPreparation, "PREP_DURATION_UNKNOWN",
			fmt.Errorf("media: duration of %q unknown: %w", audioPath, err))
	}

	d := chunkDuration.Seconds()
	n := int(math.Ceil(total / d))
	chunks := make([]Chunk, n)
	for i := range chunks {
		start := float64(i) * d
		chunks[i] = Chunk{
			Path:        filepath.Join(outDir, fmt.Sprintf("chunk_%03d.wav", i)),
			Index:       i,
			StartSec:    start,
			DurationSec: math.Min(d, total-start),
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		ch := chunks[i]
		g.Go(func() error {
			extractCtx, cancel := context.WithTimeout(gctx, c.extractTimeout)
			defer cancel()

			err := c.normalizer.ExtractSlice(extractCtx, audioPath, ch.Path, ch.StartSec, ch.DurationSec)
			if extractCtx.Err() == context.DeadlineExceeded {
				return apperr.Newf(apperr.KindPreparation, "PREP_TIMEOUT",
					"chunk %d extraction exceeded %s", ch.Index, c.extractTimeout).
					WithDetail("chunk_index", ch.Index)
			}
			if err != nil {
				return apperr.Wrap(apperr.KindPreparation, "PREP_EXTRACT_FAILED", err).
					WithDetail("chunk_index", ch.Index)
			}

			st, err := os.Stat(ch.Path)
			if err != nil || st.Size() == 0 {
				return apperr.Newf(apperr.KindPreparation, "PREP_EXTRACT_FAILED",
					"chunk %d is missing or empty", ch.Index).
					WithDetail("chunk_index", ch.Index)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}
