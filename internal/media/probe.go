package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Info is the result of probing a media file with ffprobe.
type Info struct {
	// DurationSec is the container duration in seconds.
	DurationSec float64

	// SizeBytes is the file size on disk.
	SizeBytes int64

	// HasAudio reports whether at least one audio stream is present.
	HasAudio bool

	// HasVideo reports whether at least one video stream is present.
	HasVideo bool

	// AudioCodec is the codec name of the first audio stream, if any.
	AudioCodec string

	// FormatName is the container format reported by ffprobe.
	FormatName string
}

// Prober reads media metadata through ffprobe.
type Prober struct {
	ffprobePath string
	runner      commandRunner
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProberRunner substitutes the subprocess runner (tests).
func WithProberRunner(r commandRunner) ProberOption {
	return func(p *Prober) { p.runner = r }
}

// NewProber creates a Prober that invokes the given ffprobe binary.
// An empty path defaults to "ffprobe" resolved via PATH.
func NewProber(ffprobePath string, opts ...ProberOption) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	p := &Prober{ffprobePath: ffprobePath, runner: osCommandRunner{}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ffprobe JSON payload subset.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// Probe runs ffprobe against path and returns the parsed [Info].
func (p *Prober) Probe(ctx context.Context, path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("media: stat %q: %w", path, err)
	}

	out, err := p.runner.Output(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return Info{}, fmt.Errorf("media: probe %q: %w", path, err)
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("media: parse ffprobe output for %q: %w", path, err)
	}

	info := Info{
		SizeBytes:  st.Size(),
		FormatName: po.Format.FormatName,
	}
	if po.Format.Duration != "" {
		d, err := strconv.ParseFloat(po.Format.Duration, 64)
		if err != nil {
			return Info{}, fmt.Errorf("media: parse duration %q: %w", po.Format.Duration, err)
		}
		info.DurationSec = d
	}
	for _, s := range po.Streams {
		switch s.CodecType {
		case "audio":
			if !info.HasAudio {
				info.AudioCodec = s.CodecName
			}
			info.HasAudio = true
		case "video":
			info.HasVideo = true
		}
	}
	return info, nil
}

// Duration is a convenience wrapper returning only the duration in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	info, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.DurationSec, nil
}
