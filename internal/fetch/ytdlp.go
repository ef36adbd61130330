package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// commandRunner abstracts subprocess execution so tests can substitute a fake
// without a real yt-dlp binary on PATH.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// YTDLP downloads media through the yt-dlp tool. It handles direct links and
// every streaming site yt-dlp supports.
type YTDLP struct {
	binPath string
	runner  commandRunner
}

// YTDLPOption configures a YTDLP downloader.
type YTDLPOption func(*YTDLP)

// WithYTDLPRunner substitutes the subprocess runner (tests).
func WithYTDLPRunner(r commandRunner) YTDLPOption {
	return func(y *YTDLP) { y.runner = r }
}

// NewYTDLP creates the yt-dlp strategy. An empty binPath defaults to "yt-dlp"
// resolved via PATH.
func NewYTDLP(binPath string, opts ...YTDLPOption) *YTDLP {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	y := &YTDLP{binPath: binPath, runner: osCommandRunner{}}
	for _, o := range opts {
		o(y)
	}
	return y
}

func (y *YTDLP) Name() string { return "yt-dlp" }

// Download fetches the best available audio track for rawURL into destDir.
// yt-dlp picks the container extension itself, so the output path is a
// template that is globbed afterwards.
func (y *YTDLP) Download(ctx context.Context, rawURL, destDir string) (string, error) {
	template := filepath.Join(destDir, fmt.Sprintf("source-%d.%%(ext)s", time.Now().UnixNano()))

	_, err := y.runner.Output(ctx, y.binPath,
		"--no-playlist",
		"-f", "bestaudio/best",
		"-o", template,
		rawURL,
	)
	if err != nil {
		return "", fmt.Errorf("fetch: yt-dlp %q: %w", rawURL, err)
	}

	matches, err := filepath.Glob(template[:len(template)-len("%(ext)s")] + "*")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("fetch: yt-dlp produced no file for %q", rawURL)
	}
	return matches[0], nil
}
