// Package media wraps the external ffmpeg/ffprobe tools: metadata probing,
// audio normalization to the canonical 16 kHz mono PCM WAVE format, and
// fixed-duration chunk preparation for parallel transcription.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// commandRunner abstracts subprocess execution so tests can substitute a fake
// without shelling out to real ffmpeg binaries.
type commandRunner interface {
	// Output runs the command and returns its stdout. Stderr is folded into
	// the returned error on failure.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// osCommandRunner is the production commandRunner backed by os/exec.
type osCommandRunner struct{}

func (osCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, lastLine(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// lastLine returns the final non-empty line of b, which for ffmpeg is usually
// the actual error message.
func lastLine(b []byte) string {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return string(line)
		}
	}
	return ""
}
