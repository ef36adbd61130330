package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/castwave/castwave/internal/asr"
)

// Captions fetches author-published subtitle tracks for a URL through
// yt-dlp, preferring manual subtitles and falling back to auto-generated
// ones. A found track saves a full ASR run.
type Captions struct {
	binPath string
	runner  commandRunner
	tempDir string
}

// CaptionsOption configures a Captions fetcher.
type CaptionsOption func(*Captions)

// WithCaptionsRunner substitutes the subprocess runner (tests).
func WithCaptionsRunner(r commandRunner) CaptionsOption {
	return func(c *Captions) { c.runner = r }
}

// WithCaptionsTempDir sets where subtitle files are staged before parsing.
func WithCaptionsTempDir(dir string) CaptionsOption {
	return func(c *Captions) { c.tempDir = dir }
}

// NewCaptions creates the subtitle fetcher. An empty binPath defaults to
// "yt-dlp" resolved via PATH.
func NewCaptions(binPath string, opts ...CaptionsOption) *Captions {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	c := &Captions{binPath: binPath, runner: osCommandRunner{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch downloads the subtitle track for rawURL and parses it into a
// transcript. An empty or "auto" language selects English. The error is
// informational; callers treat any failure as "no transcript available".
func (c *Captions) Fetch(ctx context.Context, rawURL, language string) (*asr.Transcript, error) {
	lang := language
	if lang == "" || lang == "auto" {
		lang = "en"
	}

	dir, err := os.MkdirTemp(c.tempDir, "captions-")
	if err != nil {
		return nil, fmt.Errorf("fetch: captions temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	template := filepath.Join(dir, "subs.%(ext)s")
	_, err = c.runner.Output(ctx, c.binPath,
		"--skip-download",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", lang,
		"--sub-format", "vtt",
		"-o", template,
		rawURL,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch: captions for %q: %w", rawURL, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.vtt"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("fetch: no subtitle track for %q", rawURL)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		return nil, fmt.Errorf("fetch: open subtitles: %w", err)
	}
	defer f.Close()

	tr, err := parseVTT(f)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse subtitles for %q: %w", rawURL, err)
	}
	if tr.DetectedLanguage == "" {
		tr.DetectedLanguage = lang
	}
	return tr, nil
}

// parseVTT converts a WebVTT subtitle stream into transcript segments. Cue
// settings, identifiers, and inline styling tags are dropped; only timings
// and text survive.
func parseVTT(r io.Reader) (*asr.Transcript, error) {
	tr := &asr.Transcript{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inCue := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			inCue = false

		case strings.HasPrefix(line, "Language:"):
			tr.DetectedLanguage = strings.TrimSpace(strings.TrimPrefix(line, "Language:"))

		case strings.Contains(line, "-->"):
			parts := strings.SplitN(line, "-->", 2)
			start, err := parseVTTTime(strings.TrimSpace(parts[0]))
			if err != nil {
				return nil, err
			}
			endFields := strings.Fields(strings.TrimSpace(parts[1]))
			if len(endFields) == 0 {
				return nil, fmt.Errorf("cue line %q has no end time", line)
			}
			end, err := parseVTTTime(endFields[0])
			if err != nil {
				return nil, err
			}
			tr.Segments = append(tr.Segments, asr.Segment{Start: start, End: end})
			inCue = true

		case inCue:
			text := stripVTTTags(line)
			if text == "" {
				continue
			}
			seg := &tr.Segments[len(tr.Segments)-1]
			if seg.Text != "" {
				seg.Text += " "
			}
			seg.Text += text
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Drop cues that carried no text (styling-only lines).
	kept := tr.Segments[:0]
	for _, s := range tr.Segments {
		if s.Text != "" {
			kept = append(kept, s)
		}
	}
	tr.Segments = kept
	if len(tr.Segments) == 0 {
		return nil, fmt.Errorf("no subtitle cues found")
	}
	tr.DurationSec = tr.Segments[len(tr.Segments)-1].End
	return tr, nil
}

// parseVTTTime parses "HH:MM:SS.mmm" or "MM:SS.mmm" into seconds.
func parseVTTTime(s string) (float64, error) {
	parts := strings.Split(s, ":")
	var hours, minutes int
	var secPart string
	switch len(parts) {
	case 3:
		h, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
		m, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
		hours, minutes, secPart = h, m, parts[2]
	case 2:
		m, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
		minutes, secPart = m, parts[1]
	default:
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	seconds, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}

// stripVTTTags removes inline markup like <c.color> and the word-level
// <00:00:01.000> timing tags auto-generated tracks carry.
func stripVTTTags(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
