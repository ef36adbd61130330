package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleVTT = `WEBVTT
Kind: captions
Language: de

00:00:00.000 --> 00:00:02.500
Guten <c.yellow>Tag</c> zusammen

00:00:02.500 --> 00:00:05.000 align:start position:0%
wie geht es euch

1:00:00.000 --> 1:00:03.250
eine Stunde später
`

// captionsRunner fakes yt-dlp by writing a subtitle file next to the -o
// template it is given.
type captionsRunner struct {
	vtt     string
	err     error
	skip    bool
	gotArgs []string
}

func (f *captionsRunner) Output(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.gotArgs = args
	if f.err != nil {
		return nil, f.err
	}
	if f.skip {
		return nil, nil
	}
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			dir := filepath.Dir(args[i+1])
			return nil, os.WriteFile(filepath.Join(dir, "subs.de.vtt"), []byte(f.vtt), 0o644)
		}
	}
	return nil, errors.New("no -o argument")
}

func TestCaptions_FetchParsesTrack(t *testing.T) {
	runner := &captionsRunner{vtt: sampleVTT}
	c := NewCaptions("yt-dlp", WithCaptionsRunner(runner), WithCaptionsTempDir(t.TempDir()))

	tr, err := c.Fetch(context.Background(), "https://example.com/watch?v=abc", "de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.DetectedLanguage != "de" {
		t.Errorf("language = %q, want de", tr.DetectedLanguage)
	}
	if len(tr.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(tr.Segments))
	}
	if got := tr.Segments[0].Text; got != "Guten Tag zusammen" {
		t.Errorf("first segment = %q, want styling tags stripped", got)
	}
	if tr.Segments[1].Start != 2.5 || tr.Segments[1].End != 5 {
		t.Errorf("second cue timing = [%v,%v], want [2.5,5]", tr.Segments[1].Start, tr.Segments[1].End)
	}
	if tr.Segments[2].Start != 3600 {
		t.Errorf("hour timestamp = %v, want 3600", tr.Segments[2].Start)
	}
	if tr.DurationSec != 3603.25 {
		t.Errorf("duration = %v, want end of last cue", tr.DurationSec)
	}

	joined := strings.Join(runner.gotArgs, " ")
	if !strings.Contains(joined, "--skip-download") || !strings.Contains(joined, "--sub-langs de") {
		t.Errorf("yt-dlp args = %q, want subtitle-only fetch for de", joined)
	}
}

func TestCaptions_NoTrackIsError(t *testing.T) {
	c := NewCaptions("yt-dlp", WithCaptionsRunner(&captionsRunner{skip: true}), WithCaptionsTempDir(t.TempDir()))
	if _, err := c.Fetch(context.Background(), "https://example.com/v", ""); err == nil {
		t.Fatal("expected an error when yt-dlp produces no subtitle file")
	}
}

func TestCaptions_DefaultLanguageIsEnglish(t *testing.T) {
	runner := &captionsRunner{vtt: sampleVTT}
	c := NewCaptions("yt-dlp", WithCaptionsRunner(runner), WithCaptionsTempDir(t.TempDir()))
	if _, err := c.Fetch(context.Background(), "https://example.com/v", "auto"); err != nil {
		t.Fatal(err)
	}
	if joined := strings.Join(runner.gotArgs, " "); !strings.Contains(joined, "--sub-langs en") {
		t.Errorf("args = %q, want en track for auto language", joined)
	}
}

func TestParseVTT_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty stream", "WEBVTT\n"},
		{"bad timestamp", "WEBVTT\n\nnot:a:time --> 00:00:01.000\nhello\n"},
		{"styling only cues", "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\n<c></c>\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseVTT(strings.NewReader(tt.in)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseVTTTime(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"00:00:01.500", 1.5},
		{"01:02:03.000", 3723},
		{"02:30.250", 150.25},
	}
	for _, tt := range tests {
		got, err := parseVTTTime(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseVTTTime(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
