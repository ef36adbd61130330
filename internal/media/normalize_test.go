package media

import (
	"context"
	"strings"
	"testing"
)

type argRecorder struct {
	gotArgs []string
}

func (a *argRecorder) Output(_ context.Context, _ string, args ...string) ([]byte, error) {
	a.gotArgs = args
	return nil, nil
}

func TestNormalize_MandatoryFormatArgs(t *testing.T) {
	rec := &argRecorder{}
	n := NewNormalizer("ffmpeg", WithNormalizerRunner(rec))

	if err := n.Normalize(context.Background(), "in.mp4", "out.wav", NormalizeOptions{}); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(rec.gotArgs, " ")
	for _, want := range []string{"-ar 16000", "-ac 1", "-c:a pcm_s16le", "-vn"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args = %q, missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "-af") {
		t.Errorf("args = %q, want no filter chain without options", joined)
	}
}

func TestBuildFilterChain(t *testing.T) {
	tests := []struct {
		name string
		opts NormalizeOptions
		want string
	}{
		{"none", NormalizeOptions{}, ""},
		{"highpass", NormalizeOptions{HighpassFilter: true}, "highpass=f=80"},
		{"denoise", NormalizeOptions{RemoveNoise: true}, "afftdn"},
		{"vocals", NormalizeOptions{IsolateVocals: true}, "highpass=f=120,lowpass=f=4000"},
		{
			"all",
			NormalizeOptions{HighpassFilter: true, RemoveNoise: true, IsolateVocals: true},
			"highpass=f=80,afftdn,highpass=f=120,lowpass=f=4000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildFilterChain(tt.opts); got != tt.want {
				t.Errorf("buildFilterChain() = %q, want %q", got, tt.want)
			}
		})
	}
}
