// Package translate converts finished transcripts into another language via
// the OpenAI chat API. Translation is best-effort decoration on top of the
// transcription pipeline: callers degrade to the untranslated transcript when
// this package errors.
package translate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/castwave/castwave/internal/asr"
)

const systemPrompt = `You are a professional subtitle translator.
The user sends numbered transcript lines in the form "N|text".
Translate every line into the requested language.
Reply with exactly the same number of lines, keeping the "N|" prefix of each
line unchanged and translating only the text after the first "|".
Do not merge, split, reorder, or annotate lines.`

// Translator translates transcripts with an OpenAI chat model.
type Translator struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the translator.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Translator.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Translator.
func New(apiKey, model string, opts ...Option) (*Translator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translate: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("translate: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Translator{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcript returns a copy of tr with every segment's text translated into
// targetLanguage. Timestamps and segment boundaries are preserved. The input
// transcript is never modified.
func (t *Translator) Transcript(ctx context.Context, tr *asr.Transcript, targetLanguage string) (*asr.Transcript, error) {
	if len(tr.Segments) == 0 {
		out := *tr
		return &out, nil
	}

	var sb strings.Builder
	for i, seg := range tr.Segments {
		fmt.Fprintf(&sb, "%d|%s\n", i, strings.ReplaceAll(seg.Text, "\n", " "))
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(t.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(fmt.Sprintf("Target language: %s\n\n%s", targetLanguage, sb.String())),
		},
		Temperature: param.NewOpt(0.0),
	}

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("translate: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("translate: empty choices in response")
	}

	translated, err := parseNumberedLines(resp.Choices[0].Message.Content, len(tr.Segments))
	if err != nil {
		return nil, err
	}

	out := *tr
	out.Segments = make([]asr.Segment, len(tr.Segments))
	copy(out.Segments, tr.Segments)
	for i := range out.Segments {
		out.Segments[i].Text = translated[i]
	}
	return &out, nil
}

// parseNumberedLines maps "N|text" reply lines back onto segment indices.
// Every index in [0, want) must appear exactly once.
func parseNumberedLines(content string, want int) ([]string, error) {
	out := make([]string, want)
	seen := make([]bool, want)

	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx, text, ok := strings.Cut(line, "|")
		if !ok {
			return nil, fmt.Errorf("translate: malformed reply line %q", line)
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || n < 0 || n >= want {
			return nil, fmt.Errorf("translate: reply line %q has bad index", line)
		}
		if seen[n] {
			return nil, fmt.Errorf("translate: duplicate reply line for segment %d", n)
		}
		seen[n] = true
		out[n] = text
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("translate: reply is missing segment %d", i)
		}
	}
	return out, nil
}
