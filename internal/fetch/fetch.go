// Package fetch downloads remote media to local disk before the pipeline
// touches it. The primary strategy shells out to yt-dlp, which handles
// streaming sites as well as direct links; a plain HTTP GET acts as the
// fallback for simple media URLs. Both sit behind per-strategy circuit
// breakers so a broken yt-dlp install or a flapping host stops being retried
// quickly.
package fetch

import (
	"context"
	"errors"
	"net/url"

	"github.com/castwave/castwave/internal/apperr"
	"github.com/castwave/castwave/internal/resilience"
)

// Downloader is one strategy for materialising a URL as a local file.
type Downloader interface {
	// Name labels the strategy in logs and breaker names.
	Name() string

	// Download fetches rawURL into destDir and returns the local path.
	Download(ctx context.Context, rawURL, destDir string) (string, error)
}

// Fetcher resolves URLs to local files through an ordered strategy group.
type Fetcher struct {
	group *resilience.FallbackGroup[Downloader]
}

// NewFetcher builds a Fetcher trying primary first, then each fallback in
// order. Every strategy gets its own circuit breaker.
func NewFetcher(cb resilience.CircuitBreakerConfig, primary Downloader, fallbacks ...Downloader) *Fetcher {
	group := resilience.NewFallbackGroup(primary, primary.Name(),
		resilience.FallbackConfig{CircuitBreaker: cb})
	for _, d := range fallbacks {
		group.AddFallback(d.Name(), d)
	}
	return &Fetcher{group: group}
}

// Fetch downloads rawURL into destDir and returns the local file path.
// Errors carry FETCH kind, or CIRCUIT_OPEN when every strategy's breaker
// rejected the call.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}

	path, err := resilience.ExecuteWithResult(f.group, func(d Downloader) (string, error) {
		return d.Download(ctx, rawURL, destDir)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", apperr.Wrap(apperr.KindCircuitOpen, "FETCH_CIRCUIT_OPEN", err)
		}
		// A validation error from a strategy (e.g. size cap) keeps its kind.
		if apperr.KindOf(err) == apperr.KindValidation {
			return "", err
		}
		return "", apperr.Wrap(apperr.KindFetch, "FETCH_FAILED", err)
	}
	return path, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Newf(apperr.KindValidation, "INVALID_URL",
			"source url %q is not a valid http(s) url", rawURL)
	}
	return nil
}
