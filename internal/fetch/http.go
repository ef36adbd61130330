package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/castwave/castwave/internal/apperr"
)

// HTTPDownloader is the fallback strategy: one plain GET streamed to disk.
// It only works for direct media links, which is exactly what remains when
// yt-dlp is unavailable.
type HTTPDownloader struct {
	client *http.Client

	// maxBytes caps the accepted body size; zero means unlimited.
	maxBytes int64
}

// HTTPOption configures an HTTPDownloader.
type HTTPOption func(*HTTPDownloader)

// WithHTTPClient substitutes the HTTP client (tests, custom timeouts).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDownloader) { d.client = c }
}

// WithMaxBytes caps the downloaded size. A body exceeding the cap fails the
// download with a VALIDATION error rather than filling the disk.
func WithMaxBytes(n int64) HTTPOption {
	return func(d *HTTPDownloader) { d.maxBytes = n }
}

// NewHTTPDownloader creates the direct-download strategy.
func NewHTTPDownloader(opts ...HTTPOption) *HTTPDownloader {
	d := &HTTPDownloader{
		client: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *HTTPDownloader) Name() string { return "http" }

// Download streams rawURL into a file under destDir named after the URL path.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: build request for %q: %w", rawURL, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: get %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: get %q: unexpected status %s", rawURL, resp.Status)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return "", apperr.Newf(apperr.KindValidation, "VIDEO_TOO_LARGE",
			"remote file is %d bytes, limit is %d", resp.ContentLength, d.maxBytes)
	}

	dest := filepath.Join(destDir, fileNameFor(rawURL))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("fetch: create %q: %w", dest, err)
	}
	defer f.Close()

	body := resp.Body
	if d.maxBytes > 0 {
		body = readCloser{io.LimitReader(resp.Body, d.maxBytes+1), resp.Body}
	}
	n, err := io.Copy(f, body)
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("fetch: download %q: %w", rawURL, err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		os.Remove(dest)
		return "", apperr.Newf(apperr.KindValidation, "VIDEO_TOO_LARGE",
			"remote file exceeds the %d byte limit", d.maxBytes)
	}
	return dest, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// fileNameFor derives a local filename from the URL path, falling back to a
// generic name for pathless URLs.
func fileNameFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "download.media"
}
