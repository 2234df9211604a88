// Package fetch downloads episode audio artifacts to local disk.
//
// The transcription orchestrator hands the downloader a destination path
// inside its checkpoint artifact directory; the downloader streams the
// enclosure there and reports the content type it saw. Zero-byte results are
// an error so the orchestrator's retry policy treats them like any other
// transient download failure.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Audio describes a downloaded audio artifact.
type Audio struct {
	// Path is where the artifact landed on disk.
	Path string

	// MIMEType is the Content-Type the server reported, normalized to the
	// bare media type. Empty when the server sent none.
	MIMEType string

	// Size is the artifact size in bytes. Always greater than zero; a
	// zero-byte download is reported as an error instead.
	Size int64
}

// Downloader fetches one audio artifact to a caller-chosen path.
type Downloader interface {
	// Download streams the resource at url to destPath, creating parent
	// directories as needed. On error the partial file is removed.
	Download(ctx context.Context, url, destPath string) (Audio, error)
}

// Compile-time assertion that HTTPDownloader implements Downloader.
var _ Downloader = (*HTTPDownloader)(nil)

// HTTPOption configures an HTTPDownloader.
type HTTPOption func(*HTTPDownloader)

// WithHTTPClient replaces the default http.Client. The default client
// carries no global timeout; deadlines come from the request context.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDownloader) {
		if client != nil {
			d.client = client
		}
	}
}

// HTTPDownloader implements Downloader over plain HTTP GET.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates a ready-to-use downloader.
func NewHTTPDownloader(opts ...HTTPOption) *HTTPDownloader {
	d := &HTTPDownloader{client: &http.Client{}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, url, destPath string) (Audio, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Audio{}, fmt.Errorf("fetch: create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Audio{}, fmt.Errorf("fetch: get %s: server returned HTTP %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Audio{}, fmt.Errorf("fetch: create dir: %w", err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return Audio{}, fmt.Errorf("fetch: create %s: %w", destPath, err)
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return Audio{}, fmt.Errorf("fetch: download %s: %w", url, err)
	}
	if n == 0 {
		os.Remove(destPath)
		return Audio{}, fmt.Errorf("fetch: download %s: empty response body", url)
	}

	return Audio{
		Path:     destPath,
		MIMEType: mediaType(resp.Header.Get("Content-Type")),
		Size:     n,
	}, nil
}

// mediaType strips parameters from a Content-Type header value.
func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// GuessMIMEType maps an audio URL's file extension to a MIME type, for
// servers that omit or lie in Content-Type. Unknown extensions fall back to
// "audio/mpeg", by far the most common podcast enclosure type.
func GuessMIMEType(url string) string {
	ext := strings.ToLower(filepath.Ext(stripQuery(url)))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4", ".aac":
		return "audio/mp4"
	case ".ogg", ".oga", ".opus":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}

// Ext returns the audio file extension (without the dot) from a URL, for
// naming the downloaded artifact. Unknown or missing extensions fall back to
// "mp3".
func Ext(url string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(stripQuery(url)), "."))
	switch ext {
	case "mp3", "m4a", "mp4", "aac", "ogg", "oga", "opus", "wav", "flac":
		return ext
	default:
		return "mp3"
	}
}

func stripQuery(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
