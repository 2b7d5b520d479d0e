// Package direct implements the fallback backend: a plain HTTP fetch of
// the source URL into a scoped directory.
package direct

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kotazzz/komuzik/internal/backend"
	"github.com/kotazzz/komuzik/internal/models"
)

// Match accepts any http(s) URL. Register this backend last.
func Match(sourceURL string) bool {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Backend downloads a file over HTTP with no extraction or transcoding.
type Backend struct {
	baseDir string
	client  *http.Client
}

// New creates the direct backend. baseDir empty means system temp.
func New(baseDir string) *Backend {
	return &Backend{
		baseDir: baseDir,
		client: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "direct"
}

// Fetch downloads the URL into a scoped temp directory. Partial files
// are removed on every failure path.
func (b *Backend) Fetch(ctx context.Context, sourceURL string, prefs models.OutputPreferences) (*models.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, backend.NewPermanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backend.NewCancelled(ctx.Err())
		}
		return nil, backend.NewTransient(fmt.Errorf("fetch %s: %w", sourceURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, sourceURL)
	}

	dir, err := os.MkdirTemp(b.baseDir, "komuzik-*")
	if err != nil {
		return nil, backend.NewTransient(fmt.Errorf("create download dir: %w", err))
	}

	dest := filepath.Join(dir, outputName(sourceURL, resp.Header.Get("Content-Type")))
	size, err := b.copyBody(ctx, dest, resp.Body)
	if err != nil {
		os.RemoveAll(dir)
		if ctx.Err() != nil {
			return nil, backend.NewCancelled(ctx.Err())
		}
		return nil, backend.NewTransient(err)
	}

	return &models.Artifact{
		Path:  dest,
		Title: strings.TrimSuffix(filepath.Base(dest), filepath.Ext(dest)),
		Size:  size,
	}, nil
}

// copyBody streams the response into dest, checking for cancellation
// between chunks so a cancelled fetch aborts promptly mid-transfer.
func (b *Backend) copyBody(ctx context.Context, dest string, body io.Reader) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	var written int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write output: %w", werr)
			}
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read body: %w", err)
		}
	}
}

func classifyStatus(code int, sourceURL string) error {
	err := fmt.Errorf("fetch %s: http status %d", sourceURL, code)
	switch {
	case code == http.StatusTooManyRequests:
		return backend.NewTransient(err)
	case code >= 500:
		return backend.NewTransient(err)
	case code >= 400:
		return backend.NewPermanent(err)
	}
	return backend.NewTransient(err)
}

// outputName derives a file name from the URL path, falling back to a
// generic name with an extension guessed from the content type.
func outputName(sourceURL, contentType string) string {
	u, err := url.Parse(sourceURL)
	if err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}

	ext := ".bin"
	switch {
	case strings.HasPrefix(contentType, "audio/mpeg"):
		ext = ".mp3"
	case strings.HasPrefix(contentType, "video/mp4"):
		ext = ".mp4"
	case strings.HasPrefix(contentType, "audio/ogg"):
		ext = ".ogg"
	}
	return "download" + ext
}
