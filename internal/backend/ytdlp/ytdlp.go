// Package ytdlp implements downloader backends on top of the yt-dlp
// command-line tool.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kotazzz/komuzik/internal/backend"
	"github.com/kotazzz/komuzik/internal/models"
)

// URL patterns for the supported platforms.
var (
	youtubeRegex = regexp.MustCompile(`(https?://)?(www\.)?(youtube|youtu|youtube-nocookie)\.(com|be)/(watch\?v=|embed/|v/|shorts/|.+\?v=)?([^&=%?]{11})`)
	tiktokRegex  = regexp.MustCompile(`(https?://)?(www\.|vm\.|vt\.)?(tiktok\.com)/(\S+)`)
)

// MatchYouTube reports whether the URL points at a YouTube video.
func MatchYouTube(sourceURL string) bool {
	return youtubeRegex.MatchString(sourceURL)
}

// MatchTikTok reports whether the URL points at a TikTok video.
func MatchTikTok(sourceURL string) bool {
	return tiktokRegex.MatchString(sourceURL)
}

// audioFormats maps audio quality names to yt-dlp format selectors.
var audioFormats = map[string]string{
	"high":   "bestaudio/best",
	"medium": "bestaudio[abr<=128]/bestaudio/best",
	"low":    "bestaudio[abr<=96]/bestaudio/best",
}

// Options configures a yt-dlp backend.
type Options struct {
	// Binary is the yt-dlp executable name or path.
	Binary string
	// BaseDir is where scoped download directories are created.
	// Empty means the system temp directory.
	BaseDir string
	// AudioFormat is the target codec for audio downloads (e.g. "mp3").
	AudioFormat string
	// AudioBitrate is the target bitrate for audio downloads (e.g. "192").
	AudioBitrate string
}

// runFunc executes the tool and returns captured stdout/stderr.
// Swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Backend downloads media through yt-dlp. Variants differ by name and
// format selection; both share probe, download, and cleanup logic.
type Backend struct {
	name      string
	opts      Options
	videoOnly bool
	run       runFunc
}

// NewYouTube creates the YouTube backend, supporting audio and video
// output with quality selection.
func NewYouTube(opts Options) *Backend {
	return &Backend{name: "youtube", opts: opts, run: runCommand}
}

// NewTikTok creates the TikTok backend. TikTok downloads are always
// the best available video.
func NewTikTok(opts Options) *Backend {
	return &Backend{name: "tiktok", opts: opts, videoOnly: true, run: runCommand}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return b.name
}

// probeInfo is the subset of yt-dlp -J output we consume.
type probeInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Ext      string  `json:"ext"`
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Artist   string  `json:"artist"`
	Creator  string  `json:"creator"`
	Uploader string  `json:"uploader"`
	Track    string  `json:"track"`
}

// Fetch probes the URL, downloads into a scoped temp directory, and
// returns the artifact. The directory is removed on every failure path
// so no partial output survives.
func (b *Backend) Fetch(ctx context.Context, sourceURL string, prefs models.OutputPreferences) (*models.Artifact, error) {
	dir, err := os.MkdirTemp(b.opts.BaseDir, "komuzik-*")
	if err != nil {
		return nil, backend.NewTransient(fmt.Errorf("create download dir: %w", err))
	}

	artifact, err := b.fetchInto(ctx, dir, sourceURL, prefs)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return artifact, nil
}

// SearchResult is a single hit from a search query.
type SearchResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Uploader    string `json:"uploader,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
}

// searchInfo is the subset of yt-dlp flat-playlist output we consume.
type searchInfo struct {
	Entries []searchEntry `json:"entries"`
}

type searchEntry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Uploader string  `json:"uploader"`
	Channel  string  `json:"channel"`
	Duration float64 `json:"duration"`
}

// Search runs a yt-dlp ytsearch query and returns up to limit results
// without downloading anything.
func (b *Backend) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	target := fmt.Sprintf("ytsearch%d:%s", limit, query)
	stdout, stderr, err := b.run(ctx, b.opts.Binary, "-J", "--no-warnings", "--flat-playlist", target)
	if err != nil {
		return nil, b.classify(ctx, stderr, fmt.Errorf("search: %w", err))
	}

	var info searchInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, backend.NewTransient(fmt.Errorf("parse search output: %w", err))
	}

	results := make([]SearchResult, 0, len(info.Entries))
	for _, e := range info.Entries {
		if e.ID == "" {
			continue
		}
		resultURL := e.URL
		if resultURL == "" {
			resultURL = "https://www.youtube.com/watch?v=" + e.ID
		}
		uploader := e.Uploader
		if uploader == "" {
			uploader = e.Channel
		}
		results = append(results, SearchResult{
			ID:          e.ID,
			Title:       e.Title,
			URL:         resultURL,
			Uploader:    uploader,
			DurationSec: int(e.Duration),
		})
	}
	return results, nil
}

func (b *Backend) fetchInto(ctx context.Context, dir, sourceURL string, prefs models.OutputPreferences) (*models.Artifact, error) {
	info, err := b.probe(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	kind := prefs.Kind
	if b.videoOnly {
		kind = models.KindVideo
	}

	args := []string{
		"--quiet", "--no-warnings", "--no-playlist",
		"-o", filepath.Join(dir, info.ID+".%(ext)s"),
	}
	var wantPath string
	if kind == models.KindAudio {
		args = append(args,
			"-f", audioFormat(prefs.Quality),
			"-x",
			"--audio-format", b.opts.AudioFormat,
			"--audio-quality", b.opts.AudioBitrate+"K",
			"--embed-metadata",
		)
		wantPath = filepath.Join(dir, info.ID+"."+b.opts.AudioFormat)
	} else {
		args = append(args, "-f", videoFormat(prefs.Quality))
	}
	args = append(args, sourceURL)

	if _, stderr, err := b.run(ctx, b.opts.Binary, args...); err != nil {
		return nil, b.classify(ctx, stderr, err)
	}

	if wantPath == "" {
		wantPath, err = findOutput(dir, info.ID)
		if err != nil {
			return nil, backend.NewTransient(err)
		}
	}

	fi, err := os.Stat(wantPath)
	if err != nil {
		return nil, backend.NewTransient(fmt.Errorf("downloaded file missing: %w", err))
	}

	artist, track := extractMetadata(info)
	return &models.Artifact{
		Path:        wantPath,
		Title:       track,
		Artist:      artist,
		DurationSec: int(info.Duration),
		Width:       info.Width,
		Height:      info.Height,
		Size:        fi.Size(),
	}, nil
}

// probe fetches video metadata without downloading.
func (b *Backend) probe(ctx context.Context, sourceURL string) (*probeInfo, error) {
	stdout, stderr, err := b.run(ctx, b.opts.Binary,
		"-J", "--no-warnings", "--no-playlist", sourceURL)
	if err != nil {
		return nil, b.classify(ctx, stderr, err)
	}

	var info probeInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, backend.NewTransient(fmt.Errorf("parse probe output: %w", err))
	}
	if info.ID == "" {
		return nil, backend.NewPermanent(fmt.Errorf("probe returned no video id for %s", sourceURL))
	}
	return &info, nil
}

// permanentMarkers are stderr fragments that will not go away on retry.
var permanentMarkers = []string{
	"unsupported url",
	"video unavailable",
	"private video",
	"has been removed",
	"account associated with this video has been terminated",
	"is not a valid url",
	"no video formats",
	"sign in to confirm your age",
}

// transientMarkers are stderr fragments worth a retry.
var transientMarkers = []string{
	"429",
	"rate limit",
	"rate-limit",
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
	"unable to download webpage",
	"network",
	"503",
	"502",
}

func (b *Backend) classify(ctx context.Context, stderr []byte, err error) error {
	if ctx.Err() != nil {
		return backend.NewCancelled(ctx.Err())
	}

	msg := strings.ToLower(string(stderr))
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return backend.NewPermanent(fmt.Errorf("%s: %s", b.opts.Binary, firstLine(stderr)))
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return backend.NewTransient(fmt.Errorf("%s: %s", b.opts.Binary, firstLine(stderr)))
		}
	}
	if _, ok := err.(*exec.ExitError); ok {
		// Unknown tool failure; give it a retry before giving up.
		return backend.NewTransient(fmt.Errorf("%s exited: %s", b.opts.Binary, firstLine(stderr)))
	}
	return backend.NewTransient(fmt.Errorf("run %s: %w", b.opts.Binary, err))
}

func firstLine(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no output)"
	}
	return s
}

// videoFormat builds a yt-dlp format selector from a quality like "720p".
func videoFormat(quality string) string {
	if strings.HasSuffix(quality, "p") {
		if height, err := strconv.Atoi(strings.TrimSuffix(quality, "p")); err == nil {
			return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]/bestvideo+bestaudio/best", height, height)
		}
	}
	return "bestvideo+bestaudio/best"
}

// audioFormat maps a quality name to a format selector, defaulting to high.
func audioFormat(quality string) string {
	if f, ok := audioFormats[quality]; ok {
		return f
	}
	return audioFormats["high"]
}

// extractMetadata derives artist and track, falling back to splitting an
// "Artist - Track" title when the source carries no tags.
func extractMetadata(info *probeInfo) (artist, track string) {
	artist = info.Artist
	if artist == "" {
		artist = info.Creator
	}
	if artist == "" {
		artist = info.Uploader
	}

	track = info.Track
	if track == "" {
		track = info.Title
	}

	if info.Artist == "" && info.Track == "" && strings.Contains(info.Title, " - ") {
		parts := strings.SplitN(info.Title, " - ", 2)
		artist = strings.TrimSpace(parts[0])
		track = strings.TrimSpace(parts[1])
	}
	return artist, track
}

// findOutput locates the downloaded file when the extension is not
// known up front (video downloads may remux to different containers).
func findOutput(dir, id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, id+".*"))
	if err != nil {
		return "", fmt.Errorf("scan download dir: %w", err)
	}
	for _, m := range matches {
		// Skip leftover thumbnail/intermediate files.
		switch filepath.Ext(m) {
		case ".part", ".ytdl", ".webp", ".jpg", ".png", ".json":
			continue
		}
		return m, nil
	}
	return "", fmt.Errorf("no output file for id %s in %s", id, dir)
}
