package direct

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kotazzz/komuzik/internal/backend"
	"github.com/kotazzz/komuzik/internal/models"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/song.mp3", true},
		{"http://example.com/clip.mp4", true},
		{"ftp://example.com/file", false},
		{"not a url at all \x00", false},
	}
	for _, tt := range tests {
		if got := Match(tt.url); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestFetchSuccess(t *testing.T) {
	payload := []byte("fake mp3 bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(payload)
	}))
	defer srv.Close()

	b := New(t.TempDir())
	art, err := b.Fetch(context.Background(), srv.URL+"/tracks/song.mp3", models.OutputPreferences{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer os.RemoveAll(filepath.Dir(art.Path))

	if filepath.Base(art.Path) != "song.mp3" {
		t.Errorf("output name = %s, want song.mp3", filepath.Base(art.Path))
	}
	if art.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", art.Size, len(payload))
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("artifact content mismatch")
	}
}

func TestFetchClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   backend.ErrorKind
	}{
		{http.StatusNotFound, backend.Permanent},
		{http.StatusForbidden, backend.Permanent},
		{http.StatusTooManyRequests, backend.Transient},
		{http.StatusInternalServerError, backend.Transient},
		{http.StatusBadGateway, backend.Transient},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		b := New(t.TempDir())
		_, err := b.Fetch(context.Background(), srv.URL+"/file.mp3", models.OutputPreferences{})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if kind := backend.Classify(err); kind != tt.want {
			t.Errorf("status %d: Classify = %v, want %v", tt.status, kind, tt.want)
		}
	}
}

func TestFetchCancelledMidTransfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Trickle the body so the client is mid-transfer when cancelled.
		for i := 0; i < 100; i++ {
			w.Write(make([]byte, 1024))
			w.(http.Flusher).Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	base := t.TempDir()
	b := New(base)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := b.Fetch(ctx, srv.URL+"/big.mp4", models.OutputPreferences{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if kind := backend.Classify(err); kind != backend.Cancelled {
		t.Errorf("Classify = %v, want Cancelled", kind)
	}

	// No partial download may survive cancellation.
	entries, _ := os.ReadDir(base)
	if len(entries) != 0 {
		t.Errorf("partial download left behind: %v", entries)
	}
}

func TestFetchConnectionError(t *testing.T) {
	b := New(t.TempDir())
	// Closed port, connection refused.
	_, err := b.Fetch(context.Background(), "http://127.0.0.1:1/file.mp3", models.OutputPreferences{})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := backend.Classify(err); kind != backend.Transient {
		t.Errorf("Classify = %v, want Transient", kind)
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		url         string
		contentType string
		want        string
	}{
		{"https://example.com/music/track.mp3", "", "track.mp3"},
		{"https://example.com/", "audio/mpeg", "download.mp3"},
		{"https://example.com/", "video/mp4", "download.mp4"},
		{"https://example.com/", "application/octet-stream", "download.bin"},
	}
	for _, tt := range tests {
		if got := outputName(tt.url, tt.contentType); got != tt.want {
			t.Errorf("outputName(%s, %s) = %s, want %s", tt.url, tt.contentType, got, tt.want)
		}
	}
}
