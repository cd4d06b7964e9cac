package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodforge/internal/faults"
	"vodforge/internal/storage"
)

func newTestFetcher(t *testing.T, resolver URLResolver) *Fetcher {
	t.Helper()
	fetcher, err := New(Config{
		Storage: resolver,
		Timeout: 5 * time.Second,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fetcher
}

func newServedStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore("")
	server := httptest.NewServer(store.Handler())
	t.Cleanup(server.Close)
	store.SetBaseURL(server.URL)
	return store
}

func TestFetchDownloadsIntoDirectory(t *testing.T) {
	store := newServedStore(t)
	if _, err := store.Put(context.Background(), "raw/42/input.mp4", strings.NewReader("movie-bytes"), -1, "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dir := t.TempDir()
	local, err := newTestFetcher(t, store).Fetch(context.Background(), "raw/42/input.mp4", dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if local != filepath.Join(dir, "source.mp4") {
		t.Fatalf("unexpected path %s", local)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "movie-bytes" {
		t.Fatalf("unexpected content %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the source file, got %d entries", len(entries))
	}
}

func TestFetchMissingObjectIsSourceUnavailable(t *testing.T) {
	store := newServedStore(t)
	_, err := newTestFetcher(t, store).Fetch(context.Background(), "raw/missing.mp4", t.TempDir())
	if !errors.Is(err, faults.SourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
	if !faults.Retryable(err) {
		t.Fatal("missing source should be retryable")
	}
}

type staticResolver struct {
	url string
	err error
}

func (s staticResolver) ReadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return s.url, s.err
}

func TestFetchInterruptedDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("partial"))
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	_, err := newTestFetcher(t, staticResolver{url: server.URL}).Fetch(context.Background(), "raw/1/input.mov", dir)
	if !errors.Is(err, faults.SourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected partial download removed, found %d entries", len(entries))
	}
}

func TestFetchEmptyBodyAndResolverErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	if _, err := newTestFetcher(t, staticResolver{url: server.URL}).Fetch(context.Background(), "raw/empty", t.TempDir()); !errors.Is(err, faults.SourceUnavailable) {
		t.Fatalf("expected source unavailable for empty body, got %v", err)
	}
	if _, err := newTestFetcher(t, staticResolver{err: errors.New("denied")}).Fetch(context.Background(), "raw/x.mp4", t.TempDir()); !errors.Is(err, faults.SourceUnavailable) {
		t.Fatalf("expected source unavailable for resolver error, got %v", err)
	}
	if _, err := newTestFetcher(t, staticResolver{}).Fetch(context.Background(), " ", t.TempDir()); !errors.Is(err, faults.SourceUnavailable) {
		t.Fatalf("expected source unavailable for empty key, got %v", err)
	}
}

func TestSourceExtension(t *testing.T) {
	cases := []struct {
		key, contentType, want string
	}{
		{"raw/1/input.MP4", "", ".mp4"},
		{"raw/1/input", "video/webm", ".webm"},
		{"raw/1/input", "", ".bin"},
	}
	for _, tc := range cases {
		if got := sourceExtension(tc.key, tc.contentType); got != tc.want {
			t.Fatalf("sourceExtension(%q, %q) = %q, want %q", tc.key, tc.contentType, got, tc.want)
		}
	}
}
