package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeS3Server struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	requests []string
}

func newFakeS3Server() *fakeS3Server {
	return &fakeS3Server{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := r.URL.Path
	f.requests = append(f.requests, r.Method+" "+path)
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[path] = body
		f.types[path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3Server) object(path string) ([]byte, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[path]
	return body, f.types[path], ok
}

func newTestS3Store(t *testing.T, endpoint string, mutate func(*ObjectStorageConfig)) *S3Store {
	t.Helper()
	cfg := ObjectStorageConfig{
		Endpoint:  endpoint,
		Region:    "us-east-1",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "media",
		PathStyle: true,
		Prefix:    "tenant",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewS3Store(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return store
}

func TestS3StorePutUsesPrefixAndContentType(t *testing.T) {
	fake := newFakeS3Server()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	store := newTestS3Store(t, server.URL, func(cfg *ObjectStorageConfig) {
		cfg.PublicEndpoint = "https://cdn.example.com/"
	})

	payload := []byte("#EXTM3U\n")
	obj, err := store.Put(context.Background(), "hls/video/42/master.m3u8", bytes.NewReader(payload), int64(len(payload)), "application/vnd.apple.mpegurl")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Key != "tenant/hls/video/42/master.m3u8" {
		t.Fatalf("unexpected key %q", obj.Key)
	}
	if obj.URL != "https://cdn.example.com/tenant/hls/video/42/master.m3u8" {
		t.Fatalf("unexpected url %q", obj.URL)
	}

	body, contentType, ok := fake.object("/media/tenant/hls/video/42/master.m3u8")
	if !ok {
		t.Fatalf("object not stored; requests: %v", fake.requests)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("unexpected body %q", body)
	}
	if contentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type %q", contentType)
	}
}

func TestS3StoreReadURLIsPresigned(t *testing.T) {
	fake := newFakeS3Server()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	store := newTestS3Store(t, server.URL, nil)
	if _, err := store.Put(context.Background(), "raw/42/input.mp4", strings.NewReader("video"), 5, "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	readURL, err := store.ReadURL(context.Background(), "raw/42/input.mp4", "video/mp4", 10*time.Minute)
	if err != nil {
		t.Fatalf("ReadURL: %v", err)
	}
	parsed, err := url.Parse(readURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if parsed.Path != "/media/tenant/raw/42/input.mp4" {
		t.Fatalf("unexpected presigned path %q", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Amz-Signature") == "" {
		t.Fatalf("expected signature in %q", readURL)
	}
	if query.Get("X-Amz-Expires") != "600" {
		t.Fatalf("expected 600s expiry, got %q", query.Get("X-Amz-Expires"))
	}

	resp, err := http.Get(readURL)
	if err != nil {
		t.Fatalf("GET presigned url: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "video" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestS3StoreDelete(t *testing.T) {
	fake := newFakeS3Server()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	store := newTestS3Store(t, server.URL, nil)
	if _, err := store.Put(context.Background(), "a/b.ts", strings.NewReader("x"), 1, "video/mp2t"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(context.Background(), "a/b.ts"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, ok := fake.object("/media/tenant/a/b.ts"); ok {
		t.Fatal("expected object deleted")
	}
}

func TestS3StorePublicURLFallbacks(t *testing.T) {
	withEndpoint := newTestS3Store(t, "minio.local:9000", func(cfg *ObjectStorageConfig) {
		cfg.UseSSL = true
		cfg.Prefix = ""
	})
	if got := withEndpoint.publicURL("hls/video/42/master.m3u8"); got != "https://minio.local:9000/media/hls/video/42/master.m3u8" {
		t.Fatalf("unexpected endpoint url %q", got)
	}

	aws := newTestS3Store(t, "", func(cfg *ObjectStorageConfig) {
		cfg.Region = "eu-west-1"
	})
	if got := aws.publicURL("a b/c.ts"); got != "https://media.s3.eu-west-1.amazonaws.com/a%20b/c.ts" {
		t.Fatalf("unexpected aws url %q", got)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), ObjectStorageConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestApplyPrefix(t *testing.T) {
	cases := []struct {
		prefix string
		key    string
		want   string
	}{
		{"", "/hls/a.ts", "hls/a.ts"},
		{"tenant/", "hls/a.ts", "tenant/hls/a.ts"},
		{"tenant", "tenant/hls/a.ts", "tenant/hls/a.ts"},
		{"tenant", "", "tenant"},
	}
	for _, tc := range cases {
		if got := applyPrefix(tc.prefix, tc.key); got != tc.want {
			t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tc.prefix, tc.key, got, tc.want)
		}
	}
}

func TestMemoryStoreServesObjects(t *testing.T) {
	store := NewMemoryStore("")
	server := httptest.NewServer(store.Handler())
	t.Cleanup(server.Close)
	store.SetBaseURL(server.URL)

	obj, err := store.Put(context.Background(), "hls/video/42/720p/segment_000.ts", strings.NewReader("seg"), 3, "video/mp2t")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.URL != server.URL+"/hls/video/42/720p/segment_000.ts" {
		t.Fatalf("unexpected url %q", obj.URL)
	}

	readURL, err := store.ReadURL(context.Background(), obj.Key, "video/mp2t", time.Minute)
	if err != nil {
		t.Fatalf("ReadURL: %v", err)
	}
	resp, err := http.Get(readURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "seg" || resp.Header.Get("Content-Type") != "video/mp2t" {
		t.Fatalf("unexpected response %q %q", body, resp.Header.Get("Content-Type"))
	}

	missing, err := http.Get(server.URL + "/nope")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}

	if err := store.Delete(context.Background(), "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRejectsBadKeysAndSizes(t *testing.T) {
	store := NewMemoryStore("http://example.com")
	if _, err := store.Put(context.Background(), "../etc", strings.NewReader(""), 0, ""); err == nil {
		t.Fatal("expected error for traversal key")
	}
	if _, err := store.Put(context.Background(), "a", strings.NewReader("abc"), 2, ""); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if len(store.Keys()) != 0 {
		t.Fatalf("expected no objects stored, got %v", store.Keys())
	}
}
