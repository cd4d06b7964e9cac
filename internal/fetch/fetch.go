// Package fetch downloads a job's source media into its workspace.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"vodforge/internal/faults"
	"vodforge/internal/observability/logging"
)

const (
	defaultURLTTL  = 30 * time.Minute
	defaultTimeout = 15 * time.Minute
	sourceBaseName = "source"
)

// URLResolver issues time-limited read URLs for storage keys.
type URLResolver interface {
	ReadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}

// Config controls a Fetcher.
type Config struct {
	Storage    URLResolver
	HTTPClient *http.Client
	URLTTL     time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Fetcher streams source objects to local disk.
type Fetcher struct {
	storage URLResolver
	client  *http.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// New validates cfg and returns a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Storage == nil {
		return nil, errors.New("fetch: storage is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{storage: cfg.Storage, client: client, ttl: ttl, timeout: timeout, logger: logger}, nil
}

// Fetch downloads storageKey into dir and returns the local path. Any
// failure to obtain the complete object is a SourceUnavailable error.
func (f *Fetcher) Fetch(ctx context.Context, storageKey, dir string) (string, error) {
	key := strings.TrimSpace(storageKey)
	if key == "" {
		return "", faults.Newf(faults.KindSourceUnavailable, "source key is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	readURL, err := f.storage.ReadURL(ctx, key, "", f.ttl)
	if err != nil {
		return "", faults.New(faults.KindSourceUnavailable, fmt.Errorf("resolve read url for %s: %w", key, err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return "", faults.New(faults.KindSourceUnavailable, fmt.Errorf("create request for %s: %w", key, err))
	}
	response, err := f.client.Do(request)
	if err != nil {
		return "", f.downloadError(ctx, key, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		return "", faults.Newf(faults.KindSourceUnavailable, "download %s: unexpected status %d", key, response.StatusCode)
	}

	target := filepath.Join(dir, sourceBaseName+sourceExtension(key, response.Header.Get("Content-Type")))
	written, err := writeAtomically(target, response.Body, response.ContentLength)
	if err != nil {
		return "", f.downloadError(ctx, key, err)
	}
	if written == 0 {
		_ = os.Remove(target)
		return "", faults.Newf(faults.KindSourceUnavailable, "download %s: source is empty", key)
	}

	logging.FromContext(ctx, f.logger).Info("source fetched", "key", key, "bytes", written, "path", target)
	return target, nil
}

func (f *Fetcher) downloadError(ctx context.Context, key string, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return faults.New(faults.KindCancelled, fmt.Errorf("download %s: %w", key, ctx.Err()))
	}
	return faults.New(faults.KindSourceUnavailable, fmt.Errorf("download %s: %w", key, err))
}

// writeAtomically copies body into a temp file beside target and renames it
// into place once the expected length has been read.
func writeAtomically(target string, body io.Reader, expected int64) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "fetch-*.part")
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr == nil && expected >= 0 && written != expected {
		copyErr = fmt.Errorf("short read: got %d of %d bytes: %w", written, expected, io.ErrUnexpectedEOF)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmp.Name())
		return written, copyErr
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return written, err
	}
	return written, nil
}

// sourceExtension keeps the key's extension so the encoder can probe by
// name, falling back to the response content type.
func sourceExtension(key, contentType string) string {
	if ext := strings.ToLower(path.Ext(key)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if contentType != "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}
