package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("object not found")

const defaultObjectStorageRequestTimeout = 30 * time.Second

// Object identifies a stored object and the URL readers fetch it from.
type Object struct {
	Key string
	URL string
}

// ObjectStore is the narrow storage contract the pipeline depends on. Keys
// are UTF-8 path-like strings; there are no multi-key transactions.
type ObjectStore interface {
	// ReadURL returns a time-limited URL for downloading key.
	ReadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// Put uploads body under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error)
	Delete(ctx context.Context, key string) error
}

// ObjectStorageConfig configures an S3-compatible object store.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	PathStyle      bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

func applyObjectStorageDefaults(cfg ObjectStorageConfig) ObjectStorageConfig {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Region = strings.TrimSpace(cfg.Region)
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultObjectStorageRequestTimeout
	}
	return cfg
}

// endpointURL normalizes Endpoint into a base URL, honouring UseSSL when no
// scheme was given.
func (cfg ObjectStorageConfig) endpointURL() string {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.Contains(endpoint, "://") {
		return strings.TrimRight(endpoint, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(endpoint, "/")
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

// joinURL appends an object key to a base URL, escaping each key segment.
func joinURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	segments := strings.Split(trimmedKey, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return trimmedBase + "/" + strings.Join(segments, "/")
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return errors.New("object key is required")
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return errors.New("object key must not contain '..' segments")
		}
	}
	return nil
}
