package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in memory. Its Handler serves them over HTTP so
// read URLs behave like presigned URLs in tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	puts    []string
	baseURL string

	// FailPut, when set, is consulted before every upload.
	FailPut func(key string) error
}

// NewMemoryStore returns an empty store whose URLs are rooted at baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SetBaseURL changes the root of returned URLs, for example once an
// httptest server serving Handler has started.
func (m *MemoryStore) SetBaseURL(base string) {
	m.mu.Lock()
	m.baseURL = strings.TrimRight(base, "/")
	m.mu.Unlock()
}

func (m *MemoryStore) ReadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	m.mu.RLock()
	base := m.baseURL
	m.mu.RUnlock()
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s?expires=%d", joinURL(base, key), expires), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error) {
	if err := validateKey(key); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return Object{}, err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Object{}, fmt.Errorf("read body for %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return Object{}, fmt.Errorf("upload %s: expected %d bytes, read %d", key, size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.puts = append(m.puts, key)
	return Object{Key: key, URL: joinURL(m.baseURL, key)}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("delete object %s: %w", key, ErrObjectNotFound)
	}
	delete(m.objects, key)
	return nil
}

// Get returns a copy of the stored bytes and content type.
func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Keys lists stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// PutOrder lists every successful upload in the order it completed.
func (m *MemoryStore) PutOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.puts...)
}

// Handler serves GET and HEAD requests for stored objects.
func (m *MemoryStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/"))
		if err != nil {
			http.Error(w, "bad key", http.StatusBadRequest)
			return
		}
		data, contentType, ok := m.Get(key)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	})
}
