package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/abc123", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `vodforge_http_requests_total{method="GET",path="/jobs/:id",status="418"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, buf.String())
	}
}

func TestHTTPMiddlewareCollapsesObjectKeys(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("segment"))
	}))

	for _, path := range []string{"/objects/vod/42/720p/seg_00001.ts", "/objects/vod/42/master.m3u8"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `vodforge_http_requests_total{method="GET",path="/objects/*",status="200"} 2`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, buf.String())
	}
}

func TestResponseRecorderKeepsFirstStatusAndCountsBytes(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	rr.WriteHeader(http.StatusAccepted)
	rr.WriteHeader(http.StatusInternalServerError)
	if _, err := rr.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rr.ReadFrom(strings.NewReader(" world")); err != nil {
		t.Fatalf("read from: %v", err)
	}
	if rr.Status() != http.StatusAccepted {
		t.Fatalf("expected first status to stick, got %d", rr.Status())
	}
	if rr.Bytes() != int64(len("hello world")) {
		t.Fatalf("expected 11 bytes, got %d", rr.Bytes())
	}
}
