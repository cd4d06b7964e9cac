package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeHealth(t *testing.T, body io.Reader) healthResponse {
	t.Helper()
	var payload healthResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthzIsAlwaysOK(t *testing.T) {
	srv := New(Config{
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		Checks:  []Check{{Name: "broker", Ping: func(context.Context) error { return errors.New("down") }}},
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := decodeHealth(t, rr.Body); payload.Status != "ok" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
}

func TestReadyzReportsComponents(t *testing.T) {
	brokerErr := errors.New("connection refused")
	srv := New(Config{
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		Checks: []Check{
			{Name: "registry", Ping: func(context.Context) error { return nil }},
			{Name: "broker", Ping: func(context.Context) error { return brokerErr }},
		},
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	payload := decodeHealth(t, rr.Body)
	if payload.Status != "degraded" || len(payload.Components) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Components[0].Status != "ok" || payload.Components[1].Error != brokerErr.Error() {
		t.Fatalf("unexpected components %+v", payload.Components)
	}
}

func TestReadyzBoundsSlowChecks(t *testing.T) {
	srv := New(Config{
		Logger:       quietLogger(),
		Metrics:      metrics.New(),
		CheckTimeout: 50 * time.Millisecond,
		Checks: []Check{{Name: "registry", Ping: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}},
	})

	start := time.Now()
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("check was not bounded, took %s", elapsed)
	}
}

func TestReadyzFailsWhileDraining(t *testing.T) {
	srv := New(Config{Logger: quietLogger(), Metrics: metrics.New()})
	srv.Drain()

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if payload := decodeHealth(t, rr.Body); payload.Status != "draining" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	recorder := metrics.New()
	srv := New(Config{Logger: quietLogger(), Metrics: recorder})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `path="/healthz"`) {
		t.Fatalf("expected healthz request in metrics output:\n%s", rr.Body.String())
	}
}

func TestObjectsAndStatusAreOptional(t *testing.T) {
	objects := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "object:"+r.URL.Path)
	})
	srv := New(Config{
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		Objects: objects,
		Status: func(context.Context) (any, error) {
			return map[string]int{"ready": 3}, nil
		},
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/objects/hls/video/42/master.m3u8", nil))
	if got := rr.Body.String(); got != "object:/hls/video/42/master.m3u8" {
		t.Fatalf("unexpected object response %q", got)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if !strings.Contains(rr.Body.String(), `"ready":3`) {
		t.Fatalf("unexpected status body %q", rr.Body.String())
	}

	bare := New(Config{Logger: quietLogger(), Metrics: metrics.New()})
	rr = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/objects/x", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an object store, got %d", rr.Code)
	}
}

func TestRequestIDPropagatesToLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
		logging.FromContext(r.Context(), nil).Info("handled")
	})
	handler := requestIDMiddleware(logger, func() string { return "generated" }, inner)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if seen != "generated" || rr.Header().Get("X-Request-Id") != "generated" {
		t.Fatalf("expected generated request id, got %q / %q", seen, rr.Header().Get("X-Request-Id"))
	}
	if !strings.Contains(buf.String(), `"request_id":"generated"`) {
		t.Fatalf("expected request id in log output: %s", buf.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "incoming" {
		t.Fatalf("expected incoming request id to be kept, got %q", seen)
	}
}

func TestRunServesAndStops(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Logger: quietLogger(), Metrics: metrics.New(), ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, ready) }()

	addr := <-ready
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
