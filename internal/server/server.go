package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/serverutil"
)

// Check reports whether a dependency is usable.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config controls the ops server.
type Config struct {
	Addr            string
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	Checks          []Check
	CheckTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Objects, when set, is served under /objects/.
	Objects http.Handler
	// Status, when set, is rendered as JSON under /status.
	Status func(ctx context.Context) (any, error)

	requestID idGenerator
}

const defaultCheckTimeout = 2 * time.Second

// Server is the ops HTTP server.
type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	logger          *slog.Logger
	checks          []Check
	checkTimeout    time.Duration
	shutdownTimeout time.Duration
	status          func(ctx context.Context) (any, error)

	mu       sync.Mutex
	draining bool
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components,omitempty"`
}

// New builds the server. It does not listen until Run.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	s := &Server{
		logger:          logger,
		checks:          cfg.Checks,
		checkTimeout:    timeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		status:          cfg.Status,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/readyz", s.readyz)
	mux.Handle("/metrics", recorder.Handler())
	if cfg.Status != nil {
		mux.HandleFunc("/status", s.statusHandler)
	}
	if cfg.Objects != nil {
		mux.Handle("/objects/", http.StripPrefix("/objects", cfg.Objects))
	}

	chain := http.Handler(mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(logger, cfg.requestID, chain)
	s.handler = chain

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled. ready receives the bound address.
func (s *Server) Run(ctx context.Context, ready chan<- net.Addr) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
	})
}

// Drain makes /readyz fail so load balancers stop routing here while the
// worker finishes its jobs.
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "draining"})
		return
	}

	components, overall, code := s.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: overall, Components: components})
}

func (s *Server) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overall := "ok"
	code := http.StatusOK
	components := make([]componentStatus, 0, len(s.checks))
	for _, check := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		err := check.Ping(checkCtx)
		cancel()

		status := componentStatus{Component: check.Name, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overall = "degraded"
			code = http.StatusServiceUnavailable
			logging.FromContext(ctx, s.logger).Warn("readiness check failed", "component", check.Name, "error", err)
		}
		components = append(components, status)
	}
	return components, overall, code
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	body, err := s.status(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
