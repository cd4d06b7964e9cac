package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vodforge/internal/config"
	"vodforge/internal/dispatch"
	"vodforge/internal/fetch"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/observability/tracing"
	"vodforge/internal/pipeline"
	"vodforge/internal/publish"
	"vodforge/internal/server"
	"vodforge/internal/sweep"
	"vodforge/internal/transcode"
	"vodforge/internal/workspace"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run transcode workers, the maintenance sweep, and the ops endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(runCtx, cfg, ctx.log(), drainTimeout)
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for running jobs to hand back on shutdown")
	return cmd
}

// worker is the assembled long-running process.
type worker struct {
	backends   *backends
	workspaces *workspace.Manager
	dispatcher *dispatch.Dispatcher
	sweeper    *sweep.Sweeper
	ops        *server.Server
}

func buildWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*worker, error) {
	b, err := openBackends(ctx, cfg, logger, needRegistry|needBroker|needStorage)
	if err != nil {
		return nil, err
	}
	w := &worker{backends: b}
	fail := func(err error) (*worker, error) {
		b.close(context.Background(), logger)
		return nil, err
	}

	w.workspaces, err = workspace.NewManager(workspace.Config{
		Root:    cfg.Workspace.Root,
		Logger:  logging.WithComponent(logger, "workspace"),
		Metrics: recorder,
	})
	if err != nil {
		return fail(err)
	}

	fetcher, err := fetch.New(fetch.Config{
		Storage: b.store,
		URLTTL:  cfg.Fetch.URLTTL.Std(),
		Timeout: cfg.Fetch.Timeout.Std(),
		Logger:  logging.WithComponent(logger, "fetch"),
	})
	if err != nil {
		return fail(err)
	}

	encoder := transcode.New(transcode.Config{
		Runner:         transcode.ExecRunner{},
		FFmpegPath:     cfg.Transcode.FFmpegPath,
		FFprobePath:    cfg.Transcode.FFprobePath,
		Parallelism:    cfg.Transcode.Parallelism,
		VariantTimeout: cfg.Transcode.VariantTimeout.Std(),
		SegmentSeconds: cfg.Transcode.SegmentSeconds,
		Preset:         cfg.Transcode.Preset,
		Logger:         logging.WithComponent(logger, "transcode"),
		Metrics:        recorder,
	})

	publisher, err := publish.New(publish.Config{
		Store:         b.store,
		Concurrency:   cfg.Publish.Concurrency,
		UploadTimeout: cfg.Publish.UploadTimeout.Std(),
		Logger:        logging.WithComponent(logger, "publish"),
		Metrics:       recorder,
	})
	if err != nil {
		return fail(err)
	}

	order, err := cfg.ManifestOrder()
	if err != nil {
		return fail(err)
	}
	pipe, err := pipeline.New(pipeline.Config{
		Workspaces:   w.workspaces,
		Assets:       b.registry,
		Fetcher:      fetcher,
		Encoder:      encoder,
		Publisher:    publisher,
		Order:        order,
		StateTimeout: cfg.Registry.StatementTimeout.Std(),
		Logger:       logging.WithComponent(logger, "pipeline"),
	})
	if err != nil {
		return fail(err)
	}

	w.dispatcher, err = newDispatcher(cfg, b, pipe, logger, recorder)
	if err != nil {
		return fail(err)
	}

	if cfg.Sweep.Enabled {
		w.sweeper, err = newSweeper(cfg, b, w.dispatcher, w.workspaces, logger, recorder)
		if err != nil {
			return fail(err)
		}
	}

	opsCfg := server.Config{
		Addr:            cfg.Ops.Addr,
		Logger:          logging.WithComponent(logger, "ops"),
		Metrics:         recorder,
		Checks:          b.checks,
		ShutdownTimeout: cfg.Ops.ShutdownTimeout.Std(),
		Status: func(ctx context.Context) (any, error) {
			stats, err := b.broker.Stats(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"queue": stats, "running": w.dispatcher.Running()}, nil
		},
	}
	if b.objects != nil {
		opsCfg.Objects = b.objects.Handler()
	}
	w.ops = server.New(opsCfg)
	return w, nil
}

func newDispatcher(cfg *config.Config, b *backends, runner dispatch.Runner, logger *slog.Logger, recorder *metrics.Recorder) (*dispatch.Dispatcher, error) {
	return dispatch.New(dispatch.Config{
		Broker:      b.broker,
		Assets:      b.registry,
		Runner:      runner,
		Workers:     cfg.Dispatch.Workers,
		JobTimeout:  cfg.Dispatch.JobTimeout.Std(),
		LeaseTTL:    cfg.Dispatch.LeaseTTL.Std(),
		BusyDelay:   cfg.Dispatch.BusyDelay.Std(),
		Ladder:      cfg.QualityLadder(),
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase.Std(),
		Logger:      logging.WithComponent(logger, "dispatch"),
		Metrics:     recorder,
	})
}

func newSweeper(cfg *config.Config, b *backends, enqueuer sweep.Enqueuer, janitor sweep.Janitor, logger *slog.Logger, recorder *metrics.Recorder) (*sweep.Sweeper, error) {
	sc := sweep.Config{
		Assets:               b.registry,
		Enqueuer:             enqueuer,
		Workspaces:           janitor,
		Schedule:             cfg.Sweep.Schedule,
		PendingGrace:         cfg.Sweep.PendingGrace.Std(),
		StaleProcessingAfter: cfg.Sweep.StaleProcessingAfter.Std(),
		WorkspaceMaxAge:      cfg.Sweep.WorkspaceMaxAge.Std(),
		BatchSize:            cfg.Sweep.BatchSize,
		Logger:               logging.WithComponent(logger, "sweep"),
		Metrics:              recorder,
	}
	return sweep.New(sc)
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, drainTimeout time.Duration) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	recorder := metrics.Default()
	w, err := buildWorker(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer w.backends.close(context.Background(), logger)

	opsCtx, stopOps := context.WithCancel(context.Background())
	defer stopOps()
	ready := make(chan net.Addr, 1)
	opsErr := make(chan error, 1)
	go func() { opsErr <- w.ops.Run(opsCtx, ready) }()

	select {
	case addr := <-ready:
		if w.backends.objects != nil && cfg.Storage.MemoryBaseURL == "" {
			w.backends.objects.SetBaseURL("http://" + loopbackAddr(addr) + "/objects")
		}
	case err := <-opsErr:
		return fmt.Errorf("start ops server: %w", err)
	}

	if err := w.dispatcher.Start(); err != nil {
		return err
	}
	if w.sweeper != nil {
		w.sweeper.Start()
	}
	logger.Info("worker running",
		"workers", cfg.Dispatch.Workers,
		"queue", cfg.Queue.Backend,
		"registry", cfg.Registry.Backend,
		"storage", cfg.Storage.Backend,
		"manifest_order", cfg.HLS.ManifestOrder,
	)

	var runErr error
	opsDone := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-opsErr:
		opsDone = true
		runErr = fmt.Errorf("ops server stopped: %w", err)
	}

	w.ops.Drain()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if w.sweeper != nil {
		if err := w.sweeper.Stop(drainCtx); err != nil {
			logger.Warn("sweep did not stop in time", "error", err)
		}
	}
	if err := w.dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn("jobs did not hand back in time", "error", err)
	}
	stopOps()
	if !opsDone {
		if err := <-opsErr; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ops server shutdown failed", "error", err)
		}
	}
	logger.Info("worker stopped")
	return runErr
}

// loopbackAddr turns a wildcard listener address into one a local client
// can dial.
func loopbackAddr(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
