// Package sweep re-enqueues assets that fell through the cracks and removes
// leaked workspaces, on a cron schedule or on demand.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/workspace"
)

// Assets lists candidates for re-enqueueing.
type Assets interface {
	ListPendingVideos(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error)
	MarkQueued(ctx context.Context, assetID string) (bool, error)
}

// Enqueuer queues a first attempt for an asset.
type Enqueuer interface {
	Enqueue(ctx context.Context, assetID, sourceKey string) (models.TranscodeJob, error)
}

// Janitor removes abandoned workspaces.
type Janitor interface {
	CleanStale(ctx context.Context, maxAge time.Duration) workspace.CleanStaleResult
}

// Config controls a Sweeper.
type Config struct {
	Assets     Assets
	Enqueuer   Enqueuer
	Workspaces Janitor

	// Schedule is a robfig/cron spec such as "@every 5m" or "*/5 * * * *".
	Schedule             string
	PendingGrace         time.Duration
	StaleProcessingAfter time.Duration
	WorkspaceMaxAge      time.Duration
	BatchSize            int
	RunTimeout           time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Report summarises one sweep.
type Report struct {
	PendingEnqueued   int
	StaleEnqueued     int
	WorkspacesRemoved int
	Skipped           int
}

const (
	defaultSchedule             = "@every 5m"
	defaultPendingGrace         = 10 * time.Minute
	defaultStaleProcessingAfter = 3 * time.Hour
	defaultWorkspaceMaxAge      = 6 * time.Hour
	defaultBatchSize            = 100
	defaultRunTimeout           = 2 * time.Minute
)

// Sweeper runs the maintenance sweep.
type Sweeper struct {
	cfg  Config
	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Assets == nil {
		return nil, errors.New("sweep: assets are required")
	}
	if cfg.Enqueuer == nil {
		return nil, errors.New("sweep: enqueuer is required")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = defaultPendingGrace
	}
	if cfg.StaleProcessingAfter <= 0 {
		cfg.StaleProcessingAfter = defaultStaleProcessingAfter
	}
	if cfg.WorkspaceMaxAge <= 0 {
		cfg.WorkspaceMaxAge = defaultWorkspaceMaxAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cronLogger{logger: cfg.Logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Sweeper{cfg: cfg, cron: c}
	if _, err := c.AddFunc(cfg.Schedule, s.scheduled); err != nil {
		return nil, fmt.Errorf("sweep: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running the sweep on its schedule.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.cfg.Logger.Info("sweep scheduled", "schedule", s.cfg.Schedule)
}

// Stop prevents further runs and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.cfg.Logger.Error("sweep failed", "error", err)
	}
}

// RunOnce performs a single sweep. Listing errors abort the sweep; a failed
// enqueue is logged and the sweep moves on. Each asset is stamped before it is
// enqueued, so back-to-back sweeps queue it at most once per grace period.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := s.cfg.Now()

	pending, err := s.cfg.Assets.ListPendingVideos(ctx, now.Add(-s.cfg.PendingGrace), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list pending videos: %w", err)
	}
	enqueued, skipped := s.enqueueAll(ctx, pending, "pending")
	report.PendingEnqueued = enqueued
	report.Skipped += skipped
	s.cfg.Metrics.SweepEnqueued("pending", enqueued)

	stale, err := s.cfg.Assets.ListStaleProcessing(ctx, now.Add(-s.cfg.StaleProcessingAfter), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale processing assets: %w", err)
	}
	enqueued, skipped = s.enqueueAll(ctx, stale, "stale_processing")
	report.StaleEnqueued = enqueued
	report.Skipped += skipped
	s.cfg.Metrics.SweepEnqueued("stale_processing", enqueued)

	if s.cfg.Workspaces != nil {
		cleaned := s.cfg.Workspaces.CleanStale(ctx, s.cfg.WorkspaceMaxAge)
		report.WorkspacesRemoved = len(cleaned.Removed)
		for _, failure := range cleaned.Errors {
			s.cfg.Logger.Warn("failed to remove stale workspace", "path", failure.Path, "error", failure.Error)
		}
	}

	if report.PendingEnqueued+report.StaleEnqueued+report.WorkspacesRemoved > 0 {
		s.cfg.Logger.Info("sweep finished",
			"pending_enqueued", report.PendingEnqueued,
			"stale_enqueued", report.StaleEnqueued,
			"workspaces_removed", report.WorkspacesRemoved,
			"skipped", report.Skipped,
		)
	}
	return report, nil
}

func (s *Sweeper) enqueueAll(ctx context.Context, assets []models.Asset, reason string) (int, int) {
	enqueued, skipped := 0, 0
	for _, asset := range assets {
		if ctx.Err() != nil {
			break
		}
		source := strings.TrimSpace(asset.SourceURL)
		if source == "" {
			s.cfg.Logger.Warn("asset has no source, not enqueued", "asset_id", asset.ID, "reason", reason)
			skipped++
			continue
		}
		queued, err := s.cfg.Assets.MarkQueued(ctx, asset.ID)
		if err != nil {
			s.cfg.Logger.Error("sweep stamp failed", "asset_id", asset.ID, "reason", reason, "error", err)
			skipped++
			continue
		}
		if !queued {
			s.cfg.Logger.Debug("asset settled since listing, not enqueued", "asset_id", asset.ID, "reason", reason)
			skipped++
			continue
		}
		if _, err := s.cfg.Enqueuer.Enqueue(ctx, asset.ID, source); err != nil {
			s.cfg.Logger.Error("sweep enqueue failed", "asset_id", asset.ID, "reason", reason, "error", err)
			skipped++
			continue
		}
		enqueued++
	}
	return enqueued, skipped
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
