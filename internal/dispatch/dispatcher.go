// Package dispatch pulls transcode jobs from the broker, runs them on a
// bounded worker pool, and decides between done, retry, and dead.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/faults"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/queue"
	"vodforge/internal/registry"
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job models.TranscodeJob) (pipeline.Result, error)
}

// Config wires a Dispatcher.
type Config struct {
	Broker queue.Broker
	// Assets is used to fail an asset once its job is dead.
	Assets registry.Tracker
	Runner Runner

	Workers     int
	JobTimeout  time.Duration
	LeaseTTL    time.Duration
	BusyDelay   time.Duration
	Ladder      []models.QualityVariant
	MaxAttempts int
	BackoffBase time.Duration
	// Owner identifies this process in asset leases.
	Owner string

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

const (
	defaultWorkers    = 2
	defaultJobTimeout = 2 * time.Hour
	defaultBusyDelay  = 15 * time.Second
	settleTimeout     = 10 * time.Second
	receiveBackoff    = time.Second
)

var errJobCancelled = errors.New("job cancelled")

// Dispatcher is the job state machine: queued, running, then done,
// retry-scheduled, or dead.
type Dispatcher struct {
	broker      queue.Broker
	assets      registry.Tracker
	runner      Runner
	workers     int
	jobTimeout  time.Duration
	leaseTTL    time.Duration
	busyDelay   time.Duration
	ladder      []models.QualityVariant
	maxAttempts int
	backoff     models.BackoffPolicy
	owner       string
	logger      *slog.Logger
	metrics     *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]string
	running  map[string]context.CancelCauseFunc
	started  bool
}

// New validates cfg and returns a stopped Dispatcher. Enqueue works without
// Start, so the same type serves the CLI and the sweep.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Broker == nil {
		return nil, errors.New("dispatch: broker is required")
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = models.DefaultLadder()
	}
	if err := models.ValidateLadder(ladder); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	d := &Dispatcher{
		broker:      cfg.Broker,
		assets:      cfg.Assets,
		runner:      cfg.Runner,
		workers:     cfg.Workers,
		jobTimeout:  cfg.JobTimeout,
		leaseTTL:    cfg.LeaseTTL,
		busyDelay:   cfg.BusyDelay,
		ladder:      append([]models.QualityVariant(nil), ladder...),
		maxAttempts: cfg.MaxAttempts,
		backoff:     models.BackoffPolicy{Base: cfg.BackoffBase},
		owner:       strings.TrimSpace(cfg.Owner),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		inFlight:    make(map[string]string),
		running:     make(map[string]context.CancelCauseFunc),
	}
	if d.workers <= 0 {
		d.workers = defaultWorkers
	}
	if d.jobTimeout <= 0 {
		d.jobTimeout = defaultJobTimeout
	}
	if d.leaseTTL <= 0 {
		d.leaseTTL = d.jobTimeout + 10*time.Minute
	}
	if d.busyDelay <= 0 {
		d.busyDelay = defaultBusyDelay
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = models.DefaultMaxAttempts
	}
	if d.backoff.Base <= 0 {
		d.backoff.Base = models.DefaultBackoffBase
	}
	if d.owner == "" {
		host, _ := os.Hostname()
		d.owner = strings.Trim(host+"-"+uuid.NewString()[:8], "-")
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = metrics.Default()
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start launches the worker pool. It is a no-op when already started.
func (d *Dispatcher) Start() error {
	if d.runner == nil {
		return errors.New("dispatch: runner is required to start workers")
	}
	if d.assets == nil {
		return errors.New("dispatch: asset tracker is required to start workers")
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "owner", d.owner)
	return nil
}

// Shutdown stops receiving, interrupts running attempts, and waits for them
// to hand their jobs back to the broker. Interrupted jobs keep their
// attempt count.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues a first attempt for assetID.
func (d *Dispatcher) Enqueue(ctx context.Context, assetID, sourceKey string) (models.TranscodeJob, error) {
	return d.enqueue(ctx, assetID, sourceKey, false)
}

// Reprocess queues a job that runs even if the asset is already completed.
func (d *Dispatcher) Reprocess(ctx context.Context, assetID, sourceKey string) (models.TranscodeJob, error) {
	return d.enqueue(ctx, assetID, sourceKey, true)
}

func (d *Dispatcher) enqueue(ctx context.Context, assetID, sourceKey string, reprocess bool) (models.TranscodeJob, error) {
	assetID = strings.TrimSpace(assetID)
	sourceKey = strings.TrimSpace(sourceKey)
	if assetID == "" {
		return models.TranscodeJob{}, errors.New("asset id is required")
	}
	if sourceKey == "" {
		return models.TranscodeJob{}, errors.New("source key is required")
	}
	job := models.TranscodeJob{
		ID:          uuid.NewString(),
		AssetID:     assetID,
		SourceKey:   sourceKey,
		Ladder:      append([]models.QualityVariant(nil), d.ladder...),
		MaxAttempts: d.maxAttempts,
		Backoff:     d.backoff,
		Reprocess:   reprocess,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := d.broker.Enqueue(ctx, job, time.Time{}); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("enqueue job for asset %s: %w", assetID, err)
	}
	d.metrics.JobEnqueued()
	d.logger.Info("job enqueued", "job_id", job.ID, "asset_id", assetID, "reprocess", reprocess)
	return job, nil
}

// Cancel interrupts a running attempt. The job goes dead and its asset is
// failed. It reports whether the job was running in this process.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	cancel, ok := d.running[jobID]
	d.mu.Unlock()
	if ok {
		cancel(errJobCancelled)
	}
	return ok
}

// Running lists the ids of jobs currently executing in this process.
func (d *Dispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) worker(index int) {
	defer d.wg.Done()
	logger := d.logger.With("worker", index)
	for {
		if d.ctx.Err() != nil {
			return
		}
		delivery, err := d.broker.Receive(d.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if d.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Warn("receive failed", "error", err)
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}
		d.handle(delivery)
	}
}

func (d *Dispatcher) handle(delivery queue.Delivery) {
	job := delivery.Job
	logger := d.logger.With("job_id", job.ID, "asset_id", job.AssetID, "attempt", job.Attempt)

	if !d.beginWork(job.AssetID, job.ID) {
		d.postpone(delivery, logger, "asset busy in process")
		return
	}
	defer d.finishWork(job.AssetID)

	claimed, err := d.broker.ClaimAsset(d.ctx, job.AssetID, d.owner, d.leaseTTL)
	if err != nil || !claimed {
		if err != nil {
			logger.Warn("asset lease failed", "error", err)
		}
		d.postpone(delivery, logger, "asset leased elsewhere")
		return
	}
	defer d.releaseLease(job.AssetID, logger)

	runCtx, cancelRun := context.WithCancelCause(d.ctx)
	defer cancelRun(nil)
	jobCtx, cancelTimeout := context.WithTimeout(runCtx, d.jobTimeout)
	defer cancelTimeout()
	jobCtx = logging.ContextWithLogger(jobCtx, logger)

	d.mu.Lock()
	d.running[job.ID] = cancelRun
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, job.ID)
		d.mu.Unlock()
	}()

	d.metrics.JobStarted()
	logger.Info("job started")
	started := time.Now()
	result, err := d.runner.Run(jobCtx, job)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		d.settle(logger, "ack", func(ctx context.Context) error { return d.broker.Ack(ctx, delivery) })
		d.metrics.JobCompleted(elapsed)
		if result.Skipped {
			logger.Info("job done, asset already settled", "status", result.Status, "manifest_url", result.ManifestURL)
		} else {
			logger.Info("job done", "manifest_url", result.ManifestURL, "duration", elapsed)
		}

	case errors.Is(context.Cause(runCtx), errJobCancelled):
		d.dead(delivery, job, faults.New(faults.KindCancelled, errJobCancelled), logger)

	case d.ctx.Err() != nil && !settledByFailure(err):
		d.settle(logger, "release", func(ctx context.Context) error {
			return d.broker.Requeue(ctx, delivery, job, time.Time{})
		})
		d.metrics.JobReleased("shutdown")
		logger.Info("job released for shutdown")

	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		d.dead(delivery, job, faults.Newf(faults.KindTranscodeFailed, "attempt exceeded job timeout %s", d.jobTimeout), logger)

	default:
		d.fail(delivery, job, err, logger)
	}
}

// settledByFailure reports whether err is a terminal outcome of the attempt
// itself rather than a side effect of shutdown cancelling it. Such a failure
// is final even when it lands while the dispatcher is stopping.
func settledByFailure(err error) bool {
	kind := faults.KindOf(err)
	return kind != faults.KindCancelled && !kind.Retryable() && !errors.Is(err, context.Canceled)
}

// fail applies the retry policy to a failed attempt.
func (d *Dispatcher) fail(delivery queue.Delivery, job models.TranscodeJob, err error, logger *slog.Logger) {
	kind := faults.KindOf(err)
	if !kind.Retryable() {
		d.dead(delivery, job, err, logger)
		return
	}
	job.Attempt++
	if job.Exhausted() {
		d.dead(delivery, job, err, logger)
		return
	}
	delay := job.Backoff.Delay(job.Attempt)
	runAt := time.Now().Add(delay)
	d.settle(logger, "retry", func(ctx context.Context) error {
		return d.broker.Requeue(ctx, delivery, job, runAt)
	})
	d.metrics.JobRetried(string(kind))
	logger.Warn("job attempt failed, retry scheduled",
		"kind", kind,
		"error", err,
		"next_attempt", job.Attempt,
		"delay", delay,
	)
}

// dead moves the job to the dead-letter list and fails the asset.
func (d *Dispatcher) dead(delivery queue.Delivery, job models.TranscodeJob, err error, logger *slog.Logger) {
	kind := faults.KindOf(err)
	reason := fmt.Sprintf("%s: %v", kind, err)
	if variant := faults.VariantOf(err); variant != "" {
		logger = logger.With("variant", variant)
	}
	d.settle(logger, "dead-letter", func(ctx context.Context) error {
		return d.broker.Dead(ctx, delivery, job, reason)
	})
	d.settle(logger, "mark asset failed", func(ctx context.Context) error {
		return d.assets.MarkFailed(ctx, job.AssetID)
	})
	d.metrics.JobDead(string(kind))
	logger.Error("job dead", "kind", kind, "error", err, "attempts", job.Attempt)
}

// postpone pushes a delivery back without consuming an attempt.
func (d *Dispatcher) postpone(delivery queue.Delivery, logger *slog.Logger, reason string) {
	d.settle(logger, "defer", func(ctx context.Context) error {
		return d.broker.Requeue(ctx, delivery, delivery.Job, time.Now().Add(d.busyDelay))
	})
	d.metrics.JobDeferred("busy")
	logger.Debug("job deferred", "reason", reason, "delay", d.busyDelay)
}

// settle runs a broker or registry write on a context detached from
// shutdown so the outcome of a finished attempt is still recorded.
func (d *Dispatcher) settle(logger *slog.Logger, action string, call func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := call(ctx); err != nil {
		logger.Error("failed to settle job", "action", action, "error", err)
	}
}

func (d *Dispatcher) releaseLease(assetID string, logger *slog.Logger) {
	d.settle(logger, "release lease", func(ctx context.Context) error {
		return d.broker.ReleaseAsset(ctx, assetID, d.owner)
	})
}

func (d *Dispatcher) beginWork(assetID, jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.inFlight[assetID]; exists {
		return false
	}
	d.inFlight[assetID] = jobID
	return true
}

func (d *Dispatcher) finishWork(assetID string) {
	d.mu.Lock()
	delete(d.inFlight, assetID)
	d.mu.Unlock()
}
