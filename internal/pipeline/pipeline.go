// Package pipeline runs a single transcode attempt end to end: workspace,
// fetch, encode, manifest, publish, and the registry updates around them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vodforge/internal/faults"
	"vodforge/internal/hls"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/tracing"
	"vodforge/internal/registry"
	"vodforge/internal/transcode"
	"vodforge/internal/workspace"
)

const defaultStateTimeout = 10 * time.Second

// Workspaces hands out per-attempt scratch directories.
type Workspaces interface {
	Acquire(name string) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace)
}

// Assets is the slice of the registry an attempt needs.
type Assets interface {
	registry.Tracker
	GetAsset(ctx context.Context, assetID string) (models.Asset, error)
}

// Fetcher downloads a source object into a directory.
type Fetcher interface {
	Fetch(ctx context.Context, storageKey, dir string) (string, error)
}

// Encoder probes a source and encodes the ladder.
type Encoder interface {
	Probe(ctx context.Context, input string) (transcode.ProbeResult, error)
	Transcode(ctx context.Context, input string, dirs transcode.VariantDirs, ladder []models.QualityVariant, probe transcode.ProbeResult) ([]transcode.VariantOutput, error)
}

// Publisher uploads a finished package and returns the manifest URL.
type Publisher interface {
	Publish(ctx context.Context, assetID string, outputs []transcode.VariantOutput, master hls.Master, packageDir string) (string, error)
}

// Config wires a Pipeline.
type Config struct {
	Workspaces Workspaces
	Assets     Assets
	Fetcher    Fetcher
	Encoder    Encoder
	Publisher  Publisher
	// Order is the variant order of the master manifest. It has no default.
	Order        hls.Order
	StateTimeout time.Duration
	Logger       *slog.Logger
	// Tracer defaults to the global vodforge tracer.
	Tracer trace.Tracer
}

// Pipeline executes attempts. It keeps no per-job state and is safe for
// concurrent use.
type Pipeline struct {
	workspaces   Workspaces
	assets       Assets
	fetcher      Fetcher
	encoder      Encoder
	publisher    Publisher
	order        hls.Order
	stateTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Result describes a successful attempt.
type Result struct {
	AssetID     string
	ManifestURL string
	Variants    int
	// Skipped is set when the asset was already completed or failed and the
	// job did not ask for reprocessing. Status then holds that final state.
	Skipped bool
	Status  models.AssetStatus
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Workspaces == nil:
		return nil, errors.New("pipeline: workspaces are required")
	case cfg.Assets == nil:
		return nil, errors.New("pipeline: asset registry is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case cfg.Encoder == nil:
		return nil, errors.New("pipeline: encoder is required")
	case cfg.Publisher == nil:
		return nil, errors.New("pipeline: publisher is required")
	}
	if _, err := hls.ParseOrder(string(cfg.Order)); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		workspaces:   cfg.Workspaces,
		assets:       cfg.Assets,
		fetcher:      cfg.Fetcher,
		encoder:      cfg.Encoder,
		publisher:    cfg.Publisher,
		order:        cfg.Order,
		stateTimeout: cfg.StateTimeout,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
	}
	if p.stateTimeout <= 0 {
		p.stateTimeout = defaultStateTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = tracing.Tracer()
	}
	return p, nil
}

// Run performs one attempt of job. The workspace is released exactly once
// before Run returns, whatever the outcome. Returned errors are always
// *faults.Error.
func (p *Pipeline) Run(ctx context.Context, job models.TranscodeJob) (result Result, err error) {
	ctx = logging.ContextWithJob(ctx, job.ID, job.AssetID)
	logger := logging.FromContext(ctx, p.logger).With("attempt", job.Attempt)
	ctx, endSpan := tracing.Start(ctx, p.tracer, "pipeline.attempt",
		attribute.String("job.id", job.ID),
		attribute.String("asset.id", job.AssetID),
		attribute.Int("job.attempt", job.Attempt),
		attribute.Bool("job.reprocess", job.Reprocess),
	)
	defer func() { endSpan(err, faultAttrs(err)...) }()

	ws, err := p.workspaces.Acquire(job.WorkspaceName())
	if err != nil {
		return Result{}, classify(faults.KindResource, err)
	}
	defer p.workspaces.Release(ws)
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("attempt panicked", "panic", recovered)
			result = Result{}
			err = faults.Newf(faults.KindInternal, "panic: %v", recovered)
		}
	}()

	asset, err := p.getAsset(ctx, job.AssetID)
	if err != nil {
		return Result{}, err
	}
	if asset.Status.Terminal() && !job.Reprocess {
		logger.Info("asset already settled, skipping", "status", asset.Status)
		url := ""
		if asset.ManifestURL != nil {
			url = *asset.ManifestURL
		}
		return Result{AssetID: asset.ID, ManifestURL: url, Skipped: true, Status: asset.Status}, nil
	}
	if asset.Type != models.AssetTypeVideo {
		return Result{}, faults.Newf(faults.KindInternal, "asset %s is %s, not video", asset.ID, asset.Type)
	}

	if err := p.track(ctx, func(ctx context.Context) error {
		return p.assets.MarkProcessing(ctx, job.AssetID)
	}); err != nil {
		return Result{}, err
	}

	var input string
	err = p.stage(ctx, "pipeline.fetch", faults.KindSourceUnavailable, func(ctx context.Context) error {
		var err error
		input, err = p.fetcher.Fetch(ctx, job.SourceKey, ws.Input)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var probe transcode.ProbeResult
	err = p.stage(ctx, "pipeline.probe", faults.KindTranscodeFailed, func(ctx context.Context) error {
		var err error
		probe, err = p.encoder.Probe(ctx, input)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	logger.Info("source probed", "duration", probe.Duration, "width", probe.Width, "height", probe.Height)

	ladder := job.Ladder
	if len(ladder) == 0 {
		ladder = models.DefaultLadder()
	}
	var outputs []transcode.VariantOutput
	err = p.stage(ctx, "pipeline.transcode", faults.KindTranscodeFailed, func(ctx context.Context) error {
		var err error
		outputs, err = p.encoder.Transcode(ctx, input, ws, ladder, probe)
		return err
	}, attribute.Int("ladder.variants", len(ladder)))
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, faults.New(faults.KindCancelled, err)
	}

	variants := make([]models.QualityVariant, 0, len(outputs))
	for _, out := range outputs {
		variants = append(variants, out.Variant)
	}
	master, err := hls.Assemble(variants, p.order)
	if err != nil {
		return Result{}, faults.New(faults.KindInternal, err)
	}

	var manifestURL string
	err = p.stage(ctx, "pipeline.publish", faults.KindPublishFailed, func(ctx context.Context) error {
		var err error
		manifestURL, err = p.publisher.Publish(ctx, job.AssetID, outputs, master, ws.Package)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if err := p.track(ctx, func(ctx context.Context) error {
		return p.assets.MarkCompleted(ctx, job.AssetID, manifestURL)
	}); err != nil {
		return Result{}, err
	}

	logger.Info("asset completed", "manifest_url", manifestURL, "variants", len(outputs))
	return Result{AssetID: job.AssetID, ManifestURL: manifestURL, Variants: len(outputs)}, nil
}

// stage runs call in its own span and types its failure as kind.
func (p *Pipeline) stage(ctx context.Context, name string, kind faults.Kind, call func(context.Context) error, attrs ...attribute.KeyValue) (err error) {
	ctx, end := tracing.Start(ctx, p.tracer, name, attrs...)
	defer func() { end(err, faultAttrs(err)...) }()
	if err := call(ctx); err != nil {
		return classify(kind, err)
	}
	return nil
}

func faultAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	attrs := []attribute.KeyValue{attribute.String("fault.kind", string(faults.KindOf(err)))}
	if variant := faults.VariantOf(err); variant != "" {
		attrs = append(attrs, attribute.String("fault.variant", variant))
	}
	return attrs
}

func (p *Pipeline) getAsset(ctx context.Context, assetID string) (models.Asset, error) {
	var asset models.Asset
	err := p.track(ctx, func(ctx context.Context) error {
		var err error
		asset, err = p.assets.GetAsset(ctx, assetID)
		return err
	})
	return asset, err
}

// track runs a registry call under the state timeout and reports failures
// as StateUpdateFailed.
func (p *Pipeline) track(ctx context.Context, call func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return faults.New(faults.KindCancelled, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.stateTimeout)
	defer cancel()
	if err := call(callCtx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return faults.New(faults.KindCancelled, ctx.Err())
		}
		return faults.New(faults.KindStateUpdateFailed, err)
	}
	return nil
}

// classify keeps an already typed failure and types anything else as kind.
func classify(kind faults.Kind, err error) error {
	var typed *faults.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return faults.New(faults.KindCancelled, err)
	}
	return faults.New(kind, err)
}
