// Package transcode turns a source file into HLS variants by running one
// ffmpeg process per rung of the quality ladder.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/faults"
	"vodforge/internal/hls"
	"vodforge/internal/models"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
)

const (
	defaultVariantTimeout = time.Hour
	probeVariant          = "probe"
)

// Config controls a Transcoder.
type Config struct {
	Runner         Runner
	FFmpegPath     string
	FFprobePath    string
	Parallelism    int
	VariantTimeout time.Duration
	SegmentSeconds int
	Preset         string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Transcoder encodes ladders. It is safe for concurrent use.
type Transcoder struct {
	runner         Runner
	ffmpeg         string
	ffprobe        string
	parallelism    int
	variantTimeout time.Duration
	segmentSeconds int
	preset         string
	logger         *slog.Logger
	metrics        *metrics.Recorder
}

// VariantOutput is a validated variant directory.
type VariantOutput struct {
	Variant      models.QualityVariant
	Dir          string
	PlaylistPath string
	SegmentPaths []string
}

// New applies defaults to cfg and returns a Transcoder.
func New(cfg Config) *Transcoder {
	t := &Transcoder{
		runner:         cfg.Runner,
		ffmpeg:         cfg.FFmpegPath,
		ffprobe:        cfg.FFprobePath,
		parallelism:    cfg.Parallelism,
		variantTimeout: cfg.VariantTimeout,
		segmentSeconds: cfg.SegmentSeconds,
		preset:         cfg.Preset,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if t.runner == nil {
		t.runner = ExecRunner{}
	}
	if t.ffmpeg == "" {
		t.ffmpeg = "ffmpeg"
	}
	if t.ffprobe == "" {
		t.ffprobe = "ffprobe"
	}
	if t.parallelism <= 0 {
		t.parallelism = max(runtime.NumCPU()/2, 1)
	}
	if t.variantTimeout <= 0 {
		t.variantTimeout = defaultVariantTimeout
	}
	if t.segmentSeconds <= 0 {
		t.segmentSeconds = defaultSegmentSeconds
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.metrics == nil {
		t.metrics = metrics.Default()
	}
	return t
}

// VariantDirs places each variant's output directory. *workspace.Workspace
// implements it.
type VariantDirs interface {
	VariantDir(label string) string
}

// Transcode encodes every variant of ladder from input into the directory
// dirs assigns it. The first failure cancels the remaining
// variants and is returned as a TranscodeFailed error naming the variant.
// Outputs are returned in ladder order.
func (t *Transcoder) Transcode(ctx context.Context, input string, dirs VariantDirs, ladder []models.QualityVariant, probe ProbeResult) ([]VariantOutput, error) {
	if len(ladder) == 0 {
		return nil, faults.Newf(faults.KindInternal, "empty quality ladder")
	}
	input, err := filepath.Abs(input)
	if err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	opts := Options{SegmentSeconds: t.segmentSeconds, FrameRate: probe.FrameRate, Preset: t.preset}

	outputs := make([]VariantOutput, len(ladder))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(t.parallelism)
	for i, variant := range ladder {
		if groupCtx.Err() != nil {
			break
		}
		dir := dirs.VariantDir(variant.Label)
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return cancelled(ctx, err)
			}
			output, err := t.encode(groupCtx, input, dir, variant, opts)
			if err != nil {
				return err
			}
			outputs[i] = output
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.New(faults.KindCancelled, err)
	}
	return outputs, nil
}

func (t *Transcoder) encode(ctx context.Context, input, dir string, variant models.QualityVariant, opts Options) (VariantOutput, error) {
	logger := logging.FromContext(ctx, t.logger).With("variant", variant.Label)
	started := time.Now()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return VariantOutput{}, faults.Transcode(variant.Label, fmt.Errorf("create variant dir: %w", err))
	}

	variantCtx, cancel := context.WithTimeout(ctx, t.variantTimeout)
	defer cancel()

	stderr := newLineLogger(logger, "stderr")
	logger.Info("variant encode started", "resolution", variant.Resolution(), "video_kbps", variant.VideoBitrateKbps)
	err := t.runner.Run(variantCtx, Command{
		Name:   t.ffmpeg,
		Args:   BuildArgs(input, variant, opts),
		Dir:    dir,
		Stderr: stderr,
	})
	stderr.Flush()
	elapsed := time.Since(started)

	if err != nil {
		switch {
		case ctx.Err() != nil:
			t.metrics.ObserveVariant(variant.Label, "cancelled", elapsed)
			return VariantOutput{}, cancelled(ctx, ctx.Err())
		case errors.Is(variantCtx.Err(), context.DeadlineExceeded):
			t.metrics.ObserveVariant(variant.Label, "timeout", elapsed)
			return VariantOutput{}, faults.Transcode(variant.Label, fmt.Errorf("encode timed out after %s", t.variantTimeout))
		default:
			t.metrics.ObserveVariant(variant.Label, "failed", elapsed)
			logger.Warn("variant encode failed", "error", err, "stderr", stderr.Tail())
			return VariantOutput{}, faults.Transcode(variant.Label, fmt.Errorf("ffmpeg: %w: %s", err, stderr.Tail()))
		}
	}

	playlist := filepath.Join(dir, hls.PlaylistName)
	segments, err := hls.ValidateMediaPlaylist(playlist)
	if err != nil {
		t.metrics.ObserveVariant(variant.Label, "invalid", elapsed)
		return VariantOutput{}, faults.Transcode(variant.Label, err)
	}

	t.metrics.ObserveVariant(variant.Label, "ok", elapsed)
	logger.Info("variant encode finished", "segments", len(segments), "duration", elapsed)
	return VariantOutput{Variant: variant, Dir: dir, PlaylistPath: playlist, SegmentPaths: segments}, nil
}

// cancelled reports a stop caused by the caller as Cancelled. A stop caused
// by a sibling variant failing is returned unclassified; the group keeps the
// sibling's error.
func cancelled(parent context.Context, err error) error {
	if parent.Err() != nil {
		return faults.New(faults.KindCancelled, parent.Err())
	}
	return err
}
