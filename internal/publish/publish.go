// Package publish uploads a finished HLS package to object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"vodforge/internal/faults"
	"vodforge/internal/hls"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

const (
	defaultConcurrency   = 8
	defaultUploadTimeout = 2 * time.Minute
	keyRoot              = "hls/video"
)

// Config controls a Publisher.
type Config struct {
	Store         storage.ObjectStore
	Concurrency   int
	UploadTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Publisher writes variant outputs and the master manifest to storage.
type Publisher struct {
	store       storage.ObjectStore
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// New validates cfg and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, errors.New("publish: object store is required")
	}
	p := &Publisher{
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
		timeout:     cfg.UploadTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if p.concurrency <= 0 {
		p.concurrency = defaultConcurrency
	}
	if p.timeout <= 0 {
		p.timeout = defaultUploadTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	return p, nil
}

// ContentType maps an HLS artifact name to its MIME type.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// MasterKey is the storage key of an asset's master manifest.
func MasterKey(assetID string) string {
	return norm.NFC.String(path.Join(keyRoot, assetID, hls.MasterName))
}

// ObjectKey is the storage key of one file inside a variant.
func ObjectKey(assetID, label, file string) string {
	return norm.NFC.String(path.Join(keyRoot, assetID, label, file))
}

type upload struct {
	key  string
	file string
	kind string
}

// Publish writes master into packageDir, uploads every segment and variant
// playlist, and uploads the master manifest last. It returns the master's
// URL. Re-publishing the same asset overwrites the same keys.
func (p *Publisher) Publish(ctx context.Context, assetID string, outputs []transcode.VariantOutput, master hls.Master, packageDir string) (string, error) {
	if err := validateSegment("asset id", assetID); err != nil {
		return "", faults.New(faults.KindInternal, err)
	}
	if len(outputs) == 0 {
		return "", faults.Newf(faults.KindInternal, "nothing to publish for asset %s", assetID)
	}

	var segments, playlists []upload
	for _, out := range outputs {
		label := out.Variant.Label
		if err := validateSegment("variant label", label); err != nil {
			return "", faults.New(faults.KindInternal, err)
		}
		for _, segment := range out.SegmentPaths {
			segments = append(segments, upload{
				key:  ObjectKey(assetID, label, filepath.Base(segment)),
				file: segment,
				kind: "segment",
			})
		}
		playlists = append(playlists, upload{
			key:  ObjectKey(assetID, label, hls.PlaylistName),
			file: out.PlaylistPath,
			kind: "playlist",
		})
	}

	masterPath := filepath.Join(packageDir, hls.MasterName)
	if err := os.WriteFile(masterPath, master.Data, 0o644); err != nil {
		return "", faults.New(faults.KindResource, fmt.Errorf("write master manifest: %w", err))
	}

	logger := logging.FromContext(ctx, p.logger).With("asset_id", assetID)
	started := time.Now()
	if err := p.uploadAll(ctx, segments); err != nil {
		return "", err
	}
	if err := p.uploadAll(ctx, playlists); err != nil {
		return "", err
	}
	object, err := p.uploadOne(ctx, upload{key: MasterKey(assetID), file: masterPath, kind: "master"})
	if err != nil {
		return "", err
	}

	logger.Info("package published",
		"segments", len(segments),
		"variants", len(playlists),
		"manifest_url", object.URL,
		"duration", time.Since(started),
	)
	return object.URL, nil
}

func (p *Publisher) uploadAll(ctx context.Context, uploads []upload) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for _, u := range uploads {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			_, err := p.uploadOne(groupCtx, u)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return faults.New(faults.KindCancelled, err)
	}
	return nil
}

func (p *Publisher) uploadOne(ctx context.Context, u upload) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return storage.Object{}, faults.New(faults.KindCancelled, err)
	}
	file, err := os.Open(u.file)
	if err != nil {
		return storage.Object{}, faults.New(faults.KindPublishFailed, fmt.Errorf("open %s: %w", u.file, err))
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return storage.Object{}, faults.New(faults.KindPublishFailed, fmt.Errorf("stat %s: %w", u.file, err))
	}

	uploadCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	object, err := p.store.Put(uploadCtx, u.key, file, info.Size(), ContentType(u.key))
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return storage.Object{}, faults.New(faults.KindCancelled, ctx.Err())
		}
		p.metrics.ObservePublishFailure()
		return storage.Object{}, faults.New(faults.KindPublishFailed, fmt.Errorf("upload %s: %w", u.key, err))
	}
	p.metrics.ObservePublish(u.kind, info.Size())
	return object, nil
}

func validateSegment(name, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return fmt.Errorf("%s is empty", name)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("%s %q must not contain path separators", name, value)
	case value == "." || value == "..":
		return fmt.Errorf("%s %q is not a valid key segment", name, value)
	}
	return nil
}
