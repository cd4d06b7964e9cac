// Package registry persists asset processing state. Every state transition is
// a single atomic write, so the manifest URL is never observable out of step
// with the status.
package registry

import (
	"context"
	"errors"
	"time"

	"vodforge/internal/models"
)

var (
	// ErrAssetNotFound is returned when no asset has the requested id.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrAssetExists is returned by CreateAsset for a duplicate id.
	ErrAssetExists = errors.New("asset already exists")
)

// Tracker is the write side used by the pipeline.
type Tracker interface {
	MarkProcessing(ctx context.Context, assetID string) error
	MarkCompleted(ctx context.Context, assetID, manifestURL string) error
	MarkFailed(ctx context.Context, assetID string) error
}

// Registry adds the reads used by the pipeline, the sweep, and the CLI.
type Registry interface {
	Tracker
	GetAsset(ctx context.Context, assetID string) (models.Asset, error)
	CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error)
	// ListPendingVideos returns pending video assets without a manifest that
	// have not been touched since olderThan.
	ListPendingVideos(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error)
	// ListStaleProcessing returns assets stuck in processing since olderThan.
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error)
	// MarkQueued stamps updated_at on a non-terminal asset so the sweep does
	// not list it again until its grace period has passed. It reports false,
	// without error, when the asset is already completed or failed.
	MarkQueued(ctx context.Context, assetID string) (bool, error)
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
