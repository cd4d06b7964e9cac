package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vodforge/internal/models"
)

// MemoryRegistry keeps assets in memory for tests and local runs.
type MemoryRegistry struct {
	mu     sync.RWMutex
	assets map[string]models.Asset
	now    func() time.Time

	// FailWrites, when set, is returned by every state transition.
	FailWrites error
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		assets: make(map[string]models.Asset),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for timestamps.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryRegistry) MarkProcessing(ctx context.Context, assetID string) error {
	return r.transition(assetID, models.AssetStatusProcessing, nil)
}

func (r *MemoryRegistry) MarkCompleted(ctx context.Context, assetID, manifestURL string) error {
	if strings.TrimSpace(manifestURL) == "" {
		return fmt.Errorf("mark asset %s completed: manifest url is required", assetID)
	}
	url := manifestURL
	return r.transition(assetID, models.AssetStatusCompleted, &url)
}

func (r *MemoryRegistry) MarkFailed(ctx context.Context, assetID string) error {
	return r.transition(assetID, models.AssetStatusFailed, nil)
}

func (r *MemoryRegistry) transition(assetID string, status models.AssetStatus, manifestURL *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites != nil {
		return fmt.Errorf("update asset %s: %w", assetID, r.FailWrites)
	}
	asset, ok := r.assets[assetID]
	if !ok {
		return fmt.Errorf("update asset %s: %w", assetID, ErrAssetNotFound)
	}
	asset.Status = status
	asset.ManifestURL = manifestURL
	asset.UpdatedAt = r.now()
	r.assets[assetID] = asset
	return nil
}

func (r *MemoryRegistry) MarkQueued(ctx context.Context, assetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites != nil {
		return false, fmt.Errorf("stamp asset %s: %w", assetID, r.FailWrites)
	}
	asset, ok := r.assets[assetID]
	if !ok {
		return false, fmt.Errorf("stamp asset %s: %w", assetID, ErrAssetNotFound)
	}
	if asset.Status.Terminal() {
		return false, nil
	}
	asset.UpdatedAt = r.now()
	r.assets[assetID] = asset
	return true, nil
}

func (r *MemoryRegistry) GetAsset(ctx context.Context, assetID string) (models.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.assets[assetID]
	if !ok {
		return models.Asset{}, ErrAssetNotFound
	}
	return cloneAsset(asset), nil
}

func (r *MemoryRegistry) CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	if strings.TrimSpace(asset.ID) == "" {
		return models.Asset{}, fmt.Errorf("asset id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assets[asset.ID]; exists {
		return models.Asset{}, ErrAssetExists
	}
	if asset.Type == "" {
		asset.Type = models.AssetTypeVideo
	}
	now := r.now()
	asset.Status = models.AssetStatusPending
	asset.ManifestURL = nil
	asset.CreatedAt = now
	asset.UpdatedAt = now
	r.assets[asset.ID] = asset
	return cloneAsset(asset), nil
}

// Put stores an asset as-is, bypassing the state machine. Intended for test
// setup.
func (r *MemoryRegistry) Put(asset models.Asset) {
	r.mu.Lock()
	r.assets[asset.ID] = cloneAsset(asset)
	r.mu.Unlock()
}

func (r *MemoryRegistry) ListPendingVideos(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error) {
	return r.list(limit, func(a models.Asset) bool {
		return a.Status == models.AssetStatusPending &&
			a.Type == models.AssetTypeVideo &&
			a.ManifestURL == nil &&
			a.UpdatedAt.Before(olderThan)
	}), nil
}

func (r *MemoryRegistry) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.Asset, error) {
	return r.list(limit, func(a models.Asset) bool {
		return a.Status == models.AssetStatusProcessing && a.UpdatedAt.Before(olderThan)
	}), nil
}

func (r *MemoryRegistry) list(limit int, match func(models.Asset) bool) []models.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Asset
	for _, asset := range r.assets {
		if match(asset) {
			out = append(out, cloneAsset(asset))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneAsset(asset models.Asset) models.Asset {
	if asset.ManifestURL != nil {
		url := *asset.ManifestURL
		asset.ManifestURL = &url
	}
	return asset
}
