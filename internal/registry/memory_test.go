package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vodforge/internal/models"
)

func TestMemoryRegistryTransitionsKeepManifestConsistent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	if _, err := reg.CreateAsset(ctx, models.Asset{ID: "42", SourceURL: "raw/42/input.mp4"}); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	steps := []struct {
		apply  func() error
		status models.AssetStatus
	}{
		{func() error { return reg.MarkProcessing(ctx, "42") }, models.AssetStatusProcessing},
		{func() error { return reg.MarkCompleted(ctx, "42", "https://cdn/hls/video/42/master.m3u8") }, models.AssetStatusCompleted},
		{func() error { return reg.MarkProcessing(ctx, "42") }, models.AssetStatusProcessing},
		{func() error { return reg.MarkFailed(ctx, "42") }, models.AssetStatusFailed},
	}
	for _, step := range steps {
		if err := step.apply(); err != nil {
			t.Fatalf("transition to %s: %v", step.status, err)
		}
		asset, err := reg.GetAsset(ctx, "42")
		if err != nil {
			t.Fatalf("GetAsset: %v", err)
		}
		if asset.Status != step.status {
			t.Fatalf("expected %s, got %s", step.status, asset.Status)
		}
		if !asset.Consistent() {
			t.Fatalf("asset inconsistent after %s: %+v", step.status, asset)
		}
	}
}

func TestMemoryRegistryRejectsEmptyManifestAndUnknownAssets(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	if _, err := reg.CreateAsset(ctx, models.Asset{ID: "1"}); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if err := reg.MarkCompleted(ctx, "1", " "); err == nil {
		t.Fatal("expected error for empty manifest url")
	}
	if err := reg.MarkFailed(ctx, "missing"); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := reg.CreateAsset(ctx, models.Asset{ID: "1"}); !errors.Is(err, ErrAssetExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestMemoryRegistryReadersNeverSeeHalfCompletedAsset(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	if _, err := reg.CreateAsset(ctx, models.Asset{ID: "a"}); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = reg.MarkProcessing(ctx, "a")
			_ = reg.MarkCompleted(ctx, "a", "https://cdn/master.m3u8")
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		asset, err := reg.GetAsset(ctx, "a")
		if err != nil {
			t.Fatalf("GetAsset: %v", err)
		}
		if !asset.Consistent() {
			t.Fatalf("observed inconsistent asset %+v", asset)
		}
	}
}

func TestMemoryRegistryListsSweepCandidates(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	url := "https://cdn/master.m3u8"

	reg.Put(models.Asset{ID: "pending-old", Type: models.AssetTypeVideo, Status: models.AssetStatusPending, UpdatedAt: base})
	reg.Put(models.Asset{ID: "pending-new", Type: models.AssetTypeVideo, Status: models.AssetStatusPending, UpdatedAt: base.Add(2 * time.Hour)})
	reg.Put(models.Asset{ID: "pending-image", Type: models.AssetTypeImage, Status: models.AssetStatusPending, UpdatedAt: base})
	reg.Put(models.Asset{ID: "processing-old", Type: models.AssetTypeVideo, Status: models.AssetStatusProcessing, UpdatedAt: base})
	reg.Put(models.Asset{ID: "completed", Type: models.AssetTypeVideo, Status: models.AssetStatusCompleted, ManifestURL: &url, UpdatedAt: base})

	cutoff := base.Add(time.Hour)
	pending, err := reg.ListPendingVideos(ctx, cutoff, 0)
	if err != nil {
		t.Fatalf("ListPendingVideos: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "pending-old" {
		t.Fatalf("unexpected pending list %+v", pending)
	}

	stale, err := reg.ListStaleProcessing(ctx, cutoff, 0)
	if err != nil {
		t.Fatalf("ListStaleProcessing: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "processing-old" {
		t.Fatalf("unexpected stale list %+v", stale)
	}
}

func TestMemoryRegistryMarkQueuedStampsOnlyOpenAssets(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stampedAt := base.Add(3 * time.Hour)
	reg.SetClock(func() time.Time { return stampedAt })

	reg.Put(models.Asset{ID: "pending", Type: models.AssetTypeVideo, Status: models.AssetStatusPending, UpdatedAt: base})
	reg.Put(models.Asset{ID: "failed", Type: models.AssetTypeVideo, Status: models.AssetStatusFailed, UpdatedAt: base})

	queued, err := reg.MarkQueued(ctx, "pending")
	if err != nil || !queued {
		t.Fatalf("MarkQueued(pending) = %v, %v", queued, err)
	}
	asset, _ := reg.GetAsset(ctx, "pending")
	if asset.Status != models.AssetStatusPending || !asset.UpdatedAt.Equal(stampedAt) {
		t.Fatalf("unexpected stamped asset %+v", asset)
	}
	if pending, _ := reg.ListPendingVideos(ctx, base.Add(time.Hour), 0); len(pending) != 0 {
		t.Fatalf("stamped asset must leave the sweep window, got %+v", pending)
	}

	queued, err = reg.MarkQueued(ctx, "failed")
	if err != nil || queued {
		t.Fatalf("MarkQueued(failed) = %v, %v", queued, err)
	}
	asset, _ = reg.GetAsset(ctx, "failed")
	if !asset.UpdatedAt.Equal(base) {
		t.Fatalf("failed asset must not be stamped, got %+v", asset)
	}

	if _, err := reg.MarkQueued(ctx, "missing"); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
