package workspace

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// CleanStaleResult contains the outcome of a stale workspace sweep.
type CleanStaleResult struct {
	Removed []string
	Skipped []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes workspaces older than maxAge that no live job holds.
// A workspace whose lock is held is skipped regardless of age.
func (m *Manager) CleanStale(ctx context.Context, maxAge time.Duration) CleanStaleResult {
	result := CleanStaleResult{}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: m.root, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() {
			continue
		}
		dirPath := filepath.Join(m.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		lock := flock.New(dirPath + lockSuffix)
		locked, err := lock.TryLock()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !locked {
			result.Skipped = append(result.Skipped, dirPath)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			m.logger.Warn("failed to remove stale workspace", "path", dirPath, "error", err)
		} else {
			result.Removed = append(result.Removed, dirPath)
			m.logger.Info("removed stale workspace", "path", dirPath, "age", time.Since(info.ModTime()).Round(time.Second))
		}
		m.unlock(lock)
	}

	m.metrics.WorkspaceReaped(len(result.Removed))
	return result
}
