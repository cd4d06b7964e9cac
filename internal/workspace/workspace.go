// Package workspace allocates the job-scoped directory tree a transcode
// attempt works in and guarantees it is removed afterwards.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"vodforge/internal/faults"
	"vodforge/internal/observability/metrics"
)

const (
	inputDir    = "input"
	variantsDir = "variants"
	packageDir  = "package"
	lockSuffix  = ".lock"
)

// Workspace is the directory tree owned by one job attempt.
type Workspace struct {
	Name     string
	Root     string
	Input    string
	Variants string
	Package  string

	lock     *flock.Flock
	released atomic.Bool
}

// VariantDir is where the encoder writes one variant's playlist and segments.
func (w *Workspace) VariantDir(label string) string {
	return filepath.Join(w.Variants, SanitizeName(label))
}

// Released reports whether Release already ran for this workspace.
func (w *Workspace) Released() bool {
	return w.released.Load()
}

// Config controls a Manager.
type Config struct {
	Root    string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Manager creates and removes workspaces under a single root directory.
type Manager struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewManager validates the root directory and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Manager{root: abs, logger: logger, metrics: recorder}, nil
}

// Root returns the absolute directory workspaces are created in.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates the workspace for jobID. An existing directory for the same
// name is a collision and fails with a resource error, as does an unwritable
// root.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	name := SanitizeName(jobID)
	if name == "" {
		return nil, faults.Newf(faults.KindResource, "workspace name is empty for job %q", jobID)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, faults.New(faults.KindResource, fmt.Errorf("create workspace root: %w", err))
	}

	lock := flock.New(filepath.Join(m.root, name+lockSuffix))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, faults.New(faults.KindResource, fmt.Errorf("lock workspace %s: %w", name, err))
	}
	if !locked {
		return nil, faults.Newf(faults.KindResource, "workspace %s is held by another job", name)
	}

	root := filepath.Join(m.root, name)
	if err := os.Mkdir(root, 0o755); err != nil {
		m.unlock(lock)
		if errors.Is(err, os.ErrExist) {
			return nil, faults.Newf(faults.KindResource, "workspace %s already exists", name)
		}
		return nil, faults.New(faults.KindResource, fmt.Errorf("create workspace: %w", err))
	}

	ws := &Workspace{
		Name:     name,
		Root:     root,
		Input:    filepath.Join(root, inputDir),
		Variants: filepath.Join(root, variantsDir),
		Package:  filepath.Join(root, packageDir),
		lock:     lock,
	}
	for _, dir := range []string{ws.Input, ws.Variants, ws.Package} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			m.unlock(lock)
			return nil, faults.New(faults.KindResource, fmt.Errorf("create %s: %w", dir, err))
		}
	}

	m.metrics.WorkspaceAcquired()
	m.logger.Debug("workspace acquired", "workspace", ws.Root)
	return ws, nil
}

// Release removes the workspace tree and drops its lock. Failures are logged
// and never returned. Releasing the same workspace twice is a no-op that is
// logged and counted.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	if !ws.released.CompareAndSwap(false, true) {
		m.metrics.WorkspaceDoubleRelease()
		m.logger.Warn("workspace released twice", "workspace", ws.Root)
		return
	}

	removeErr := os.RemoveAll(ws.Root)
	if removeErr != nil {
		m.logger.Warn("failed to remove workspace", "workspace", ws.Root, "error", removeErr)
	}
	m.unlock(ws.lock)
	m.metrics.WorkspaceReleased(removeErr != nil)
	if removeErr == nil {
		m.logger.Debug("workspace released", "workspace", ws.Root)
	}
}

func (m *Manager) unlock(lock *flock.Flock) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		m.logger.Warn("failed to unlock workspace", "lock", lock.Path(), "error", err)
	}
	if err := os.Remove(lock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("failed to remove workspace lock file", "lock", lock.Path(), "error", err)
	}
}

// SanitizeName keeps ASCII letters, digits, dash and underscore, mapping
// spaces to dashes and dropping everything else.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}
