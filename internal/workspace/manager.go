// ============================================================================
// bidspm-batch Workspace - Run-Scoped Temp Directory Manager
// ============================================================================
//
// Package: internal/workspace
// File: manager.go
// Purpose: Give every RunUnit its own scratch directory, bound into the
//          container as HOME and TMPDIR, and bound the disk used by them.
//
// Lifecycle:
//   Acquire(runID)        -> run-<timestamp>-<token>/ + .workspace.json (active)
//   Release(ws, success)  -> directory removed
//   Release(ws, failure)  -> marker rewritten (failed), directory kept
//   Sweep(retention)      -> every run-* entry older than retention removed,
//                            whatever its status, unless its owner still
//                            holds it
//
// Naming:
//   run-20261019T101500.123456789-3f9a1c2e
//   The nanosecond timestamp orders entries; the uuid token keeps concurrent
//   acquisitions in the same nanosecond apart. os.Mkdir (not MkdirAll) fails
//   on an existing name, so a collision can never be silently shared.
//
// Concurrency:
//   Within a process, Acquire/Release hold the read side of an RW lock and
//   Sweep the write side. Across processes sharing the root the same split
//   is an flock on <root>/.lock (shared/exclusive). Each workspace also
//   carries .workspace.lock, held exclusively from Acquire until Release, and
//   Sweep never removes a workspace whose lock is held. A batch that runs
//   longer than the retention window is therefore safe from a concurrent
//   sweep, while a crashed owner's workspace becomes sweepable.
//
// ============================================================================

package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const (
	dirPrefix  = "run-"
	markerName = ".workspace.json"
	timeLayout = "20060102T150405.000000000"
)

// ErrStorageUnwritable marks a workspace root that cannot hold any workspace.
// It wraps types.ErrResource and is fatal for the whole batch.
var ErrStorageUnwritable = fmt.Errorf("%w: workspace root not writable", types.ErrResource)

// Outcome is the result passed to Release.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Manager allocates and reclaims workspaces under a single root.
type Manager struct {
	root   string
	logger *slog.Logger
	mu     sync.RWMutex
	now    func() time.Time

	heldMu sync.Mutex
	held   map[string]*os.File // workspace path -> open lock file
}

// NewManager creates root if needed and verifies it is writable.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnwritable, err)
	}
	m := &Manager{root: root, logger: logger, now: time.Now, held: make(map[string]*os.File)}
	if err := m.CheckWritable(); err != nil {
		return nil, err
	}
	return m, nil
}

// Root returns the parent directory of all workspaces.
func (m *Manager) Root() string {
	return m.root
}

// CheckWritable probes the root with a throwaway file.
func (m *Manager) CheckWritable() error {
	f, err := os.CreateTemp(m.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnwritable, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// Acquire creates a fresh workspace owned by runID.
func (m *Manager) Acquire(runID string) (*types.TempWorkspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rl, err := lockRoot(m.root, false)
	if err != nil {
		return nil, storageError(runID, err)
	}
	defer rl.Close()

	created := m.now()
	name := dirPrefix + created.UTC().Format(timeLayout) + "-" + uuid.NewString()[:8]
	path := filepath.Join(m.root, name)

	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, storageError(runID, err)
	}
	lock, err := holdWorkspace(path)
	if err != nil {
		os.RemoveAll(path)
		return nil, types.ResourceErrorf("lock workspace for %s: %v", runID, err)
	}

	ws := &types.TempWorkspace{
		Path:      path,
		CreatedAt: created,
		RunID:     runID,
		Status:    types.WorkspaceActive,
	}
	if err := writeMarker(ws); err != nil {
		os.RemoveAll(path)
		lock.Close()
		return nil, types.ResourceErrorf("write workspace marker for %s: %v", runID, err)
	}

	m.heldMu.Lock()
	m.held[path] = lock
	m.heldMu.Unlock()

	m.logger.Debug("Workspace acquired", "run_id", runID, "path", path)
	return ws, nil
}

// Release finishes a workspace: removed on Success, kept and marked failed on
// Failure so the run can be inspected.
func (m *Manager) Release(ws *types.TempWorkspace, outcome Outcome) error {
	if ws == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rl, err := lockRoot(m.root, false); err == nil {
		defer rl.Close()
	}
	// Dropped last, after the directory is gone or its marker is final.
	defer m.unhold(ws.Path)

	if outcome == Success {
		ws.Status = types.WorkspaceCompleted
		if err := os.RemoveAll(ws.Path); err != nil {
			return types.ResourceErrorf("remove workspace %s: %v", ws.Path, err)
		}
		m.logger.Debug("Workspace removed", "run_id", ws.RunID, "path", ws.Path)
		return nil
	}

	ws.Status = types.WorkspaceFailed
	if err := writeMarker(ws); err != nil {
		m.logger.Warn("Failed to update workspace marker", "path", ws.Path, "error", err)
	}
	m.logger.Warn("Workspace preserved for inspection", "run_id", ws.RunID, "path", ws.Path)
	return nil
}

// Sweep deletes every workspace older than retention regardless of status and
// returns the removed paths. Entries not created by Acquire are left alone, as
// are workspaces an owner in this or another process still holds.
func (m *Manager) Sweep(retention time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, err := lockRoot(m.root, true)
	if err != nil {
		return nil, types.ResourceErrorf("lock workspace root: %v", err)
	}
	defer rl.Close()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, types.ResourceErrorf("read workspace root: %v", err)
	}

	cutoff := m.now().Add(-retention)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		created, ok := createdAt(path, e)
		if !ok || !created.Before(cutoff) {
			continue
		}
		lock, busy, err := tryWorkspace(path)
		if err != nil {
			m.logger.Warn("Failed to check stale workspace", "path", path, "error", err)
			continue
		}
		if busy {
			m.logger.Debug("Stale workspace still in use", "path", path, "created_at", created)
			continue
		}
		err = os.RemoveAll(path)
		if lock != nil {
			lock.Close()
		}
		if err != nil {
			m.logger.Warn("Failed to remove stale workspace", "path", path, "error", err)
			continue
		}
		removed = append(removed, path)
	}

	if len(removed) > 0 {
		m.logger.Info("Swept stale workspaces", "removed", len(removed), "retention", retention)
	}
	return removed, nil
}

func (m *Manager) unhold(path string) {
	m.heldMu.Lock()
	lock := m.held[path]
	delete(m.held, path)
	m.heldMu.Unlock()
	if lock != nil {
		lock.Close()
	}
}

func storageError(runID string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrStorageUnwritable, err)
	}
	return types.ResourceErrorf("create workspace for %s: %v", runID, err)
}

// List returns the workspaces currently on disk, oldest first.
func (m *Manager) List() ([]types.TempWorkspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, types.ResourceErrorf("read workspace root: %v", err)
	}
	var out []types.TempWorkspace
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		ws, err := readMarker(path)
		if err != nil {
			created, _ := createdAt(path, e)
			ws = &types.TempWorkspace{Path: path, CreatedAt: created}
		}
		ws.Path = path
		out = append(out, *ws)
	}
	return out, nil
}

// createdAt prefers the marker's timestamp, then the directory mtime.
func createdAt(path string, e fs.DirEntry) (time.Time, bool) {
	if ws, err := readMarker(path); err == nil && !ws.CreatedAt.IsZero() {
		return ws.CreatedAt, true
	}
	info, err := e.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func readMarker(dir string) (*types.TempWorkspace, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerName))
	if err != nil {
		return nil, err
	}
	var ws types.TempWorkspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// writeMarker replaces the marker atomically (temp file + rename).
func writeMarker(ws *types.TempWorkspace) error {
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(ws.Path, markerName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
