package summary

// ============================================================================
// Responsibilities:
// 1. Serialize the final BatchResult of a batch into summary.json
// 2. Write atomically (temp file + rename) so readers never see half a file
// 3. Verify the schema version on load
// 4. Maintain <log_dir>/latest, naming the most recent batch directory
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const (
	// SchemaVersion is bumped on incompatible changes to Summary.
	SchemaVersion = 1
	// FileName is the summary file inside a batch directory.
	FileName = "summary.json"
	// LatestName is the pointer file inside the log directory.
	LatestName = "latest"
)

var (
	ErrCorruptedSummary    = errors.New("summary file is corrupted")
	ErrIncompatibleVersion = errors.New("summary schema version is incompatible")
	ErrSummaryNotFound     = errors.New("summary file not found")
)

// Summary is the on-disk batch summary.
type Summary struct {
	SchemaVer  int                          `json:"schema_version"`
	BatchID    string                       `json:"batch_id"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
	OK         bool                         `json:"ok"`
	Cancelled  bool                         `json:"cancelled,omitempty"`
	Error      string                       `json:"error,omitempty"` // batch-scope error, if any
	Counts     map[types.Classification]int `json:"counts"`
	Journal    string                       `json:"journal,omitempty"`
	Result     *types.BatchResult           `json:"result"`
}

// FromResult builds a Summary for result. runErr is the error Run returned.
func FromResult(result *types.BatchResult, runErr error) Summary {
	s := Summary{
		SchemaVer:  SchemaVersion,
		BatchID:    result.BatchID,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		OK:         result.OK() && runErr == nil,
		Counts:     result.Counts(),
		Result:     result,
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	return s
}

// Manager reads and writes the summary of one batch directory.
type Manager struct {
	dir string
	mu  sync.Mutex
}

// NewManager returns a Manager for the batch directory dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// GetPath returns the summary file path.
func (m *Manager) GetPath() string {
	return filepath.Join(m.dir, FileName)
}

// Write stores s atomically.
func (m *Manager) Write(s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SchemaVer = SchemaVersion
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return writeAtomic(m.GetPath(), data)
}

// Load reads the summary, checking its schema version.
func (m *Manager) Load() (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	data, err := os.ReadFile(m.GetPath())
	if err != nil {
		if os.IsNotExist(err) {
			return s, fmt.Errorf("%w: %s", ErrSummaryNotFound, m.GetPath())
		}
		return s, fmt.Errorf("failed to read summary: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorruptedSummary, err)
	}
	if s.SchemaVer != SchemaVersion {
		return s, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, SchemaVersion)
	}
	if s.Result == nil {
		s.Result = &types.BatchResult{BatchID: s.BatchID}
	}
	return s, nil
}

// Exists reports whether the summary file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetPath())
	return err == nil
}

// MarkLatest records batchDir (a direct child of logDir) as the most recent
// batch.
func MarkLatest(logDir, batchDir string) error {
	rel, err := filepath.Rel(logDir, batchDir)
	if err != nil || strings.HasPrefix(rel, "..") || strings.ContainsAny(rel, `/\`) {
		return fmt.Errorf("batch directory %s is not under %s", batchDir, logDir)
	}
	return writeAtomic(filepath.Join(logDir, LatestName), []byte(rel+"\n"))
}

// Latest returns the Manager of the most recent batch under logDir.
func Latest(logDir string) (*Manager, error) {
	data, err := os.ReadFile(filepath.Join(logDir, LatestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no batch recorded in %s", ErrSummaryNotFound, logDir)
		}
		return nil, err
	}
	name := strings.TrimSpace(string(data))
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return nil, fmt.Errorf("%w: bad latest pointer %q", ErrCorruptedSummary, name)
	}
	return NewManager(filepath.Join(logDir, name)), nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
