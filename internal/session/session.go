// ============================================================================
// bidspm-batch Session - Process-Wide Batch Context
// ============================================================================
//
// Package: internal/session
// File: session.go
// Purpose: Own everything that lives exactly as long as one batch: its id and
//          log directory, the logger, the workspace manager, the journal, the
//          metrics collector and the optional history store.
//
// Init:
//   1. batch id (uuid) and <log_dir>/<utc-time>-<id8>/
//   2. logger -> console + <batch dir>/batch.log
//   3. workspace manager, then one sweep of stale workspaces
//   4. journal <batch dir>/journal.jsonl
//   5. metrics collector (+ /metrics server when metrics.port > 0)
//   6. history store (when history.path is set)
//   Any failure unwinds what was already opened.
//
// Teardown:
//   journal end record -> final sweep -> summary.json + latest pointer
//   -> metrics textfile -> history row -> close everything.
//   Every step runs even if an earlier one failed; errors are joined.
//
// Nothing in here is a package-level singleton, so tests can run several
// sessions side by side.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/internal/history"
	"github.com/ChuLiYu/bidspm-batch/internal/journal"
	"github.com/ChuLiYu/bidspm-batch/internal/metrics"
	"github.com/ChuLiYu/bidspm-batch/internal/summary"
	"github.com/ChuLiYu/bidspm-batch/internal/workspace"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const (
	// LogFileName is the batch log inside the batch directory.
	LogFileName = "batch.log"
	// JournalFileName is the journal inside the batch directory.
	JournalFileName = "journal.jsonl"

	dirTimeLayout = "20060102T150405"
)

// Session is the context object of one batch.
type Session struct {
	Config     *config.Config
	BatchID    string
	Dir        string // <log_dir>/<batch>
	StartedAt  time.Time
	Logger     *slog.Logger
	Workspaces *workspace.Manager
	Journal    *journal.Journal
	Metrics    *metrics.Collector
	History    *history.Store // nil when history is disabled
	MetricsURL string         // set when the /metrics server runs

	logFile    *os.File
	stopServer context.CancelFunc
	once       sync.Once
}

// Init opens a new session for cfg. console receives the log alongside the
// batch log file; nil means stderr.
func Init(ctx context.Context, cfg *config.Config, console io.Writer) (_ *Session, err error) {
	if console == nil {
		console = os.Stderr
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	s := &Session{
		Config:    cfg,
		BatchID:   id,
		Dir:       filepath.Join(cfg.Log.Dir, now.Format(dirTimeLayout)+"-"+id[:8]),
		StartedAt: now,
	}
	defer func() {
		if err != nil {
			s.abort()
		}
	}()

	if err = os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create batch log dir: %v", types.ErrResource, err)
	}
	s.logFile, err = os.OpenFile(filepath.Join(s.Dir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open batch log: %v", types.ErrResource, err)
	}
	s.Logger, err = NewLogger(io.MultiWriter(console, s.logFile), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	s.Logger = s.Logger.With("batch", id[:8])

	s.Workspaces, err = workspace.NewManager(cfg.Workspace.Root, s.Logger)
	if err != nil {
		return nil, err
	}
	s.Metrics = metrics.NewCollector()
	if err = s.sweep(); err != nil {
		return nil, err
	}

	s.Journal, err = journal.Open(filepath.Join(s.Dir, JournalFileName), id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrResource, err)
	}

	if cfg.Metrics.Port > 0 {
		srvCtx, cancel := context.WithCancel(ctx)
		s.stopServer = cancel
		addr, serr := s.Metrics.StartServer(srvCtx, cfg.Metrics.Port, s.Logger)
		if serr != nil {
			return nil, serr
		}
		s.MetricsURL = "http://" + addr + "/metrics"
	}

	if cfg.History.Path != "" {
		if err = os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create history dir: %v", types.ErrResource, err)
		}
		s.History, err = history.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
	}

	s.Logger.Info("Session started",
		"batch_id", id,
		"dir", s.Dir,
		"workspace_root", cfg.Workspace.Root,
		"runtime", cfg.Container.Runtime)
	return s, nil
}

// Teardown finishes the batch: it closes the journal, sweeps, writes the
// summary, exports metrics, records history and releases every handle.
// result may be nil when the batch failed before enumeration. Teardown runs
// once; later calls return nil.
func (s *Session) Teardown(ctx context.Context, result *types.BatchResult, runErr error) error {
	var errs []error
	s.once.Do(func() {
		if result == nil {
			result = &types.BatchResult{BatchID: s.BatchID, StartedAt: s.StartedAt}
		}
		if result.FinishedAt.IsZero() {
			result.FinishedAt = time.Now().UTC()
		}

		if err := s.Journal.Finish(); err != nil {
			errs = append(errs, fmt.Errorf("journal end: %w", err))
		}
		if err := s.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}

		if err := s.sweep(); err != nil {
			errs = append(errs, err)
		}

		sum := summary.FromResult(result, runErr)
		sum.Cancelled = errors.Is(runErr, context.Canceled)
		sum.Journal = s.Journal.Path()
		if err := summary.NewManager(s.Dir).Write(sum); err != nil {
			errs = append(errs, err)
		} else if err := summary.MarkLatest(s.Config.Log.Dir, s.Dir); err != nil {
			errs = append(errs, err)
		}

		s.Metrics.RecordBatch(result)
		if path := s.Config.Metrics.Textfile; path != "" {
			if err := s.Metrics.WriteTextfile(path); err != nil {
				errs = append(errs, err)
			}
		}

		if s.History != nil {
			if err := s.History.RecordBatch(ctx, result, runErr, s.Dir); err != nil {
				errs = append(errs, err)
			}
		}

		counts := result.Counts()
		s.Logger.Info("Batch finished",
			"succeeded", counts[types.ClassSucceeded],
			"skipped", counts[types.ClassSkipped],
			"failed", counts[types.ClassFailed],
			"duration", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond),
			"summary", filepath.Join(s.Dir, summary.FileName))
		for _, f := range result.Failed() {
			attrs := []any{"unit", f.Unit.Key(), "kind", f.Kind, "exit_code", f.ExitCode, "log", f.LogPath}
			if f.WorkspacePath != "" {
				attrs = append(attrs, "workspace", f.WorkspacePath)
			}
			s.Logger.Warn("Unit failed", attrs...)
		}

		errs = append(errs, s.abort())
	})
	return errors.Join(errs...)
}

// sweep removes workspaces older than the retention window and counts them.
func (s *Session) sweep() error {
	removed, err := s.Workspaces.Sweep(s.Config.Workspace.Retention)
	s.Metrics.RecordSwept(len(removed))
	if err != nil {
		return fmt.Errorf("sweep workspaces: %w", err)
	}
	if len(removed) > 0 {
		s.Logger.Info("Swept stale workspaces", "count", len(removed))
	}
	return nil
}

// abort releases whatever Init managed to open.
func (s *Session) abort() error {
	var errs []error
	if s.stopServer != nil {
		s.stopServer()
	}
	if s.History != nil {
		errs = append(errs, s.History.Close())
	}
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.logFile != nil {
		errs = append(errs, s.logFile.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the batch logger: text or JSON handler at level.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, types.ConfigErrorf("log level %q: %v", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, types.ConfigErrorf("log format %q is not one of text, json", format)
}
