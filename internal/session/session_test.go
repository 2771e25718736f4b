package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/internal/journal"
	"github.com/ChuLiYu/bidspm-batch/internal/summary"
	"github.com/ChuLiYu/bidspm-batch/internal/workspace"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		WorkDir: t.TempDir(),
		Space:   "MNI152NLin6Asym",
		Tasks:   []string{"rest"},
		Actions: []types.Action{types.ActionSmooth},
	}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

func TestInitAndTeardown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Textfile = filepath.Join(cfg.WorkDir, "bidspm.prom")
	cfg.History.Path = filepath.Join(cfg.WorkDir, "state", "history.db")
	var console bytes.Buffer

	s, err := Init(context.Background(), cfg, &console)
	require.NoError(t, err)
	assert.DirExists(t, s.Dir)
	assert.Equal(t, cfg.Log.Dir, filepath.Dir(s.Dir))
	assert.Contains(t, filepath.Base(s.Dir), s.BatchID[:8])
	assert.NotNil(t, s.History)

	result := &types.BatchResult{BatchID: s.BatchID, StartedAt: s.StartedAt}
	r := types.UnitResult{
		Unit:           types.RunUnit{Subject: "01", Task: "rest", Action: types.ActionSmooth},
		Classification: types.ClassSucceeded,
	}
	result.Append(r)
	require.NoError(t, s.Journal.Start(1))
	require.NoError(t, s.Journal.Record(r))

	require.NoError(t, s.Teardown(context.Background(), result, nil))
	assert.NoError(t, s.Teardown(context.Background(), result, nil), "second teardown is a no-op")

	latest, err := summary.Latest(cfg.Log.Dir)
	require.NoError(t, err)
	sum, err := latest.Load()
	require.NoError(t, err)
	assert.Equal(t, s.BatchID, sum.BatchID)
	assert.True(t, sum.OK)
	assert.Equal(t, 1, sum.Counts[types.ClassSucceeded])

	replayed, err := journal.Load(filepath.Join(s.Dir, JournalFileName))
	require.NoError(t, err)
	assert.Equal(t, result.Units, replayed.Units)

	assert.FileExists(t, cfg.Metrics.Textfile)
	assert.FileExists(t, filepath.Join(s.Dir, LogFileName))
	logData, err := os.ReadFile(filepath.Join(s.Dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Batch finished")
	assert.Contains(t, console.String(), "Session started")
}

func TestTeardownRecordsCancellation(t *testing.T) {
	cfg := testConfig(t)
	s, err := Init(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	require.NoError(t, s.Teardown(context.Background(), nil, context.Canceled))

	sum, err := summary.NewManager(s.Dir).Load()
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)
	assert.False(t, sum.OK)
	assert.Equal(t, context.Canceled.Error(), sum.Error)
	assert.Equal(t, s.BatchID, sum.BatchID)
}

func TestInitSweepsStaleWorkspaces(t *testing.T) {
	cfg := testConfig(t)
	m, err := workspace.NewManager(cfg.Workspace.Root, nil)
	require.NoError(t, err)
	ws, err := m.Acquire("old-run")
	require.NoError(t, err)
	require.NoError(t, m.Release(ws, workspace.Failure))
	require.DirExists(t, ws.Path)

	cfg.Workspace.Retention = time.Nanosecond
	time.Sleep(time.Millisecond)

	s, err := Init(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	defer s.Teardown(context.Background(), nil, nil)
	assert.NoDirExists(t, ws.Path)
}

func TestInitFailsOnUnwritableLogDir(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.WorkDir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Log.Dir = filepath.Join(blocker, "logs")

	s, err := Init(context.Background(), cfg, &bytes.Buffer{})
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, types.ErrResource))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(&buf, "loud", "text")
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = NewLogger(&buf, "info", "xml")
	assert.ErrorIs(t, err, types.ErrConfig)
}
