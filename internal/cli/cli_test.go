package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/internal/container"
	"github.com/ChuLiYu/bidspm-batch/internal/history"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

type fakeExec struct {
	exitCode int
}

func (f fakeExec) Execute(_ context.Context, _ []string, out io.Writer) (container.ExecResult, error) {
	io.WriteString(out, "bidspm done\n")
	return container.ExecResult{ExitCode: f.exitCode}, nil
}

// writeStudy lays out a work dir with two subjects in the target space and
// returns the path of its config file.
func writeStudy(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"01", "02"} {
		fdir := filepath.Join(dir, "derivatives", "fmriprep", "sub-"+sub, "func")
		require.NoError(t, os.MkdirAll(fdir, 0o755))
		name := "sub-" + sub + "_task-rest_space-MNI152NLin6Asym_desc-preproc_bold.nii.gz"
		require.NoError(t, os.WriteFile(filepath.Join(fdir, name), nil, 0o644))
	}
	cfg := "work_dir: " + dir + `
space: MNI152NLin6Asym
fwhm: 6
tasks: [rest]
actions: [smooth]
container:
  runtime: docker
  docker_image: bids/bidspm:4.0.0
history:
  path: state/history.db
` + extra
	path := filepath.Join(dir, "bidspm-batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "bidspm-batch", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Use] = true
	}
	for _, want := range []string{"run", "plan", "validate", "sweep", "status", "history"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	for _, flag := range []string{"pilot", "workers", "fail-fast", "skip-preflight"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "missing --%s", flag)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeStudy(t, "")
	cfg, err := loadConfig(path, &runOptions{pilot: true, workers: 3, failFast: true})
	require.NoError(t, err)
	assert.True(t, cfg.Pilot)
	assert.Equal(t, 3, cfg.Execution.Workers)
	assert.True(t, cfg.Execution.FailFast)

	cfg, err = loadConfig(path, nil)
	require.NoError(t, err)
	assert.False(t, cfg.Pilot)
	assert.Equal(t, config.DefaultWorkers, cfg.Execution.Workers)
}

func TestNewExecutorStopsDockerContainers(t *testing.T) {
	cfg, err := loadConfig(writeStudy(t, ""), nil)
	require.NoError(t, err)
	exec, closeExec := newExecutor(cfg, io.Discard)
	defer closeExec()
	assert.NotNil(t, exec.Stopper, "docker runs need a daemon-side stop")

	cfg.Container.Runtime = "apptainer"
	exec, closeExec = newExecutor(cfg, io.Discard)
	defer closeExec()
	assert.Nil(t, exec.Stopper)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(ErrUnitsFailed))
	assert.Equal(t, 2, ExitCode(types.ConfigErrorf("bad")))
	assert.Equal(t, 3, ExitCode(types.ValidationErrorf("bad")))
	assert.Equal(t, 4, ExitCode(types.ResourceErrorf("bad")))
	assert.Equal(t, 130, ExitCode(errors.Join(ErrUnitsFailed, context.Canceled)))
}

func TestRunBatchThenStatusAndHistory(t *testing.T) {
	path := writeStudy(t, "")
	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runBatch(context.Background(), cfg, fakeExec{}, true, io.Discard, &out))
	assert.Contains(t, out.String(), "Succeeded: 2")

	out.Reset()
	require.NoError(t, showStatus(&out, cfg))
	assert.Contains(t, out.String(), "Status:    ok")
	assert.Contains(t, out.String(), "Succeeded: 2")

	store, err := history.Open(cfg.History.Path)
	require.NoError(t, err)
	defer store.Close()
	out.Reset()
	require.NoError(t, showHistory(context.Background(), &out, store, 10, false))
	assert.Contains(t, out.String(), "SUCCEEDED")
	assert.Contains(t, out.String(), "true")
}

func TestRunBatchReportsFailedUnits(t *testing.T) {
	path := writeStudy(t, "")
	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	err = runBatch(context.Background(), cfg, fakeExec{exitCode: 1}, true, io.Discard, &out)
	assert.ErrorIs(t, err, ErrUnitsFailed)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, out.String(), "Failed units:")
	assert.Contains(t, out.String(), "sub-01_task-rest_smooth")

	out.Reset()
	require.NoError(t, showStatus(&out, cfg))
	assert.Contains(t, out.String(), "failed units")
}

func TestStatusWithoutBatch(t *testing.T) {
	cfg, err := loadConfig(writeStudy(t, ""), nil)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, showStatus(&out, cfg))
	assert.Contains(t, out.String(), "No batch has finished yet")
}

func TestPlanCommand(t *testing.T) {
	path := writeStudy(t, "")
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"plan", "-c", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Units:    2 (2 scheduled)")
	assert.Contains(t, out.String(), "docker run --rm")
	assert.Contains(t, out.String(), "--participant_label 02")
}

func TestValidateCommand(t *testing.T) {
	path := writeStudy(t, "subjects: [\"01\", \"03\"]\n")
	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, validate(&out, cfg, false))
	assert.Contains(t, out.String(), "task-rest space-MNI152NLin6Asym: missing subjects")
	assert.Contains(t, out.String(), "sub-03: "+types.ReasonSubjectNotFound)
}

func TestSweepCommand(t *testing.T) {
	path := writeStudy(t, "")
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep", "-c", path, "--retention", "1h"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "0 workspace(s) older than 1h0m0s removed")
}
