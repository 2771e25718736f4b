package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bidspm-batch/internal/container"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const validYAML = `
work_dir: /data/study
bids_dir: rawdata
space: MNI152NLin6Asym
fwhm: 6
tasks: [rest, faces]
subjects: ["01", "02"]
actions: [smooth, stats, dataset]
models_file: model-default_smdl.json
container:
  runtime: apptainer
  apptainer_image: /images/bidspm.sif
workspace:
  retention: 12h
execution:
  timeout: 30m
  workers: 2
  fail_fast: true
log:
  level: debug
  format: json
metrics:
  textfile: metrics/bidspm.prom
history:
  path: history.db
`

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/study", cfg.WorkDir)
	assert.Equal(t, "/data/study/rawdata", cfg.BIDSDir)
	assert.Equal(t, "/data/study/derivatives/fmriprep", cfg.PreprocDir)
	assert.Equal(t, "/data/study/derivatives", cfg.OutputDir)
	assert.Equal(t, "/data/study/derivatives/models/model-default_smdl.json", cfg.ModelsFile)
	assert.Equal(t, []string{"rest", "faces"}, cfg.Tasks)
	assert.Equal(t, []types.Action{types.ActionSmooth, types.ActionStats, types.ActionDataset}, cfg.Actions)
	assert.Equal(t, 6.0, cfg.FWHM)

	assert.Equal(t, container.RuntimeApptainer, cfg.Runtime())
	assert.Equal(t, "apptainer", cfg.Binary())
	assert.Equal(t, container.Target{Runtime: container.RuntimeApptainer, Binary: "apptainer", Image: "/images/bidspm.sif"}, cfg.Target())
	assert.Equal(t, container.DefaultPathConfig(), cfg.Container.Paths)

	assert.Equal(t, "/data/study/tmp", cfg.Workspace.Root)
	assert.Equal(t, 12*time.Hour, cfg.Workspace.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Execution.Timeout)
	assert.Equal(t, 2, cfg.Execution.Workers)
	assert.True(t, cfg.Execution.FailFast)
	assert.Equal(t, DefaultFailureMarkers, cfg.Execution.FailureMarkers)
	assert.Equal(t, "/data/study/logs", cfg.Log.Dir)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/data/study/metrics/bidspm.prom", cfg.Metrics.Textfile)
	assert.Equal(t, "/data/study/history.db", cfg.History.Path)
	assert.True(t, cfg.HasAction(types.ActionDataset))
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
work_dir: /w
space: T1w
tasks: [rest]
actions: [smooth]
container:
  docker_image: bids/bidspm:v4
`))
	require.NoError(t, err)
	assert.Equal(t, container.RuntimeDocker, cfg.Runtime())
	assert.Equal(t, DefaultRetention, cfg.Workspace.Retention)
	assert.Equal(t, DefaultTimeout, cfg.Execution.Timeout)
	assert.Equal(t, DefaultWorkers, cfg.Execution.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"work_dir": "/w", "space": "T1w", "tasks": ["rest"], "actions": ["smooth"],
		"container": {"runtime": "docker", "docker_image": "bids/bidspm:v4"}}`))
	require.NoError(t, err)
	assert.Equal(t, "T1w", cfg.Space)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("work_dir: /w\nspcae: T1w\n"))
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestValidateAggregatesIssues(t *testing.T) {
	_, err := Parse([]byte(`
work_dir: /w
tasks: [rest, rest]
actions: [smooth, stats, warp]
container:
  runtime: podman
execution:
  abort_on_validation_miss: true
  skip_validation: true
log:
  level: loud
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)

	var issues *Issues
	require.ErrorAs(t, err, &issues)
	joined := issues.Error()
	assert.Contains(t, joined, "space is required")
	assert.Contains(t, joined, `task "rest" listed twice`)
	assert.Contains(t, joined, `unknown action "warp"`)
	assert.Contains(t, joined, "models_file is required")
	assert.Contains(t, joined, "bids_dir is required")
	assert.Contains(t, joined, "unsupported container runtime")
	assert.Contains(t, joined, "contradictory")
	assert.Contains(t, joined, "log.level")
}

func TestValidateMissingImage(t *testing.T) {
	_, err := Parse([]byte(`
work_dir: /w
space: T1w
tasks: [rest]
actions: [smooth]
container:
  runtime: apptainer
  docker_image: bids/bidspm:v4
`))
	assert.ErrorIs(t, err, types.ErrConfig)
	assert.Contains(t, err.Error(), "apptainer_image")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, types.ErrConfig)
}
