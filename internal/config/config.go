// ============================================================================
// bidspm-batch Config - Typed Batch Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the batch configuration once, apply defaults, validate, and
//          hand every downstream component a typed struct.
//
// Format: YAML (JSON documents are accepted, JSON being a YAML subset).
//
//   work_dir: /data/study
//   bids_dir: /data/study/rawdata
//   space: MNI152NLin6Asym
//   fwhm: 6
//   tasks: [rest, faces]
//   subjects: ["01", "02"]        # optional; discovered when omitted
//   actions: [smooth, stats, dataset]
//   models_file: model-default_smdl.json
//   container:
//     runtime: apptainer
//     apptainer_image: /images/bidspm.sif
//   workspace:
//     retention: 24h
//   execution:
//     timeout: 2h
//     workers: 1
//
// ============================================================================

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bidspm-batch/internal/container"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Defaults.
const (
	DefaultRetention = 24 * time.Hour
	DefaultTimeout   = 2 * time.Hour
	DefaultWorkers   = 1
	DefaultLogDir    = "logs"
	DefaultTempDir   = "tmp"
)

// DefaultFailureMarkers are line prefixes that mean the tool failed even when
// it exits 0: Octave error reports and MATLAB runtime errors.
var DefaultFailureMarkers = []string{"error:", "Error using"}

// Config is the complete batch configuration.
type Config struct {
	WorkDir    string         `yaml:"work_dir"`
	BIDSDir    string         `yaml:"bids_dir"`
	PreprocDir string         `yaml:"preproc_dir"` // upstream derivatives (fMRIPrep); default <work_dir>/derivatives/fmriprep
	OutputDir  string         `yaml:"output_dir"`  // default <work_dir>/derivatives
	ModelsFile string         `yaml:"models_file"` // relative to <work_dir>/derivatives/models unless absolute
	Space      string         `yaml:"space"`
	FWHM       float64        `yaml:"fwhm"`
	Tasks      []string       `yaml:"tasks"`
	Subjects   []string       `yaml:"subjects"`
	Actions    []types.Action `yaml:"actions"`
	Pilot      bool           `yaml:"pilot"`
	Verbosity  int            `yaml:"verbosity"`

	Container ContainerConfig `yaml:"container"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Execution ExecutionConfig `yaml:"execution"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	History   HistoryConfig   `yaml:"history"`
}

// ContainerConfig selects the runtime and image.
type ContainerConfig struct {
	Runtime        string               `yaml:"runtime"`
	DockerImage    string               `yaml:"docker_image"`
	ApptainerImage string               `yaml:"apptainer_image"`
	DockerBin      string               `yaml:"docker_bin"`
	ApptainerBin   string               `yaml:"apptainer_bin"`
	Paths          container.PathConfig `yaml:"path_config"`
}

// WorkspaceConfig controls run-scoped temp directories.
type WorkspaceConfig struct {
	Root      string        `yaml:"root"` // default <work_dir>/tmp
	Retention time.Duration `yaml:"retention"`
}

// ExecutionConfig controls scheduling and failure policy.
type ExecutionConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	Workers               int           `yaml:"workers"`
	FailFast              bool          `yaml:"fail_fast"`
	AbortOnValidationMiss bool          `yaml:"abort_on_validation_miss"`
	SkipValidation        bool          `yaml:"skip_validation"`
	FailureMarkers        []string      `yaml:"failure_markers"`
}

// LogConfig controls the batch log.
type LogConfig struct {
	Dir    string `yaml:"dir"`    // default <work_dir>/logs
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls Prometheus export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // written at teardown when set
	Port     int    `yaml:"port"`     // /metrics served during the batch when > 0
}

// HistoryConfig controls the SQLite batch history.
type HistoryConfig struct {
	Path string `yaml:"path"` // disabled when empty
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.ConfigErrorf("read config file: %v", err)
	}
	return Parse(data)
}

// Parse decodes data, rejecting unknown keys, then applies defaults and
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, types.ConfigErrorf("parse config: %v", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields and makes every path absolute, since the
// paths end up as bind mount sources.
func (c *Config) ApplyDefaults() error {
	if strings.TrimSpace(c.WorkDir) == "" {
		return types.ConfigErrorf("work_dir is required")
	}
	wd, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return types.ConfigErrorf("resolve work_dir: %v", err)
	}
	c.WorkDir = wd

	under := func(p string, def ...string) string {
		if p == "" {
			return filepath.Join(append([]string{wd}, def...)...)
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(wd, p)
	}
	c.PreprocDir = under(c.PreprocDir, "derivatives", "fmriprep")
	c.OutputDir = under(c.OutputDir, "derivatives")
	if c.BIDSDir != "" {
		c.BIDSDir = under(c.BIDSDir)
	}
	if c.ModelsFile != "" && !filepath.IsAbs(c.ModelsFile) {
		c.ModelsFile = filepath.Join(wd, "derivatives", "models", c.ModelsFile)
	}

	c.Workspace.Root = under(c.Workspace.Root, DefaultTempDir)
	if c.Workspace.Retention == 0 {
		c.Workspace.Retention = DefaultRetention
	}
	if c.Execution.Timeout == 0 {
		c.Execution.Timeout = DefaultTimeout
	}
	if c.Execution.Workers == 0 {
		c.Execution.Workers = DefaultWorkers
	}
	if c.Execution.FailureMarkers == nil {
		c.Execution.FailureMarkers = append([]string(nil), DefaultFailureMarkers...)
	}
	c.Log.Dir = under(c.Log.Dir, DefaultLogDir)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Container.Runtime == "" {
		c.Container.Runtime = string(container.RuntimeDocker)
	}
	if c.Container.Paths.Variable == "" && len(c.Container.Paths.Entries) == 0 {
		c.Container.Paths = container.DefaultPathConfig()
	}
	if c.Metrics.Textfile != "" && !filepath.IsAbs(c.Metrics.Textfile) {
		c.Metrics.Textfile = filepath.Join(wd, c.Metrics.Textfile)
	}
	if c.History.Path != "" && !filepath.IsAbs(c.History.Path) {
		c.History.Path = filepath.Join(wd, c.History.Path)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	issues := &Issues{}

	if strings.TrimSpace(c.Space) == "" {
		issues.Add("space is required")
	}
	if c.FWHM < 0 {
		issues.Add(fmt.Sprintf("fwhm must be >= 0, got %g", c.FWHM))
	}
	if len(c.Tasks) == 0 {
		issues.Add("at least one task is required")
	}
	checkUnique(issues, "task", c.Tasks)
	if len(c.Actions) == 0 {
		issues.Add("at least one action is required")
	}
	seenActions := map[types.Action]bool{}
	for _, a := range c.Actions {
		if !a.Valid() {
			issues.Add(fmt.Sprintf("unknown action %q (want smooth, stats or dataset)", a))
		}
		if seenActions[a] {
			issues.Add(fmt.Sprintf("action %q listed twice", a))
		}
		seenActions[a] = true
	}
	if (seenActions[types.ActionStats] || seenActions[types.ActionDataset]) && c.ModelsFile == "" {
		issues.Add("models_file is required for stats and dataset actions")
	}
	if (seenActions[types.ActionStats] || seenActions[types.ActionDataset]) && c.BIDSDir == "" {
		issues.Add("bids_dir is required for stats and dataset actions")
	}

	rt, err := container.ParseRuntime(c.Container.Runtime)
	if err != nil {
		issues.Add(err.Error())
	} else if c.Image(rt) == "" {
		issues.Add(fmt.Sprintf("container.%s_image is required for runtime %s", rt, rt))
	}
	if err := c.Container.Paths.Validate(); err != nil {
		issues.Add(err.Error())
	}

	if c.Workspace.Retention < 0 {
		issues.Add("workspace.retention must be positive")
	}
	if c.Execution.Timeout < 0 {
		issues.Add("execution.timeout must be positive")
	}
	if c.Execution.Workers < 1 {
		issues.Add("execution.workers must be >= 1")
	}
	if c.Execution.AbortOnValidationMiss && c.Execution.SkipValidation {
		issues.Add("execution.abort_on_validation_miss and execution.skip_validation are contradictory")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues.Add(fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		issues.Add(fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		issues.Add(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}

	return issues.OrNil()
}

// Runtime returns the parsed runtime. Call after Validate.
func (c *Config) Runtime() container.Runtime {
	rt, _ := container.ParseRuntime(c.Container.Runtime)
	return rt
}

// Image returns the image configured for rt.
func (c *Config) Image(rt container.Runtime) string {
	if rt == container.RuntimeApptainer {
		return strings.TrimSpace(c.Container.ApptainerImage)
	}
	return strings.TrimSpace(c.Container.DockerImage)
}

// Binary returns the executable for the selected runtime.
func (c *Config) Binary() string {
	if c.Runtime() == container.RuntimeApptainer {
		if c.Container.ApptainerBin != "" {
			return c.Container.ApptainerBin
		}
		return string(container.RuntimeApptainer)
	}
	if c.Container.DockerBin != "" {
		return c.Container.DockerBin
	}
	return string(container.RuntimeDocker)
}

// Target returns the preflight target for the selected runtime.
func (c *Config) Target() container.Target {
	rt := c.Runtime()
	return container.Target{Runtime: rt, Binary: c.Binary(), Image: c.Image(rt)}
}

// HasAction reports whether a is requested.
func (c *Config) HasAction(a types.Action) bool {
	for _, x := range c.Actions {
		if x == a {
			return true
		}
	}
	return false
}

func checkUnique(issues *Issues, what string, values []string) {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			issues.Add(fmt.Sprintf("empty %s", what))
			continue
		}
		if seen[v] {
			issues.Add(fmt.Sprintf("%s %q listed twice", what, v))
		}
		seen[v] = true
	}
}
