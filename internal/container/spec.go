// ============================================================================
// bidspm-batch Container - Invocation Model
// ============================================================================
//
// Package: internal/container
// File: spec.go
// Purpose: Logical description of one container call, independent of the
//          runtime that will carry it out.
//
// An InvocationSpec is built fresh for every RunUnit and never shared, so one
// unit's mounts or environment can never leak into another unit's call.
//
// ============================================================================

package container

import (
	"strings"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Runtime selects the container engine.
type Runtime string

const (
	RuntimeDocker    Runtime = "docker"
	RuntimeApptainer Runtime = "apptainer"
)

// ParseRuntime normalizes a runtime name. Unknown names are a config error.
func ParseRuntime(s string) (Runtime, error) {
	switch Runtime(strings.ToLower(strings.TrimSpace(s))) {
	case RuntimeDocker:
		return RuntimeDocker, nil
	case RuntimeApptainer:
		return RuntimeApptainer, nil
	}
	return "", types.ConfigErrorf("unsupported container runtime %q (want docker or apptainer)", s)
}

// BindMount maps a host path into the container.
type BindMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (m BindMount) String() string {
	s := m.HostPath + ":" + m.ContainerPath
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// InvocationSpec is the logical description of one container call.
type InvocationSpec struct {
	Runtime Runtime
	Binary  string // runtime executable; defaults to the runtime name
	Image   string // docker reference or apptainer image file
	Mounts  []BindMount
	Env     map[string]string
	Args    []string
	WorkDir string

	// Home is the writable host directory the tool sees as $HOME. Apptainer
	// refuses HOME through --env, so it travels as --home on that runtime.
	Home BindMount

	// Name and User apply to docker only. A named container can still be
	// stopped through the daemon after its CLI process is gone.
	Name string
	User string // uid:gid
}

// PathConfig is the ordered list of directories the analysis tool searches
// for its own functions. Earlier entries win on name collisions, so the main
// install directory comes first.
type PathConfig struct {
	Variable string   `yaml:"variable"`
	Entries  []string `yaml:"entries"`
}

// DefaultPathConfig matches the layout of the bidspm images: bidspm itself,
// its vendored ROI toolbox, the toolbox atlas data, then SPM.
func DefaultPathConfig() PathConfig {
	return PathConfig{
		Variable: "OCTAVE_PATH",
		Entries: []string{
			"/home/neuro/bidspm",
			"/home/neuro/bidspm/lib/CPP_ROI",
			"/home/neuro/bidspm/lib/CPP_ROI/atlas",
			"/opt/spm12",
		},
	}
}

// Value joins the entries in precedence order.
func (p PathConfig) Value() string {
	return strings.Join(p.Entries, ":")
}

// Validate checks the list is usable: a variable name and non-empty unique
// entries, none containing the list separator.
func (p PathConfig) Validate() error {
	if !validEnvKey(p.Variable) {
		return types.ConfigErrorf("path configuration variable %q is not a valid environment name", p.Variable)
	}
	if len(p.Entries) == 0 {
		return types.ConfigErrorf("path configuration %s has no entries", p.Variable)
	}
	seen := make(map[string]bool, len(p.Entries))
	for i, e := range p.Entries {
		if strings.TrimSpace(e) == "" {
			return types.ConfigErrorf("path configuration entry %d is empty", i)
		}
		if strings.Contains(e, ":") {
			return types.ConfigErrorf("path configuration entry %q contains ':'", e)
		}
		if seen[e] {
			return types.ConfigErrorf("path configuration entry %q listed twice", e)
		}
		seen[e] = true
	}
	// Library directories are nested under the main install dir; if one of
	// them precedes it, its duplicate-named helpers would shadow the tool's own.
	main := p.Entries[0]
	for _, e := range p.Entries[1:] {
		if strings.HasPrefix(main, e+"/") {
			return types.ConfigErrorf("path configuration entry %q must come after %q", main, e)
		}
	}
	return nil
}

func validEnvKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (s InvocationSpec) binary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return string(s.Runtime)
}

func (s InvocationSpec) validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return types.ConfigErrorf("%s invocation has no image reference", s.Runtime)
	}
	for _, m := range s.Mounts {
		if err := m.validate(); err != nil {
			return err
		}
	}
	if s.hasHome() {
		if err := s.Home.validate(); err != nil {
			return err
		}
	}
	for k := range s.Env {
		if !validEnvKey(k) {
			return types.ConfigErrorf("invalid environment variable name %q", k)
		}
	}
	if _, ok := s.Env["HOME"]; ok {
		if s.hasHome() {
			return types.ConfigErrorf("HOME is set both in the environment and as the home mount")
		}
		if s.Runtime == RuntimeApptainer {
			return types.ConfigErrorf("apptainer does not accept HOME through --env; set the home mount instead")
		}
	}
	if s.Name != "" && !validContainerName(s.Name) {
		return types.ConfigErrorf("invalid container name %q", s.Name)
	}
	return nil
}

func (s InvocationSpec) hasHome() bool {
	return s.Home.HostPath != "" || s.Home.ContainerPath != ""
}

// validate rejects paths the runtimes would split wrongly: both parse the
// mount flag on ':' and apptainer also accepts ','-separated lists.
func (m BindMount) validate() error {
	if strings.TrimSpace(m.HostPath) == "" || strings.TrimSpace(m.ContainerPath) == "" {
		return types.ConfigErrorf("bind mount %q has an empty side", m.String())
	}
	for _, p := range []string{m.HostPath, m.ContainerPath} {
		if strings.ContainsAny(p, ":,") {
			return types.ConfigErrorf("bind mount path %q must not contain ':' or ','", p)
		}
	}
	return nil
}

// validContainerName follows the daemon's rule: [a-zA-Z0-9][a-zA-Z0-9_.-]*.
func validContainerName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case i > 0 && (r == '_' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return name != ""
}
