// ============================================================================
// bidspm-batch Container - Command Builder
// ============================================================================
//
// Package: internal/container
// File: builder.go
// Purpose: Translate an InvocationSpec into the exact argument vector for the
//          selected runtime. No side effects; execution belongs to the caller.
//
// Apptainer:
//   apptainer exec --containall --writable-tmpfs --cleanenv [--pwd DIR]
//                  [--home HOST:CTR] --env K=V ... --bind HOST:CTR[:ro] ...
//                  IMAGE ARGS...
//
//   --containall    isolates PID/IPC namespaces, /tmp and $HOME from the host
//   --writable-tmpfs gives the isolated root filesystem a writable overlay
//   --cleanenv      no host environment variable reaches the tool
//   --home          binds the workspace as $HOME; apptainer rejects --env HOME
//
// Docker:
//   docker run --rm --init [--name NAME] [--user UID:GID] [--workdir DIR]
//              -e K=V ... -v HOST:CTR[:ro] ... IMAGE ARGS...
//
//   --init          tini as PID 1, so SIGTERM reaches the tool's process tree
//   --name          lets the executor stop the container through the daemon
//   --user          files written to bind mounts stay owned by the caller
//
// Environment variables are emitted in sorted key order so identical specs
// always produce identical argument vectors.
//
// ============================================================================

package container

import (
	"sort"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Builder owns the path configuration injected into every invocation.
type Builder struct {
	paths PathConfig
}

// NewBuilder validates paths and returns a Builder.
func NewBuilder(paths PathConfig) (*Builder, error) {
	if err := paths.Validate(); err != nil {
		return nil, err
	}
	return &Builder{paths: paths}, nil
}

// Paths returns the path configuration in effect.
func (b *Builder) Paths() PathConfig {
	return b.paths
}

// Build returns the argument vector for spec. The spec is not modified.
func (b *Builder) Build(spec InvocationSpec) ([]string, error) {
	if spec.Runtime != RuntimeDocker && spec.Runtime != RuntimeApptainer {
		return nil, types.ConfigErrorf("unsupported container runtime %q", spec.Runtime)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	want := b.paths.Value()
	if got, ok := env[b.paths.Variable]; ok && got != want {
		return nil, types.ConfigErrorf("%s is owned by the path configuration and cannot be overridden", b.paths.Variable)
	}
	env[b.paths.Variable] = want

	if spec.Runtime == RuntimeApptainer {
		return buildApptainer(spec, env), nil
	}
	return buildDocker(spec, env), nil
}

func buildApptainer(spec InvocationSpec, env map[string]string) []string {
	args := []string{
		spec.binary(), "exec",
		"--containall",
		"--writable-tmpfs",
		"--cleanenv",
	}
	if spec.WorkDir != "" {
		args = append(args, "--pwd", spec.WorkDir)
	}
	if spec.hasHome() {
		args = append(args, "--home", spec.Home.HostPath+":"+spec.Home.ContainerPath)
	}
	for _, key := range sortedKeys(env) {
		args = append(args, "--env", key+"="+env[key])
	}
	for _, m := range spec.Mounts {
		args = append(args, "--bind", m.String())
	}
	args = append(args, spec.Image)
	return append(args, spec.Args...)
}

func buildDocker(spec InvocationSpec, env map[string]string) []string {
	args := []string{spec.binary(), "run", "--rm", "--init"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.hasHome() {
		env["HOME"] = spec.Home.ContainerPath
	}
	for _, key := range sortedKeys(env) {
		args = append(args, "-e", key+"="+env[key])
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.String())
	}
	if spec.hasHome() {
		args = append(args, "-v", spec.Home.String())
	}
	args = append(args, spec.Image)
	return append(args, spec.Args...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
