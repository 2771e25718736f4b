package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Target identifies the runtime and image a batch will use.
type Target struct {
	Runtime Runtime
	Binary  string
	Image   string
}

// DockerProbe is the subset of the Docker Engine API the preflight needs.
type DockerProbe interface {
	ImagePresent(ctx context.Context, ref string) (bool, error)
	Close() error
}

// Preflight checks that target can be invoked before any unit runs: the
// runtime binary is on PATH, an Apptainer image file exists, or the Docker
// daemon is reachable and holds the image. Failures are config errors.
func Preflight(ctx context.Context, target Target) error {
	return preflight(ctx, target, exec.LookPath, dialDocker)
}

func preflight(ctx context.Context, target Target, lookPath func(string) (string, error), dial func(context.Context) (DockerProbe, error)) error {
	bin := target.Binary
	if bin == "" {
		bin = string(target.Runtime)
	}
	if strings.TrimSpace(target.Image) == "" {
		return types.ConfigErrorf("no %s image configured", target.Runtime)
	}
	if _, err := lookPath(bin); err != nil {
		return types.ConfigErrorf("%q is required but not installed or not in PATH", bin)
	}

	switch target.Runtime {
	case RuntimeApptainer:
		info, err := os.Stat(target.Image)
		if err != nil {
			return types.ConfigErrorf("apptainer image file %q not found", target.Image)
		}
		if info.IsDir() {
			return types.ConfigErrorf("apptainer image %q is a directory, expected an image file", target.Image)
		}
		return nil

	case RuntimeDocker:
		probe, err := dial(ctx)
		if err != nil {
			return types.ConfigErrorf("docker daemon unreachable: %v", err)
		}
		defer probe.Close()
		ok, err := probe.ImagePresent(ctx, target.Image)
		if err != nil {
			return types.ConfigErrorf("inspect docker image %q: %v", target.Image, err)
		}
		if !ok {
			return types.ConfigErrorf("docker image %q not present locally (docker pull %s)", target.Image, target.Image)
		}
		return nil
	}
	return types.ConfigErrorf("unsupported container runtime %q", target.Runtime)
}

type dockerProbe struct {
	cli *client.Client
}

func dialDocker(ctx context.Context) (DockerProbe, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &dockerProbe{cli: cli}, nil
}

func (p *dockerProbe) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (p *dockerProbe) Close() error {
	return p.cli.Close()
}

// DockerStopper stops containers through the Engine API.
type DockerStopper struct {
	cli *client.Client
}

// NewDockerStopper connects with the same environment the docker CLI uses.
func NewDockerStopper() (*DockerStopper, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerStopper{cli: cli}, nil
}

// StopContainer sends SIGTERM to the container and kills it after grace.
// A container that is already gone (--rm after a clean exit) is not an error.
func (d *DockerStopper) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	err := d.cli.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (d *DockerStopper) Close() error {
	return d.cli.Close()
}
