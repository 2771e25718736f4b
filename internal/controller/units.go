package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/internal/container"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Mount points inside the container.
const (
	MountBIDS    = "/bids"
	MountPreproc = "/preproc"
	MountOutput  = "/output"
	MountModels  = "/models"
	MountScratch = "/scratch"
)

// smoothedDir is where the smooth action writes, relative to the output
// mount, and where stats reads its input from.
const smoothedDir = MountOutput + "/bidspm-preproc"

// Enumerate expands subjects x tasks x actions into run units. Subject-level
// units come first, ordered subject, then task, then action as configured.
// One dataset-level unit per task follows when the dataset action is
// requested.
func Enumerate(subjects, tasks []string, actions []types.Action) []types.RunUnit {
	var units []types.RunUnit
	for _, sub := range subjects {
		for _, task := range tasks {
			for _, a := range actions {
				if a.SubjectLevel() {
					units = append(units, types.RunUnit{Subject: sub, Task: task, Action: a})
				}
			}
		}
	}
	for _, a := range actions {
		if a == types.ActionDataset {
			for _, task := range tasks {
				units = append(units, types.RunUnit{Task: task, Action: a})
			}
		}
	}
	return units
}

// ToolArgs returns the analysis tool arguments for unit, in container paths.
func ToolArgs(cfg *config.Config, unit types.RunUnit) []string {
	var args []string
	switch unit.Action {
	case types.ActionSmooth:
		args = []string{MountPreproc, MountOutput, "subject", "smooth",
			"--participant_label", unit.Subject}
	case types.ActionStats:
		args = []string{MountBIDS, MountOutput, "subject", "stats",
			"--preproc_dir", smoothedDir,
			"--model_file", modelPath(cfg),
			"--participant_label", unit.Subject}
	case types.ActionDataset:
		args = []string{MountBIDS, MountOutput, "dataset", "stats",
			"--preproc_dir", smoothedDir,
			"--model_file", modelPath(cfg)}
	}
	return append(args,
		"--task", unit.Task,
		"--space", cfg.Space,
		"--fwhm", strconv.FormatFloat(cfg.FWHM, 'f', -1, 64),
		"--verbosity", strconv.Itoa(cfg.Verbosity),
	)
}

func modelPath(cfg *config.Config) string {
	return MountModels + "/" + filepath.Base(cfg.ModelsFile)
}

// InvocationSpec describes the container call for unit with its scratch
// directory at workspace. A fresh spec is built per call.
func InvocationSpec(cfg *config.Config, unit types.RunUnit, workspace string) container.InvocationSpec {
	rt := cfg.Runtime()
	var mounts []container.BindMount
	if cfg.BIDSDir != "" {
		mounts = append(mounts, container.BindMount{HostPath: cfg.BIDSDir, ContainerPath: MountBIDS, ReadOnly: true})
	}
	mounts = append(mounts,
		container.BindMount{HostPath: cfg.PreprocDir, ContainerPath: MountPreproc, ReadOnly: true},
		container.BindMount{HostPath: cfg.OutputDir, ContainerPath: MountOutput},
	)
	if cfg.ModelsFile != "" {
		mounts = append(mounts, container.BindMount{HostPath: filepath.Dir(cfg.ModelsFile), ContainerPath: MountModels, ReadOnly: true})
	}

	spec := container.InvocationSpec{
		Runtime: rt,
		Binary:  cfg.Binary(),
		Image:   cfg.Image(rt),
		Mounts:  mounts,
		Env:     map[string]string{"TMPDIR": MountScratch},
		Args:    ToolArgs(cfg, unit),
		WorkDir: MountScratch,
		Home:    container.BindMount{HostPath: workspace, ContainerPath: MountScratch},
	}
	if rt == container.RuntimeDocker {
		spec.Name = ContainerName(workspace)
		spec.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	return spec
}

// ContainerName derives the docker container name from the workspace
// directory, which is unique per invocation.
func ContainerName(workspace string) string {
	name := []byte("bidspm-" + filepath.Base(workspace))
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
		default:
			name[i] = '_'
		}
	}
	return string(name)
}
