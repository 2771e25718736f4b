package controller

import (
	"context"
	"path/filepath"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// PlanWorkspace stands in for the scratch directory in planned commands.
const PlanWorkspace = "run-<pending>"

// PlannedUnit is one enumerated unit and what would happen to it.
type PlannedUnit struct {
	Index int           `json:"index"`
	Unit  types.RunUnit `json:"unit"`
	Skip  string        `json:"skip,omitempty"` // skip reason; empty when the unit would run
	Argv  []string      `json:"argv,omitempty"`
}

// Plan is a dry run of a batch.
type Plan struct {
	Subjects []string                 `json:"subjects"`
	Units    []PlannedUnit            `json:"units"`
	Reports  []types.ValidationReport `json:"reports,omitempty"`
}

// Scheduled returns the units that would run.
func (p *Plan) Scheduled() []PlannedUnit {
	var out []PlannedUnit
	for _, u := range p.Units {
		if u.Skip == "" {
			out = append(out, u)
		}
	}
	return out
}

// Plan resolves, validates and enumerates like Run and builds every command
// without executing anything or touching the workspace root.
func (c *Controller) Plan(ctx context.Context) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.prepare(c.logger)
	if err != nil {
		if p != nil {
			return &Plan{Subjects: p.subjects, Reports: p.reports}, err
		}
		return nil, err
	}

	plan := &Plan{Subjects: p.subjects, Reports: p.reports}
	ws := filepath.Join(c.cfg.Workspace.Root, PlanWorkspace)
	for i, u := range p.units {
		pu := PlannedUnit{Index: i, Unit: u, Skip: p.skips[i]}
		if pu.Skip == "" {
			argv, err := c.builder.Build(InvocationSpec(c.cfg, u, ws))
			if err != nil {
				return plan, err
			}
			pu.Argv = argv
		}
		plan.Units = append(plan.Units, pu)
	}
	return plan, nil
}
