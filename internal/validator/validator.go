// ============================================================================
// bidspm-batch Validator - Precondition Checks on the Derivatives Tree
// ============================================================================
//
// Package: internal/validator
// File: validator.go
// Purpose: Before any container starts, confirm that each candidate subject
//          has preprocessed files for the task in the requested space.
//
// Layout inspected (names only, files are never opened):
//   <root>/sub-01/func/sub-01_task-rest_space-MNI152NLin6Asym_desc-preproc_bold.nii.gz
//   <root>/sub-01/ses-1/func/sub-01_ses-1_task-rest_space-T1w_bold.nii.gz
//
// Outcome per subject:
//   available  - at least one task file carries space-<space>
//   missing    - subject directory not found | no files for task |
//                space not found
//
// A per-subject miss never fails the call. Only an unreadable root does.
//
// ============================================================================

package validator

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Validator checks subjects against one derivatives root.
type Validator struct {
	root   string
	logger *slog.Logger
}

// New returns a Validator for root.
func New(root string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{root: root, logger: logger}
}

// Validate is a convenience wrapper around New(root, nil).Validate.
func Validate(space, task string, subjects []string, root string) (types.ValidationReport, error) {
	return New(root, nil).Validate(space, task, subjects)
}

// Root returns the derivatives root.
func (v *Validator) Root() string {
	return v.root
}

// Validate builds the report for one (space, task) pair.
func (v *Validator) Validate(space, task string, subjects []string) (types.ValidationReport, error) {
	if err := v.checkRoot(); err != nil {
		return types.ValidationReport{}, err
	}

	missing := map[string]struct{}{}
	available := map[string]struct{}{}
	spacesFound := map[string]struct{}{}
	details := make(map[string]types.SubjectCheck, len(subjects))

	for _, sub := range subjects {
		check := v.checkSubject(sub, space, task)
		for _, s := range check.Spaces {
			spacesFound[s] = struct{}{}
		}
		if check.Available {
			available[sub] = struct{}{}
		} else {
			missing[sub] = struct{}{}
			v.logger.Debug("Subject missing preconditions",
				"subject", sub, "task", task, "space", space, "reason", check.Reason)
		}
		details[sub] = check
	}

	report := types.ValidationReport{
		Space:             space,
		Task:              task,
		SubjectsMissing:   types.SortedSet(missing),
		SubjectsAvailable: types.SortedSet(available),
		SpacesFound:       types.SortedSet(spacesFound),
		Details:           details,
	}
	v.logger.Info("Validation report",
		"space", space, "task", task,
		"available", len(report.SubjectsAvailable),
		"missing", len(report.SubjectsMissing))
	return report, nil
}

// ValidateAll returns one report per task, in task order.
func (v *Validator) ValidateAll(space string, tasks, subjects []string) ([]types.ValidationReport, error) {
	reports := make([]types.ValidationReport, 0, len(tasks))
	for _, task := range tasks {
		r, err := v.Validate(space, task, subjects)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (v *Validator) checkRoot() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return types.ValidationErrorf("derivatives root %s: %v", v.root, err)
	}
	if !info.IsDir() {
		return types.ValidationErrorf("derivatives root %s is not a directory", v.root)
	}
	if _, err := os.ReadDir(v.root); err != nil {
		return types.ValidationErrorf("derivatives root %s unreadable: %v", v.root, err)
	}
	return nil
}

func (v *Validator) checkSubject(sub, space, task string) types.SubjectCheck {
	check := types.SubjectCheck{Subject: sub}
	dir := filepath.Join(v.root, "sub-"+sub)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		check.Reason = types.ReasonSubjectNotFound
		return check
	}

	spaces := map[string]struct{}{}
	taskFiles := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subdirectories are skipped; what was seen still counts.
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		ent, ok := ParseEntities(d.Name())
		if !ok || ent.Get("sub") != sub || ent.Get("task") != task {
			return nil
		}
		taskFiles++
		if s := ent.Get("space"); s != "" {
			spaces[s] = struct{}{}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.SkipDir) {
		v.logger.Warn("Failed to scan subject directory", "subject", sub, "error", walkErr)
	}

	check.Spaces = types.SortedSet(spaces)
	switch {
	case taskFiles == 0:
		check.Reason = types.ReasonNoTaskFiles
	case !hasString(check.Spaces, space):
		check.Reason = types.ReasonSpaceNotFound
	default:
		check.Available = true
	}
	return check
}

func hasString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
