// Package types defines the core domain model shared by the bidspm-batch
// packages: run units, their outcomes, and validation reports.
package types

import (
	"fmt"
	"sort"
	"time"
)

// Action is one pipeline step the analysis tool can perform.
type Action string

const (
	ActionSmooth  Action = "smooth"  // subject-level spatial smoothing
	ActionStats   Action = "stats"   // subject-level GLM estimation
	ActionDataset Action = "dataset" // dataset-level (group) statistics, no subject
)

// SubjectLevel reports whether the action is scheduled once per subject.
func (a Action) SubjectLevel() bool {
	return a == ActionSmooth || a == ActionStats
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSmooth, ActionStats, ActionDataset:
		return true
	}
	return false
}

// RunUnit is one schedulable (subject, task, action) combination.
// Dataset-level units carry an empty Subject.
type RunUnit struct {
	Subject string `json:"subject,omitempty"`
	Task    string `json:"task"`
	Action  Action `json:"action"`
}

// Key returns a stable identifier usable in file names.
func (u RunUnit) Key() string {
	if u.Subject == "" {
		return fmt.Sprintf("dataset_task-%s_%s", u.Task, u.Action)
	}
	return fmt.Sprintf("sub-%s_task-%s_%s", u.Subject, u.Task, u.Action)
}

func (u RunUnit) String() string {
	return u.Key()
}

// UnitState is a position in the per-unit state machine.
type UnitState string

const (
	StatePending    UnitState = "pending"
	StateValidating UnitState = "validating"
	StateSkipped    UnitState = "skipped"
	StateScheduled  UnitState = "scheduled"
	StateRunning    UnitState = "running"
	StateSucceeded  UnitState = "succeeded"
	StateFailed     UnitState = "failed"
)

var transitions = map[UnitState][]UnitState{
	StatePending:    {StateValidating},
	StateValidating: {StateSkipped, StateScheduled},
	StateScheduled:  {StateRunning, StateSkipped},
	StateRunning:    {StateSucceeded, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
// Scheduled -> Skipped covers units never started because the batch was
// cancelled or aborted.
func CanTransition(from, to UnitState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s UnitState) Terminal() bool {
	return s == StateSkipped || s == StateSucceeded || s == StateFailed
}

// Classification is the recorded outcome of a unit.
type Classification string

const (
	ClassSucceeded Classification = "succeeded"
	ClassSkipped   Classification = "skipped"
	ClassFailed    Classification = "failed"
)

// ErrorKind refines a failed or skipped classification.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindExecution ErrorKind = "execution"
	KindTimeout   ErrorKind = "timeout"
	KindResource  ErrorKind = "resource"
	KindConfig    ErrorKind = "config"
	KindCancelled ErrorKind = "cancelled"
	KindAborted   ErrorKind = "aborted"
	KindMissing   ErrorKind = "validation"
)

// Skip reasons recorded on skipped units.
const (
	ReasonSpaceNotFound   = "space not found"
	ReasonNoTaskFiles     = "no files for task"
	ReasonSubjectNotFound = "subject directory not found"
	ReasonNoSubjects      = "no subject available for dataset-level action"
	ReasonCancelled       = "batch cancelled"
	ReasonAborted         = "aborted after failure"
)

// UnitResult is one entry of a BatchResult.
type UnitResult struct {
	Index          int            `json:"index"`
	Unit           RunUnit        `json:"unit"`
	Classification Classification `json:"classification"`
	Kind           ErrorKind      `json:"error_kind,omitempty"`
	ExitCode       int            `json:"exit_code"`
	Duration       time.Duration  `json:"duration"`
	Reason         string         `json:"reason,omitempty"`
	WorkspacePath  string         `json:"workspace_path,omitempty"` // set only when preserved
	LogPath        string         `json:"log_path,omitempty"`
}

// BatchResult aggregates the outcome of one batch in enumeration order.
type BatchResult struct {
	BatchID    string             `json:"batch_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Units      []UnitResult       `json:"units"`
	Reports    []ValidationReport `json:"reports,omitempty"`
}

// Append adds an entry. Entries are never modified once appended.
func (b *BatchResult) Append(r UnitResult) {
	b.Units = append(b.Units, r)
}

// Sort orders entries by enumeration index.
func (b *BatchResult) Sort() {
	sort.SliceStable(b.Units, func(i, j int) bool {
		return b.Units[i].Index < b.Units[j].Index
	})
}

// Counts returns the number of entries per classification.
func (b *BatchResult) Counts() map[Classification]int {
	counts := map[Classification]int{
		ClassSucceeded: 0,
		ClassSkipped:   0,
		ClassFailed:    0,
	}
	for _, u := range b.Units {
		counts[u.Classification]++
	}
	return counts
}

// OK reports whether the batch finished with zero failed units.
func (b *BatchResult) OK() bool {
	return b.Counts()[ClassFailed] == 0
}

// Failed returns the failed entries in order.
func (b *BatchResult) Failed() []UnitResult {
	var out []UnitResult
	for _, u := range b.Units {
		if u.Classification == ClassFailed {
			out = append(out, u)
		}
	}
	return out
}

// WorkspaceStatus is the lifecycle status of a TempWorkspace.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceCompleted WorkspaceStatus = "completed"
	WorkspaceFailed    WorkspaceStatus = "failed"
)

// TempWorkspace is the isolated scratch directory owned by one RunUnit.
type TempWorkspace struct {
	Path      string          `json:"path"`
	CreatedAt time.Time       `json:"created_at"`
	RunID     string          `json:"owning_run_id"`
	Status    WorkspaceStatus `json:"status"`
}
