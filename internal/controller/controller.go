// ============================================================================
// bidspm-batch Controller - Batch Execution Controller
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Turn the configuration into run units, validate them against the
//          derivatives tree, run the scheduled ones in containers and collect
//          one result per unit.
//
// Run:
//   1. subjects      selector.Resolve (explicit / discovered, pilot narrows)
//   2. model check   stats and dataset actions need a valid model file
//   3. enumerate     subjects -> tasks -> actions, dataset units last
//   4. validate      Pending -> Validating -> Skipped | Scheduled
//   5. execute       worker pool; per unit:
//                      acquire workspace -> build argv -> run -> classify
//                      -> release (delete on success, keep on failure)
//   6. collect       journal + metrics per result, sort by index
//
// Failure policy:
//   - a failed unit never stops the batch unless execution.fail_fast is set;
//     then every unit not yet started is skipped "aborted after failure"
//   - an unwritable workspace root stops the batch (ErrResource)
//   - exit code 0 with a failure marker at a line start counts as failed
//
// Cancellation:
//   ctx cancelled -> running containers receive SIGTERM and are recorded
//   failed (cancelled, workspace kept); queued units are recorded skipped
//   "batch cancelled"; Run returns the partial result and ctx.Err().
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/internal/container"
	"github.com/ChuLiYu/bidspm-batch/internal/selector"
	"github.com/ChuLiYu/bidspm-batch/internal/session"
	"github.com/ChuLiYu/bidspm-batch/internal/tracker"
	"github.com/ChuLiYu/bidspm-batch/internal/validator"
	"github.com/ChuLiYu/bidspm-batch/internal/worker"
	"github.com/ChuLiYu/bidspm-batch/internal/workspace"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Option customizes a Controller.
type Option func(*Controller)

// WithRand sets the random source used for pilot selection.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// WithLogger sets the logger used outside a session (Plan).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller runs one batch.
type Controller struct {
	cfg     *config.Config
	exec    container.Executor
	builder *container.Builder
	rng     *rand.Rand
	logger  *slog.Logger

	aborted  atomic.Bool
	fatalMu  sync.Mutex
	fatalErr error
}

// New returns a Controller for cfg that runs containers through exec.
func New(cfg *config.Config, exec container.Executor, opts ...Option) (*Controller, error) {
	builder, err := container.NewBuilder(cfg.Container.Paths)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:     cfg,
		exec:    exec,
		builder: builder,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// prepared is the outcome of steps 1-4 of Run, shared with Plan.
type prepared struct {
	subjects []string
	units    []types.RunUnit
	skips    map[int]string
	reports  []types.ValidationReport
}

func (c *Controller) prepare(logger *slog.Logger) (*prepared, error) {
	subjects, err := selector.Resolve(c.cfg, c.rng)
	if err != nil {
		return nil, err
	}
	if c.cfg.Pilot {
		logger.Info("Pilot mode", "subjects", subjects)
	}
	if c.cfg.HasAction(types.ActionStats) || c.cfg.HasAction(types.ActionDataset) {
		if err := validator.CheckModel(c.cfg.ModelsFile); err != nil {
			return nil, err
		}
	}

	p := &prepared{subjects: subjects, units: Enumerate(subjects, c.cfg.Tasks, c.cfg.Actions)}
	p.skips, p.reports, err = c.validate(logger, p)
	if err != nil {
		return p, err
	}
	return p, nil
}

// validate returns the skip reason of every unit that must not run.
func (c *Controller) validate(logger *slog.Logger, p *prepared) (map[int]string, []types.ValidationReport, error) {
	skips := make(map[int]string)
	if c.cfg.Execution.SkipValidation {
		logger.Warn("Validation disabled by configuration")
		if len(p.subjects) == 0 {
			for i, u := range p.units {
				if u.Action == types.ActionDataset {
					skips[i] = types.ReasonNoSubjects
				}
			}
		}
		return skips, nil, nil
	}

	v := validator.New(c.cfg.PreprocDir, logger)
	reports, err := v.ValidateAll(c.cfg.Space, c.cfg.Tasks, p.subjects)
	if err != nil {
		return nil, nil, err
	}
	byTask := make(map[string]types.ValidationReport, len(reports))
	for _, r := range reports {
		byTask[r.Task] = r
		if !r.Passed() {
			logger.Warn("Subjects missing from derivatives",
				"task", r.Task,
				"space", r.Space,
				"missing", r.SubjectsMissing,
				"spaces_found", r.SpacesFound)
		}
	}

	if c.cfg.Execution.AbortOnValidationMiss {
		for _, r := range reports {
			if !r.Passed() {
				return nil, reports, types.ValidationErrorf("task %s: subjects %s have no derivatives in space %s",
					r.Task, strings.Join(r.SubjectsMissing, ", "), r.Space)
			}
		}
	}

	for i, u := range p.units {
		r := byTask[u.Task]
		switch {
		case u.Subject == "":
			if len(r.SubjectsAvailable) == 0 {
				skips[i] = types.ReasonNoSubjects
			}
		case r.IsMissing(u.Subject):
			skips[i] = r.MissingReason(u.Subject)
		}
	}
	return skips, reports, nil
}

// Run executes the batch. The returned result is never nil and holds one
// entry per enumerated unit unless a batch-scope error stopped the batch
// before execution. Only batch-scope errors and ctx.Err() are returned.
// A Controller runs one batch at a time; abort state from an earlier Run is
// cleared on entry.
func (c *Controller) Run(ctx context.Context, sess *session.Session) (*types.BatchResult, error) {
	logger := sess.Logger
	c.reset()
	result := &types.BatchResult{BatchID: sess.BatchID, StartedAt: time.Now().UTC()}
	finish := func(err error) (*types.BatchResult, error) {
		result.Sort()
		result.FinishedAt = time.Now().UTC()
		return result, err
	}

	p, err := c.prepare(logger)
	if p != nil {
		result.Reports = p.reports
	}
	if err != nil {
		logger.Error("Batch aborted before execution", "error", err)
		return finish(err)
	}

	tr := tracker.New(p.units)
	sess.Metrics.SetPlanned(len(p.units))
	if err := sess.Journal.Start(len(p.units)); err != nil {
		return finish(fmt.Errorf("%w: journal: %v", types.ErrResource, err))
	}
	logger.Info("Batch planned",
		"subjects", len(p.subjects),
		"tasks", len(c.cfg.Tasks),
		"units", len(p.units),
		"skipped", len(p.skips))

	var journalErr error
	record := func(r types.UnitResult) {
		result.Append(r)
		sess.Metrics.RecordUnit(r)
		if err := sess.Journal.Record(r); err != nil && journalErr == nil {
			journalErr = fmt.Errorf("%w: journal: %v", types.ErrResource, err)
			logger.Error("Journal write failed", "error", err)
		}
	}

	if _, err := tr.TransitionAll(types.StatePending, types.StateValidating); err != nil {
		return finish(err)
	}
	var scheduled []int
	for i, u := range p.units {
		if reason, ok := p.skips[i]; ok {
			if err := tr.Transition(i, types.StateSkipped); err != nil {
				return finish(err)
			}
			logger.Info("Unit skipped", "unit", u.Key(), "reason", reason)
			record(types.UnitResult{
				Index:          i,
				Unit:           u,
				Classification: types.ClassSkipped,
				Kind:           types.KindMissing,
				Reason:         reason,
			})
			continue
		}
		if err := tr.Transition(i, types.StateScheduled); err != nil {
			return finish(err)
		}
		scheduled = append(scheduled, i)
	}

	if len(scheduled) > 0 {
		pool := worker.NewPool(len(scheduled), c.handler(sess, tr), logger)
		if err := pool.Start(ctx, c.cfg.Execution.Workers); err != nil {
			return finish(err)
		}
		for _, i := range scheduled {
			task := worker.Task{Index: i, Unit: p.units[i], Timeout: c.cfg.Execution.Timeout}
			if err := pool.Submit(task); err != nil {
				pool.Stop()
				return finish(err)
			}
		}
		for range scheduled {
			res, err := pool.ReceiveResult()
			if err != nil {
				break
			}
			record(res.Outcome)
		}
		pool.Stop()
	}

	runErr := c.fatal()
	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr == nil {
		runErr = journalErr
	}
	return finish(runErr)
}

// handler runs one scheduled unit. It is called from worker goroutines.
func (c *Controller) handler(sess *session.Session, tr *tracker.Tracker) worker.Handler {
	return func(ctx context.Context, task worker.Task) types.UnitResult {
		logger := sess.Logger.With("unit", task.Unit.Key())
		r := types.UnitResult{Index: task.Index, Unit: task.Unit}

		skip := func(kind types.ErrorKind, reason string) types.UnitResult {
			if err := tr.Transition(task.Index, types.StateSkipped); err != nil {
				logger.Error("State transition rejected", "error", err)
			}
			logger.Info("Unit skipped", "reason", reason)
			r.Classification = types.ClassSkipped
			r.Kind = kind
			r.Reason = reason
			return r
		}
		if ctx.Err() != nil {
			return skip(types.KindCancelled, types.ReasonCancelled)
		}
		if c.aborted.Load() {
			return skip(types.KindAborted, types.ReasonAborted)
		}
		if err := tr.Transition(task.Index, types.StateRunning); err != nil {
			logger.Error("State transition rejected", "error", err)
		}

		r = c.runUnit(ctx, sess, logger, r)

		final := types.StateSucceeded
		if r.Classification == types.ClassFailed {
			final = types.StateFailed
			if c.cfg.Execution.FailFast && r.Kind != types.KindCancelled && !c.aborted.Swap(true) {
				logger.Warn("Fail-fast: remaining units will be skipped")
			}
		}
		if err := tr.Transition(task.Index, final); err != nil {
			logger.Error("State transition rejected", "error", err)
		}
		return r
	}
}

// runUnit executes one unit in its own workspace and classifies the outcome.
func (c *Controller) runUnit(ctx context.Context, sess *session.Session, logger *slog.Logger, r types.UnitResult) (final types.UnitResult) {
	fail := func(kind types.ErrorKind, exitCode int, reason string) types.UnitResult {
		r.Classification = types.ClassFailed
		r.Kind = kind
		r.ExitCode = exitCode
		r.Reason = reason
		return r
	}

	ws, err := sess.Workspaces.Acquire(sess.BatchID + "/" + r.Unit.Key())
	if err != nil {
		if errors.Is(err, workspace.ErrStorageUnwritable) {
			c.setFatal(err)
		}
		logger.Error("Workspace unavailable", "error", err)
		return fail(types.KindResource, -1, err.Error())
	}

	outcome := workspace.Failure
	defer func() {
		if err := sess.Workspaces.Release(ws, outcome); err != nil {
			// Whatever is left behind is reported so it can be cleaned by hand.
			logger.Warn("Workspace release failed", "path", ws.Path, "error", err)
			final.WorkspacePath = ws.Path
		}
	}()

	argv, err := c.builder.Build(InvocationSpec(c.cfg, r.Unit, ws.Path))
	if err != nil {
		r.WorkspacePath = ws.Path
		return fail(types.KindConfig, -1, err.Error())
	}

	r.LogPath = filepath.Join(sess.Dir, r.Unit.Key()+".log")
	logFile, err := os.Create(r.LogPath)
	if err != nil {
		r.WorkspacePath = ws.Path
		return fail(types.KindResource, -1, fmt.Sprintf("open unit log: %v", err))
	}
	defer logFile.Close()

	markers := container.NewMarkerWatcher(c.cfg.Execution.FailureMarkers)
	logger.Info("Unit started", "workspace", ws.Path, "log", r.LogPath)
	logger.Debug("Container command", "argv", strings.Join(argv, " "))

	sess.Metrics.UnitStarted()
	res, err := c.exec.Execute(ctx, argv, io.MultiWriter(logFile, markers))
	sess.Metrics.UnitFinished(r.Unit.Action, res.Duration)
	r.Duration = res.Duration
	r.ExitCode = res.ExitCode

	execErr := &types.ExecutionError{Unit: r.Unit, ExitCode: res.ExitCode, TimedOut: res.TimedOut, Err: err}
	switch {
	case res.Cancelled:
		r = fail(types.KindCancelled, res.ExitCode, types.ReasonCancelled)
	case res.TimedOut:
		r = fail(types.KindTimeout, res.ExitCode, execErr.Error())
	case err != nil, res.ExitCode != 0:
		r = fail(types.KindExecution, res.ExitCode, execErr.Error())
	default:
		if line, ok := markers.Match(); ok {
			r = fail(types.KindExecution, 0, "failure marker in output: "+line)
		} else {
			r.Classification = types.ClassSucceeded
			outcome = workspace.Success
		}
	}

	if r.Classification == types.ClassFailed {
		r.WorkspacePath = ws.Path
		logger.Error("Unit failed",
			"kind", r.Kind,
			"exit_code", r.ExitCode,
			"duration", r.Duration.Round(time.Millisecond),
			"reason", r.Reason,
			"workspace", ws.Path)
	} else {
		logger.Info("Unit succeeded", "duration", r.Duration.Round(time.Millisecond))
	}
	return r
}

// reset clears the abort state left by a previous Run.
func (c *Controller) reset() {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	c.fatalErr = nil
	c.aborted.Store(false)
}

func (c *Controller) setFatal(err error) {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	if c.fatalErr == nil {
		c.fatalErr = err
		c.aborted.Store(true)
	}
}

func (c *Controller) fatal() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}
