// ============================================================================
// bidspm-batch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands around the batch controller.
//
// Command Structure:
//   bidspm-batch                   # Root command
//   ├── run                        # Run the batch
//   │   ├── --pilot                # one random subject
//   │   ├── --workers N            # concurrent containers
//   │   ├── --fail-fast            # stop scheduling after the first failure
//   │   └── --skip-preflight       # do not probe the container runtime
//   ├── plan                       # Print the container commands, run nothing
//   ├── validate                   # Check derivatives and model file only
//   ├── sweep                      # Remove stale workspaces
//   ├── status                     # Summary of the latest batch
//   ├── history                    # Past batches from the history store
//   └── --config, -c               # Config file (all commands)
//
// run Command:
//   1. Load config, apply flag overrides, validate
//   2. Preflight the container runtime
//   3. Open the session (log dir, journal, sweep, metrics, history)
//   4. Controller.Run until done or SIGINT/SIGTERM
//   5. Teardown (summary, metrics textfile, history)
//
//   Examples:
//     bidspm-batch run -c study.yaml
//     bidspm-batch run -c study.yaml --pilot
//
// Exit Codes:
//   0 all units succeeded or were skipped
//   1 at least one unit failed
//   2 configuration error
//   3 validation error
//   4 resource error (workspace root, log dir)
//   130 interrupted
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/internal/container"
	"github.com/ChuLiYu/bidspm-batch/internal/controller"
	"github.com/ChuLiYu/bidspm-batch/internal/history"
	"github.com/ChuLiYu/bidspm-batch/internal/session"
	"github.com/ChuLiYu/bidspm-batch/internal/summary"
	"github.com/ChuLiYu/bidspm-batch/internal/workspace"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Version is stamped at build time.
var Version = "dev"

// ErrUnitsFailed is returned by run when the batch finished with failed units.
var ErrUnitsFailed = errors.New("batch finished with failed units")

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bidspm-batch",
		Short: "Run bidspm over a BIDS derivatives tree in containers",
		Long: `bidspm-batch runs the bidspm analysis tool once per subject, task and
action inside Docker or Apptainer:
- precondition checks against the fMRIPrep derivatives
- one isolated scratch directory per run
- per-unit logs, a journal and a summary per batch
- Prometheus metrics and an optional SQLite history`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "bidspm-batch.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildSweepCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, types.ErrConfig):
		return 2
	case errors.Is(err, types.ErrValidation):
		return 3
	case errors.Is(err, types.ErrResource):
		return 4
	}
	return 1
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	pilot         bool
	workers       int
	failFast      bool
	skipPreflight bool
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the batch",
		Long:  "Validate, then run every scheduled unit in the container runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, &opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			exec, closeExec := newExecutor(cfg, cmd.ErrOrStderr())
			defer closeExec()
			return runBatch(ctx, cfg, exec, opts.skipPreflight, cmd.ErrOrStderr(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.pilot, "pilot", false, "run a single randomly chosen subject")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of concurrent containers (overrides execution.workers)")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "skip remaining units after the first failure")
	cmd.Flags().BoolVar(&opts.skipPreflight, "skip-preflight", false, "do not check the container runtime before running")

	return cmd
}

// newExecutor returns the process executor for cfg. With docker it also
// stops timed-out containers through the daemon, since killing the CLI
// leaves them running.
func newExecutor(cfg *config.Config, stderr io.Writer) (*container.ProcessExecutor, func()) {
	exec := container.NewProcessExecutor()
	if cfg.Runtime() != container.RuntimeDocker {
		return exec, func() {}
	}
	stopper, err := container.NewDockerStopper()
	if err != nil {
		fmt.Fprintf(stderr, "warning: docker client unavailable, timed-out containers will not be stopped: %v\n", err)
		return exec, func() {}
	}
	exec.Stopper = stopper
	return exec, func() { stopper.Close() }
}

func runBatch(ctx context.Context, cfg *config.Config, exec container.Executor, skipPreflight bool, logOut, out io.Writer) error {
	if !skipPreflight {
		if err := container.Preflight(ctx, cfg.Target()); err != nil {
			return err
		}
	}

	sess, err := session.Init(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(cfg, exec, controller.WithLogger(sess.Logger))
	if err != nil {
		sess.Teardown(context.Background(), nil, err)
		return err
	}

	result, runErr := ctrl.Run(ctx, sess)
	// Teardown must finish even when ctx was cancelled.
	tdErr := sess.Teardown(context.Background(), result, runErr)

	printResult(out, result, sess.Dir)
	if err := errors.Join(runErr, tdErr); err != nil {
		return err
	}
	if !result.OK() {
		return ErrUnitsFailed
	}
	return nil
}

func printResult(w io.Writer, result *types.BatchResult, dir string) {
	counts := result.Counts()
	fmt.Fprintf(w, "\nBatch %s\n", result.BatchID)
	fmt.Fprintf(w, "  ├─ Succeeded: %d\n", counts[types.ClassSucceeded])
	fmt.Fprintf(w, "  ├─ Skipped:   %d\n", counts[types.ClassSkipped])
	fmt.Fprintf(w, "  ├─ Failed:    %d\n", counts[types.ClassFailed])
	fmt.Fprintf(w, "  └─ Logs:      %s\n", dir)
	failed := result.Failed()
	if len(failed) == 0 {
		return
	}
	fmt.Fprintln(w, "\nFailed units:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  UNIT\tKIND\tEXIT\tWORKSPACE\tLOG")
	for _, u := range failed {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\n", u.Unit.Key(), u.Kind, u.ExitCode, u.WorkspacePath, u.LogPath)
	}
	tw.Flush()
}

// ============================================================================
// plan / validate
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var asJSON bool
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the container commands without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, &opts)
			if err != nil {
				return err
			}
			ctrl, err := controller.New(cfg, nil, controller.WithLogger(quietLogger(cmd.ErrOrStderr())))
			if err != nil {
				return err
			}
			plan, err := ctrl.Plan(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	cmd.Flags().BoolVar(&opts.pilot, "pilot", false, "plan a single randomly chosen subject")
	return cmd
}

func printPlan(w io.Writer, plan *controller.Plan) {
	fmt.Fprintf(w, "Subjects: %s\n", strings.Join(plan.Subjects, ", "))
	fmt.Fprintf(w, "Units:    %d (%d scheduled)\n\n", len(plan.Units), len(plan.Scheduled()))
	for _, u := range plan.Units {
		if u.Skip != "" {
			fmt.Fprintf(w, "# %s: skipped (%s)\n", u.Unit.Key(), u.Skip)
			continue
		}
		fmt.Fprintf(w, "# %s\n%s\n", u.Unit.Key(), strings.Join(u.Argv, " "))
	}
}

func buildValidateCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the derivatives tree and model file",
		Long:  "Report, per task, which subjects have derivatives in the configured space",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, nil)
			if err != nil {
				return err
			}
			return validate(cmd.OutOrStdout(), cfg, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

// validate runs the same checks as run: model file, then derivatives.
func validate(w io.Writer, cfg *config.Config, asJSON bool) error {
	if cfg.Execution.SkipValidation {
		cfg.Execution.SkipValidation = false
		fmt.Fprintln(w, "note: execution.skip_validation is set; run will not apply these checks")
	}
	ctrl, err := controller.New(cfg, nil, controller.WithLogger(quietLogger(io.Discard)))
	if err != nil {
		return err
	}
	plan, err := ctrl.Plan(context.Background())
	if err != nil && plan == nil {
		return err
	}
	if asJSON {
		if jerr := writeJSON(w, plan.Reports); jerr != nil {
			return jerr
		}
		return err
	}
	for _, r := range plan.Reports {
		status := "ok"
		if !r.Passed() {
			status = "missing subjects"
		}
		fmt.Fprintf(w, "task-%s space-%s: %s\n", r.Task, r.Space, status)
		fmt.Fprintf(w, "  ├─ Available:    %s\n", strings.Join(r.SubjectsAvailable, ", "))
		fmt.Fprintf(w, "  ├─ Missing:      %s\n", strings.Join(r.SubjectsMissing, ", "))
		fmt.Fprintf(w, "  └─ Spaces found: %s\n", strings.Join(r.SpacesFound, ", "))
		for _, sub := range r.SubjectsMissing {
			fmt.Fprintf(w, "       sub-%s: %s\n", sub, r.MissingReason(sub))
		}
	}
	return err
}

// ============================================================================
// sweep / status / history
// ============================================================================

func buildSweepCommand() *cobra.Command {
	var retention time.Duration
	var list bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove workspaces older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, nil)
			if err != nil {
				return err
			}
			m, err := workspace.NewManager(cfg.Workspace.Root, quietLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if list {
				kept, err := m.List()
				if err != nil {
					return err
				}
				for _, ws := range kept {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ws.Path, ws.Status, ws.CreatedAt.Format(time.RFC3339), ws.RunID)
				}
				return nil
			}
			if retention == 0 {
				retention = cfg.Workspace.Retention
			}
			removed, err := m.Sweep(retention)
			for _, p := range removed {
				fmt.Fprintf(w, "removed %s\n", p)
			}
			fmt.Fprintf(w, "%d workspace(s) older than %s removed\n", len(removed), retention)
			return err
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "override workspace.retention")
	cmd.Flags().BoolVar(&list, "list", false, "list workspaces instead of sweeping")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the latest batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, nil)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(w io.Writer, cfg *config.Config) error {
	m, err := summary.Latest(cfg.Log.Dir)
	if err != nil {
		if errors.Is(err, summary.ErrSummaryNotFound) {
			fmt.Fprintln(w, "No batch has finished yet (run 'bidspm-batch run' to start)")
			return nil
		}
		return err
	}
	s, err := m.Load()
	if err != nil {
		return err
	}

	state := "ok"
	switch {
	case s.Cancelled:
		state = "cancelled"
	case s.Error != "":
		state = "error: " + s.Error
	case !s.OK:
		state = "failed units"
	}
	fmt.Fprintf(w, "Latest batch %s\n", s.BatchID)
	fmt.Fprintf(w, "  ├─ Status:    %s\n", state)
	fmt.Fprintf(w, "  ├─ Started:   %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  ├─ Duration:  %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "  ├─ Succeeded: %d\n", s.Counts[types.ClassSucceeded])
	fmt.Fprintf(w, "  ├─ Skipped:   %d\n", s.Counts[types.ClassSkipped])
	fmt.Fprintf(w, "  ├─ Failed:    %d\n", s.Counts[types.ClassFailed])
	fmt.Fprintf(w, "  └─ Summary:   %s\n", m.GetPath())
	if s.Result != nil {
		for _, u := range s.Result.Failed() {
			fmt.Fprintf(w, "     %s: %s\n", u.Unit.Key(), u.Reason)
		}
	}
	return nil
}

func buildHistoryCommand() *cobra.Command {
	var limit int
	var failures bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, nil)
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return types.ConfigErrorf("history.path is not set")
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			return showHistory(cmd.Context(), cmd.OutOrStdout(), store, limit, failures)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of batches to show (0 for all)")
	cmd.Flags().BoolVar(&failures, "failures", false, "show failure counts per subject instead")
	return cmd
}

func showHistory(ctx context.Context, w io.Writer, store *history.Store, limit int, failures bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	if failures {
		counts, err := store.SubjectFailures(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "SUBJECT\tFAILED UNITS")
		for _, sub := range sortedKeys(counts) {
			fmt.Fprintf(tw, "sub-%s\t%d\n", sub, counts[sub])
		}
		return nil
	}

	batches, err := store.ListBatches(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "BATCH\tSTARTED\tOK\tSUCCEEDED\tSKIPPED\tFAILED\tERROR")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
			b.BatchID[:min(8, len(b.BatchID))], b.StartedAt.Format(time.RFC3339), b.OK,
			b.Succeeded, b.Skipped, b.Failed, b.Error)
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

// loadConfig reads the config file and applies flag overrides.
func loadConfig(path string, opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts == nil {
		return cfg, nil
	}
	if opts.pilot {
		cfg.Pilot = true
	}
	if opts.workers > 0 {
		cfg.Execution.Workers = opts.workers
	}
	if opts.failFast {
		cfg.Execution.FailFast = true
	}
	return cfg, nil
}

func quietLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
