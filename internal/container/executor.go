package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a terminated runtime gets to exit after
// SIGTERM before it is killed.
const DefaultGracePeriod = 10 * time.Second

const outputTailSize = 64 << 10

// stopSlack bounds the daemon round trip on top of the stop grace period.
const stopSlack = 5 * time.Second

// ExecResult is what the controller learns from one invocation.
type ExecResult struct {
	ExitCode  int
	Output    string // last 64KiB of combined stdout/stderr
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
}

// Executor runs a built argument vector. Implementations stream combined
// output into out verbatim and block until the process exits or ctx ends.
type Executor interface {
	Execute(ctx context.Context, argv []string, out io.Writer) (ExecResult, error)
}

// ContainerStopper stops a named container through the runtime daemon.
type ContainerStopper interface {
	StopContainer(ctx context.Context, name string, grace time.Duration) error
}

// ProcessExecutor runs the runtime CLI as a child process.
type ProcessExecutor struct {
	GracePeriod time.Duration

	// Stopper, when set, is asked to stop the container named by --name in
	// argv once ctx ends. Killing the docker CLI alone leaves the container
	// running under the daemon.
	Stopper ContainerStopper
}

// NewProcessExecutor returns an executor with the default grace period.
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{GracePeriod: DefaultGracePeriod}
}

// Execute runs argv. A non-zero exit is reported through ExitCode, not as an
// error; the error is reserved for processes that could not be started.
//
// On cancellation or timeout the runtime receives SIGTERM; docker run and
// apptainer exec forward it to the containerized tool. After GracePeriod the
// process is killed.
func (e *ProcessExecutor) Execute(ctx context.Context, argv []string, out io.Writer) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{ExitCode: -1}, errors.New("empty argument vector")
	}
	if out == nil {
		out = io.Discard
	}

	tail := &tailBuffer{limit: outputTailSize}
	w := io.MultiWriter(tail, out)

	grace := e.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	name := flagValue(argv, "--name")

	var (
		stopping atomic.Bool
		stopDone = make(chan struct{})
		stopErr  error
	)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Cancel = func() error {
		if e.Stopper != nil && name != "" && stopping.CompareAndSwap(false, true) {
			go func() {
				defer close(stopDone)
				stopCtx, cancel := context.WithTimeout(context.Background(), grace+stopSlack)
				defer cancel()
				stopErr = e.Stopper.StopContainer(stopCtx, name, grace)
			}()
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	start := time.Now()
	err := cmd.Run()
	if stopping.Load() {
		<-stopDone
		if stopErr != nil {
			fmt.Fprintf(w, "\nstop container %s: %v\n", name, stopErr)
		}
	}
	res := ExecResult{
		Duration: time.Since(start),
		Output:   tail.String(),
	}

	switch ctx.Err() {
	case context.DeadlineExceeded:
		res.TimedOut = true
	case context.Canceled:
		res.Cancelled = true
	}

	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	if res.TimedOut || res.Cancelled {
		// Killed after WaitDelay; the context already explains why.
		return res, nil
	}
	return res, fmt.Errorf("start %s: %w", argv[0], err)
}

// flagValue returns the value following flag in argv, up to the image
// reference. Flags after the image belong to the tool, not the runtime.
func flagValue(argv []string, flag string) string {
	for i := 1; i+1 < len(argv); i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
		if !strings.HasPrefix(argv[i], "-") && i > 1 && !strings.HasPrefix(argv[i-1], "-") {
			return ""
		}
	}
	return ""
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// MarkerWatcher scans streamed output line by line for failure markers the
// tool prints when its exit code cannot be trusted (Octave exits 0 after some
// "error:" reports).
type MarkerWatcher struct {
	mu      sync.Mutex
	markers []string
	partial []byte
	matched string
}

// NewMarkerWatcher watches for lines starting with any of markers.
func NewMarkerWatcher(markers []string) *MarkerWatcher {
	return &MarkerWatcher{markers: markers}
}

func (m *MarkerWatcher) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matched != "" || len(m.markers) == 0 {
		return len(p), nil
	}
	m.partial = append(m.partial, p...)
	for {
		i := bytes.IndexByte(m.partial, '\n')
		if i < 0 {
			break
		}
		m.check(string(m.partial[:i]))
		m.partial = m.partial[i+1:]
		if m.matched != "" {
			m.partial = nil
			break
		}
	}
	return len(p), nil
}

func (m *MarkerWatcher) check(line string) {
	line = strings.TrimSpace(line)
	for _, marker := range m.markers {
		if marker != "" && strings.HasPrefix(line, marker) {
			m.matched = line
			return
		}
	}
}

// Match returns the first matching line, including an unterminated last line.
func (m *MarkerWatcher) Match() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matched == "" && len(m.partial) > 0 {
		m.check(string(m.partial))
	}
	return m.matched, m.matched != ""
}
