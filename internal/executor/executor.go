// Package executor runs external processes with bounded time and bounded
// output capture. Every tweak module, the script runner and the elevated
// helper client go through it.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("executor")

const (
	// DefaultTimeout applies when a Command does not set one.
	DefaultTimeout = 5 * time.Minute

	// MaxTimeout caps any requested timeout.
	MaxTimeout = time.Hour

	// MaxOutputSize is the maximum size of stdout/stderr to capture.
	MaxOutputSize = 1024 * 1024
)

// Command describes one process invocation. Args are passed to the process
// directly; no shell is involved.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
	Dir     string
	Env     []string
	// TweakID tags log lines and errors.
	TweakID string
}

// Result is what a finished process produced. A non-zero ExitCode is not a
// Go error; callers decide what it means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// FailureText returns stderr, or stdout when stderr is empty, trimmed. This
// is the most specific message a failed process offers.
func (r Result) FailureText() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	return fmt.Sprintf("process exited with code %d", r.ExitCode)
}

// Runner executes commands. Tests substitute RunnerFunc fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// Executor is the production Runner. It tracks running processes so
// shutdown can cancel them.
type Executor struct {
	mu      sync.Mutex
	running map[*exec.Cmd]context.CancelFunc
}

// New creates an Executor.
func New() *Executor {
	return &Executor{running: make(map[*exec.Cmd]context.CancelFunc)}
}

// Run starts the process and waits for it. Timeouts and cancellation are
// returned as typed tweak errors; a process that ran and exited non-zero
// yields a Result and a nil error.
func (e *Executor) Run(ctx context.Context, c Command) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}
	isolate(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = 5 * time.Second

	e.track(cmd, cancel)
	defer e.untrack(cmd)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		log.Debug("process completed", "name", c.Name, logging.KeyTweakID, c.TweakID, logging.KeyDurationMs, res.Duration.Milliseconds())
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		log.Warn("process interrupted", "name", c.Name, logging.KeyTweakID, c.TweakID, "error", ctxErr)
		return res, tweak.FromContext(c.TweakID, c.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		log.Debug("process exited non-zero", "name", c.Name, logging.KeyTweakID, c.TweakID, "exitCode", res.ExitCode)
		return res, nil
	}

	res.ExitCode = -1
	return res, tweak.NewExecutionError(c.TweakID, c.Name, fmt.Errorf("start %s: %w", c.Name, err))
}

// CancelAll cancels every running process.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for cmd, cancel := range e.running {
		cancel()
		if err := terminate(cmd); err != nil {
			log.Warn("failed to terminate process", "error", err)
		}
	}
}

// RunningCount returns the number of processes currently running.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) track(cmd *exec.Cmd, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[cmd] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(cmd *exec.Cmd) {
	e.mu.Lock()
	delete(e.running, cmd)
	e.mu.Unlock()
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		return len(p), nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return len(p), err // original length avoids short write errors
}
