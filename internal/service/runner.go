package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dftlab/dftsup/internal/model"
)

// Command is a launch prototype. Env entries are KEY=VALUE and are added to
// the supervisor's own environment.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// NewCommand converts the configured command, expanding $VARS in env values.
func NewCommand(c model.Command) Command {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := c.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path: c.Path,
		Args: append([]string(nil), c.Args...),
		Env:  env,
	}
}

type Result struct {
	Path    string
	Args    []string
	Dir     string
	Pid     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	// Code is the exit code for launchers which have no ProcessState.
	Code int
	Err  error
}

// ExitCode returns the exit code, or -1 if the process did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return r.Code
	}
	return r.State.ExitCode()
}

// Launcher starts external processes. Runner is the OS implementation.
type Launcher interface {
	Spawn(ctx context.Context, dir string, cmd Command, stdout, stderr io.Writer) (Process, error)
}

// Process is a handle to one spawned process tree.
type Process interface {
	Pid() int
	// Done is closed once the process has exited and its output was copied.
	Done() <-chan struct{}
	// Result is complete only after Done is closed.
	Result() Result
	// Terminate stops the whole process tree. It is idempotent. For a
	// process which has already exited it only kills descendants left in
	// its group and returns nil.
	Terminate(ctx context.Context) error
}

// Runner is a thin, opinionated wrapper around os/exec:
//   - runs the command inside the working directory
//   - puts the child into its own process group, so the tree can be killed
//   - streams stdout and stderr to the given writers
//   - escalates from a graceful to a forceful tree kill after a grace period
type Runner struct {
	grace time.Duration
}

func NewRunner(grace time.Duration) *Runner {
	if grace <= 0 {
		grace = model.DefaultGracePeriod
	}
	return &Runner{grace: grace}
}

// Spawn starts the command and returns immediately. A command which can't be
// started is reported as model.ErrSpawn. A non-zero Command.Timeout
// terminates the tree once elapsed and marks the result with model.ErrTimeout.
func (r *Runner) Spawn(ctx context.Context, dir string, proto Command, stdout, stderr io.Writer) (Process, error) {
	path := resolveCommand(dir, proto.Path)
	cmd := exec.Command(path, proto.Args...)
	cmd.Dir = dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// grandchildren may keep the pipes open after the direct child exits
	cmd.WaitDelay = r.grace
	setProcGroup(cmd)

	p := &osProcess{
		cmd:   cmd,
		grace: r.grace,
		done:  make(chan struct{}),
		result: Result{
			Path: path,
			Args: append([]string(nil), proto.Args...),
			Dir:  dir,
		},
	}

	p.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}
	p.pid = cmd.Process.Pid
	p.result.Pid = p.pid
	slog.DebugContext(ctx, "process started", "path", path, "pid", p.pid, "dir", dir)

	if proto.Timeout > 0 {
		p.timer = time.AfterFunc(proto.Timeout, func() {
			p.timedOut.Store(true)
			slog.WarnContext(ctx, "process timed out: terminating", "pid", p.pid, "timeout", proto.Timeout.String())
			if err := p.Terminate(context.Background()); err != nil {
				slog.ErrorContext(ctx, "terminating timed out process", "pid", p.pid, "error", err)
			}
		})
	}

	go p.wait(proto.Timeout)
	return p, nil
}

// resolveCommand prefers a script in the working directory over $PATH,
// the driver batch file is materialized there.
func resolveCommand(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	candidate := filepath.Join(dir, path)
	if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
		return candidate
	}
	return path
}

type osProcess struct {
	cmd      *exec.Cmd
	pid      int
	grace    time.Duration
	timer    *time.Timer
	timedOut atomic.Bool

	done chan struct{}

	mx     sync.Mutex
	result Result

	termOnce sync.Once
	termErr  error
}

func (p *osProcess) Pid() int {
	return p.pid
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) Result() Result {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.result
}

func (p *osProcess) wait(timeout time.Duration) {
	err := p.cmd.Wait()
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.timedOut.Load() {
		err = fmt.Errorf("%w after %s", model.ErrTimeout, timeout)
	}

	p.mx.Lock()
	p.result.Stopped = time.Now().UTC()
	p.result.State = p.cmd.ProcessState
	p.result.Code = -1
	p.result.Err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *osProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *osProcess) Terminate(ctx context.Context) error {
	if p.exited() {
		if err := sweepProcessGroup(p.pid); err == nil {
			slog.DebugContext(ctx, "killed processes left in the group", "pid", p.pid)
		}
		return nil
	}
	p.termOnce.Do(func() {
		p.termErr = p.terminate(ctx)
	})
	return p.termErr
}

// terminate asks the tree to stop and escalates to a forceful kill when the
// grace period expires or ctx is done.
func (p *osProcess) terminate(ctx context.Context) error {
	if err := terminateProcessGroup(p.pid); err != nil && !p.exited() {
		slog.DebugContext(ctx, "graceful tree termination failed", "pid", p.pid, "error", err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	slog.WarnContext(ctx, "process tree did not stop in time: killing", "pid", p.pid, "grace", p.grace.String())
	killErr := killProcessGroup(p.pid)
	if killErr != nil {
		// fall back to the direct child
		killErr = errors.Join(killErr, p.cmd.Process.Kill())
	}

	reap := time.NewTimer(p.grace)
	defer reap.Stop()
	select {
	case <-p.done:
		return nil
	case <-reap.C:
		return fmt.Errorf("process %d still running after kill: %w", p.pid, killErr)
	}
}
