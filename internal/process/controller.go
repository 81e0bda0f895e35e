package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/uprunner/internal/metrics"
)

// killReapTimeout bounds the wait for the monitor to reap a child after SIGKILL.
const killReapTimeout = 5 * time.Second

// Controller owns the lifecycle of at most one child process.
//
// The handle moves absent -> starting -> running. The starting state is
// entered under the lock before the launch call, so concurrent callers of
// SpawnIfAbsent can never both launch. A failed launch returns to absent.
// TerminateGracefully moves running -> absent and closes the controller; a
// child that exits on its own moves running -> exited. Neither allows a
// second spawn.
type Controller struct {
	spec  Spec
	log   *slog.Logger
	hooks Hooks

	mu       sync.Mutex
	cond     *sync.Cond // signalled whenever state leaves StateStarting or the child is reaped
	state    State
	cmd      *exec.Cmd
	waitDone chan struct{} // closed by monitor when cmd.Wait returns
	status   Status
	stopping bool // TerminateGracefully owns the exit report
	closed   bool
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

func NewController(spec Spec, opts ...Option) *Controller {
	c := &Controller{spec: spec, log: slog.Default(), state: StateAbsent}
	c.cond = sync.NewCond(&c.mu)
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("child", spec.displayName())
	c.status = Status{Name: spec.displayName(), State: StateAbsent}
	return c
}

// Spec returns the launch specification.
func (c *Controller) Spec() Spec { return c.spec }

// IsRunning reports whether the handle is held (starting or running).
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStarting || c.state == StateRunning
}

// Snapshot returns a copy of the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SpawnIfAbsent launches the child unless one is already held. It returns as
// soon as the launch call returns; the child may still be initializing.
// Launch failures are reported in SpawnOutcome.Err and leave the handle absent.
// Once the child has exited it reports ErrExited.
func (c *Controller) SpawnIfAbsent() SpawnOutcome {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return SpawnOutcome{Err: ErrClosed}
	}
	if c.state == StateExited {
		c.mu.Unlock()
		return SpawnOutcome{Err: ErrExited}
	}
	if c.state != StateAbsent {
		pid := c.status.PID
		c.mu.Unlock()
		c.log.Info("child already running, no need to spawn", "pid", pid)
		return SpawnOutcome{AlreadyRunning: true, PID: pid}
	}
	c.state = StateStarting
	c.status.State = StateStarting
	spec := c.spec
	c.mu.Unlock()

	cmd := configureCmd(spec)
	c.log.Info("spawning child", "work_dir", spec.WorkDir, "executable", spec.Executable)
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("launch %q: %w", spec.Executable, err)
		c.mu.Lock()
		c.state = StateAbsent
		c.status.State = StateAbsent
		c.status.ExitErr = err.Error()
		c.cond.Broadcast()
		c.mu.Unlock()
		metrics.IncSpawnFailure()
		c.log.Error("child launch failed", "error", err)
		return SpawnOutcome{Err: err}
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.waitDone = done
	c.stopping = false
	c.state = StateRunning
	c.status = Status{
		Name:      spec.displayName(),
		State:     StateRunning,
		Running:   true,
		PID:       pid,
		StartedAt: time.Now(),
		Spawns:    c.status.Spawns + 1,
	}
	st := c.status
	c.cond.Broadcast()
	c.mu.Unlock()

	if err := writePIDFile(spec, pid); err != nil {
		c.log.Warn("failed to write pid file", "path", spec.PIDFile, "error", err)
	}
	metrics.IncSpawn()
	metrics.SetChildRunning(true)
	c.log.Info("child running", "pid", pid)
	if c.hooks.OnSpawn != nil {
		c.hooks.OnSpawn(st)
	}
	go c.monitor(cmd, done)
	return SpawnOutcome{Spawned: true, PID: pid}
}

// monitor is the only caller of cmd.Wait.
func (c *Controller) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	c.mu.Lock()
	stopping := c.stopping
	if c.cmd == cmd {
		c.release(err)
		if !stopping {
			c.state = StateExited
			c.status.State = StateExited
		}
	}
	st := c.status
	c.mu.Unlock()
	close(done)

	removePIDFile(c.spec.PIDFile)
	metrics.SetChildRunning(false)
	if stopping {
		return
	}
	c.log.Warn("child exited", "pid", st.PID, "error", err)
	metrics.IncExit(string(ExitReasonExited))
	if c.hooks.OnExit != nil {
		c.hooks.OnExit(st, ExitReasonExited)
	}
}

// release returns the handle to absent. Caller holds c.mu.
func (c *Controller) release(exitErr error) {
	c.cmd = nil
	c.waitDone = nil
	c.state = StateAbsent
	c.status.State = StateAbsent
	c.status.Running = false
	c.status.StoppedAt = time.Now()
	c.status.ExitErr = ""
	if exitErr != nil {
		c.status.ExitErr = exitErr.Error()
	}
	c.cond.Broadcast()
}

// TerminateGracefully asks the child to exit and waits up to timeout before
// killing it. It is a no-op when no child is running. A launch in progress is
// allowed to finish first. Afterwards the handle is absent and the controller
// is closed for further spawns.
func (c *Controller) TerminateGracefully(timeout time.Duration) TerminationOutcome {
	c.mu.Lock()
	c.closed = true
	for c.state == StateStarting {
		c.cond.Wait()
	}
	if c.state != StateRunning || c.cmd == nil {
		c.mu.Unlock()
		return TerminationNone
	}
	c.stopping = true
	cmd := c.cmd
	pid := c.status.PID
	done := c.waitDone
	c.mu.Unlock()

	c.log.Info("terminating child", "pid", pid, "timeout", timeout)
	if err := requestStop(pid); err != nil {
		c.log.Warn("terminate request failed", "pid", pid, "error", err)
	}

	outcome := Terminated
	select {
	case <-done:
		c.log.Info("child terminated", "pid", pid)
	case <-time.After(timeout):
		outcome = Killed
		c.log.Error("child does not respond and will be killed", "pid", pid, "timeout", timeout)
		if err := forceKill(pid); err != nil {
			c.log.Warn("kill failed", "pid", pid, "error", err)
		}
		select {
		case <-done:
		case <-time.After(killReapTimeout):
			c.log.Error("child not reaped after kill", "pid", pid)
			c.mu.Lock()
			if c.cmd == cmd {
				c.release(fmt.Errorf("not reaped after kill"))
			}
			c.mu.Unlock()
		}
	}

	reason := ExitReasonTerminated
	if outcome == Killed {
		reason = ExitReasonKilled
	}
	metrics.IncExit(string(reason))
	if c.hooks.OnExit != nil {
		c.hooks.OnExit(c.Snapshot(), reason)
	}
	return outcome
}

// configureCmd wires directory, environment, stdio and process group.
// Stdout and stdin are inherited; stderr is left nil, which os/exec binds to
// the null device.
func configureCmd(spec Spec) *exec.Cmd {
	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	configureSysProcAttr(cmd)
	return cmd
}
