package process

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/uprunner/internal/detector"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

// shellSpec writes body to a script in dir and runs it through /bin/sh, which
// avoids ETXTBSY races from exec'ing a file that was just written.
func shellSpec(t *testing.T, dir, body string) Spec {
	t.Helper()
	p := filepath.Join(dir, "child.sh")
	require.NoError(t, os.WriteFile(p, []byte(body+"\n"), 0o600))
	return Spec{Name: "child", WorkDir: dir, Interpreter: "/bin/sh", Executable: p}
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fn()
}

func TestSpawnIfAbsent_ConcurrentTriggersSpawnOnce(t *testing.T) {
	requireUnix(t)
	c := NewController(shellSpec(t, t.TempDir(), "sleep 30"))
	defer c.TerminateGracefully(2 * time.Second)

	const n = 16
	var spawned, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := c.SpawnIfAbsent()
			assert.NoError(t, out.Err)
			if out.Spawned {
				spawned.Add(1)
			}
			if out.AlreadyRunning {
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), spawned.Load())
	assert.Equal(t, int32(n-1), already.Load())
	st := c.Snapshot()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.Spawns)
	assert.Greater(t, st.PID, 0)
}

func TestSpawnIfAbsent_MissingExecutable(t *testing.T) {
	c := NewController(Spec{Name: "missing", WorkDir: t.TempDir(), Executable: "/nonexistent"})

	out := c.SpawnIfAbsent()
	require.Error(t, out.Err)
	assert.False(t, out.Spawned)
	assert.False(t, out.AlreadyRunning)
	assert.False(t, c.IsRunning())
	assert.Equal(t, StateAbsent, c.Snapshot().State)
	assert.NotEmpty(t, c.Snapshot().ExitErr)

	// handle stays absent, so a retry attempts the launch again
	out = c.SpawnIfAbsent()
	require.Error(t, out.Err)
	assert.False(t, out.AlreadyRunning)
}

func TestSpawnIfAbsent_EmptyConfigFailsAtLaunch(t *testing.T) {
	c := NewController(Spec{})
	out := c.SpawnIfAbsent()
	require.Error(t, out.Err)
	assert.False(t, c.IsRunning())
}

func TestSpawnIfAbsent_InvalidWorkDir(t *testing.T) {
	requireUnix(t)
	c := NewController(Spec{WorkDir: filepath.Join(t.TempDir(), "missing"), Executable: "/bin/sh", Args: []string{"-c", "true"}})
	out := c.SpawnIfAbsent()
	require.Error(t, out.Err)
	assert.False(t, c.IsRunning())
}

func TestSpawnIfAbsent_UsesWorkDirWithoutChdir(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	before, err := os.Getwd()
	require.NoError(t, err)

	c := NewController(shellSpec(t, dir, "pwd > cwd.txt\nsleep 30"))
	defer c.TerminateGracefully(2 * time.Second)
	require.True(t, c.SpawnIfAbsent().Spawned)

	out := filepath.Join(dir, "cwd.txt")
	require.True(t, waitUntil(2*time.Second, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && len(b) > 0
	}), "child did not write cwd.txt")

	b, _ := os.ReadFile(out)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(b)))
	assert.Equal(t, want, got)

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, before, after, "supervisor working directory must not change")
}

func TestSpawnIfAbsent_PassesEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := shellSpec(t, dir, `echo "$GREETING" > env.txt`)
	spec.Env = []string{"GREETING=hello", "PATH=" + os.Getenv("PATH")}
	c := NewController(spec)
	require.True(t, c.SpawnIfAbsent().Spawned)
	require.True(t, waitUntil(2*time.Second, func() bool { return !c.IsRunning() }))
	b, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(b)))
}

func TestTerminateGracefully_Absent(t *testing.T) {
	c := NewController(Spec{Executable: "/bin/true"})
	start := time.Now()
	assert.Equal(t, TerminationNone, c.TerminateGracefully(10*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTerminateGracefully_Terminated(t *testing.T) {
	requireUnix(t)
	var exits []ExitReason
	var mu sync.Mutex
	c := NewController(shellSpec(t, t.TempDir(), "sleep 30"), WithHooks(Hooks{
		OnExit: func(_ Status, r ExitReason) {
			mu.Lock()
			exits = append(exits, r)
			mu.Unlock()
		},
	}))
	require.True(t, c.SpawnIfAbsent().Spawned)

	assert.Equal(t, Terminated, c.TerminateGracefully(5*time.Second))
	assert.False(t, c.IsRunning())
	st := c.Snapshot()
	assert.Equal(t, StateAbsent, st.State)
	assert.False(t, st.StoppedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ExitReason{ExitReasonTerminated}, exits)
}

func TestTerminateGracefully_KilledWhenIgnoringTerm(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	c := NewController(shellSpec(t, dir, "trap '' TERM\ntouch ready\nwhile :; do sleep 1; done"))
	require.True(t, c.SpawnIfAbsent().Spawned)
	require.True(t, waitUntil(2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(dir, "ready"))
		return err == nil
	}), "child did not install its trap")

	start := time.Now()
	assert.Equal(t, Killed, c.TerminateGracefully(300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, c.IsRunning())
}

func TestSpawnIfAbsent_ClosedAfterTerminate(t *testing.T) {
	requireUnix(t)
	c := NewController(shellSpec(t, t.TempDir(), "sleep 30"))
	require.True(t, c.SpawnIfAbsent().Spawned)
	c.TerminateGracefully(5 * time.Second)

	out := c.SpawnIfAbsent()
	assert.True(t, errors.Is(out.Err, ErrClosed))
	assert.False(t, out.Spawned)
	assert.False(t, c.IsRunning())
}

func TestChildExitIsFinal(t *testing.T) {
	requireUnix(t)
	var spawns, exits atomic.Int32
	var lastReason atomic.Value
	c := NewController(shellSpec(t, t.TempDir(), "exit 3"), WithHooks(Hooks{
		OnSpawn: func(st Status) {
			if st.PID > 0 {
				spawns.Add(1)
			}
		},
		OnExit: func(_ Status, r ExitReason) {
			exits.Add(1)
			lastReason.Store(r)
		},
	}))

	first := c.SpawnIfAbsent()
	require.True(t, first.Spawned)
	require.True(t, waitUntil(3*time.Second, func() bool { return exits.Load() == 1 }))
	assert.False(t, c.IsRunning())
	st := c.Snapshot()
	assert.Equal(t, StateExited, st.State)
	assert.Equal(t, first.PID, st.PID)
	assert.Contains(t, st.ExitErr, "exit status 3")
	assert.Equal(t, ExitReasonExited, lastReason.Load())

	// no automatic restart and no second spawn from a later trigger
	second := c.SpawnIfAbsent()
	assert.False(t, second.Spawned)
	assert.False(t, second.AlreadyRunning)
	assert.ErrorIs(t, second.Err, ErrExited)
	assert.Equal(t, int32(1), spawns.Load())
	assert.Equal(t, 1, c.Snapshot().Spawns)
	assert.Equal(t, StateExited, c.Snapshot().State)

	assert.Equal(t, TerminationNone, c.TerminateGracefully(time.Second))
	assert.Equal(t, int32(1), exits.Load())
}

func TestTerminateGracefully_WaitsForLaunchInProgress(t *testing.T) {
	requireUnix(t)
	c := NewController(shellSpec(t, t.TempDir(), "sleep 30"))

	// force the starting state, then finish the launch from another goroutine
	c.mu.Lock()
	c.state = StateStarting
	c.mu.Unlock()

	result := make(chan TerminationOutcome, 1)
	go func() { result <- c.TerminateGracefully(5 * time.Second) }()

	select {
	case <-result:
		t.Fatal("terminate must wait while a launch is in progress")
	case <-time.After(100 * time.Millisecond):
	}

	c.mu.Lock()
	c.state = StateAbsent
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case got := <-result:
		assert.Equal(t, TerminationNone, got)
	case <-time.After(2 * time.Second):
		t.Fatal("terminate did not return")
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := shellSpec(t, dir, "sleep 30")
	spec.PIDFile = filepath.Join(dir, "run", "child.pid")
	c := NewController(spec)

	out := c.SpawnIfAbsent()
	require.True(t, out.Spawned)

	pid, stored, err := ReadPIDFile(spec.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, out.PID, pid)
	require.NotNil(t, stored)
	assert.Equal(t, spec.Executable, stored.Executable)
	assert.Equal(t, spec.WorkDir, stored.WorkDir)
	alive, err := detector.PIDFileDetector{PIDFile: spec.PIDFile}.Alive()
	require.NoError(t, err)
	assert.True(t, alive, "recorded start time should match the live child")

	c.TerminateGracefully(5 * time.Second)
	require.True(t, waitUntil(time.Second, func() bool {
		_, err := os.Stat(spec.PIDFile)
		return os.IsNotExist(err)
	}), "pid file should be removed after exit")
}
