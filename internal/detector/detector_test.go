package detector

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// startSleep starts a sleep process that is killed and reaped at cleanup.
func startSleep(t *testing.T) int {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	time.Sleep(20 * time.Millisecond)
	return cmd.Process.Pid
}

func writePidfile(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "child.pid")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	return p
}

func TestProbeWithMatchingMeta(t *testing.T) {
	requireUnix(t)
	pid := startSleep(t)
	meta := MetaFor(pid)
	if meta.StartUnix == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	mb, _ := json.Marshal(meta)
	d := PIDFileDetector{PIDFile: writePidfile(t, strconv.Itoa(pid), "{}", string(mb))}

	got, alive, err := d.Probe()
	if err != nil || !alive || got != pid {
		t.Fatalf("Probe = (%d, %v, %v), want (%d, true, nil)", got, alive, err, pid)
	}
}

func TestProbeRejectsReusedPID(t *testing.T) {
	requireUnix(t)
	pid := startSleep(t)
	meta := MetaFor(pid)
	if meta.StartUnix == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	meta.StartUnix += 12345
	mb, _ := json.Marshal(meta)
	d := PIDFileDetector{PIDFile: writePidfile(t, strconv.Itoa(pid), "{}", string(mb))}

	alive, err := d.Alive()
	if err != nil || alive {
		t.Fatalf("expected not alive for mismatched start time, got %v %v", alive, err)
	}
}

func TestProbeShortFormats(t *testing.T) {
	requireUnix(t)
	pid := startSleep(t)
	for name, lines := range map[string][]string{
		"pid only":      {strconv.Itoa(pid), ""},
		"pid with spec": {strconv.Itoa(pid), `{"name":"main.py","executable":"main.py"}`, ""},
	} {
		if alive, err := (PIDFileDetector{PIDFile: writePidfile(t, lines...)}).Alive(); err != nil || !alive {
			t.Errorf("%s: expected alive, got %v %v", name, alive, err)
		}
	}
}

func TestProbeMissingAndInvalid(t *testing.T) {
	pid, alive, err := PIDFileDetector{PIDFile: filepath.Join(t.TempDir(), "none.pid")}.Probe()
	if pid != 0 || alive || err != nil {
		t.Fatalf("missing file: got (%d, %v, %v)", pid, alive, err)
	}
	for _, content := range []string{"not-a-number", "", "-4"} {
		if _, err := (PIDFileDetector{PIDFile: writePidfile(t, content)}).Alive(); err == nil {
			t.Errorf("content %q: expected error", content)
		}
	}
}

func TestPIDDetector(t *testing.T) {
	requireUnix(t)
	if alive, _ := (PIDDetector{PID: os.Getpid()}).Alive(); !alive {
		t.Fatal("own pid should be alive")
	}
	if alive, _ := (PIDDetector{PID: 0}).Alive(); alive {
		t.Fatal("pid 0 should not be alive")
	}
	if got := (PIDDetector{PID: 7}).Describe(); got != "pid:7" {
		t.Fatalf("Describe = %q", got)
	}
	if got := (PIDFileDetector{PIDFile: "/run/x.pid"}).Describe(); got != "pidfile:/run/x.pid" {
		t.Fatalf("Describe = %q", got)
	}
}

func FuzzProbe(f *testing.F) {
	f.Add("123\n")
	f.Add("not-a-number\n")
	f.Add("\n\n{}\n{\"start_unix\":1}\n")
	f.Fuzz(func(t *testing.T, content string) {
		pf := filepath.Join(t.TempDir(), "fuzz.pid")
		_ = os.WriteFile(pf, []byte(content), 0o600)
		_, _, _ = PIDFileDetector{PIDFile: pf}.Probe()
	})
}
