package process

import (
	"log/slog"
	"time"

	"github.com/loykin/uprunner/internal/detector"
)

const orphanPollInterval = 50 * time.Millisecond

// StopOrphan terminates a child left running by an earlier supervisor whose
// pidfile still exists, escalating to kill after timeout. A pidfile naming a
// dead or reused pid is removed and reported as TerminationNone.
func StopOrphan(pidFile string, timeout time.Duration, log *slog.Logger) (int, TerminationOutcome, error) {
	if pidFile == "" {
		return 0, TerminationNone, nil
	}
	if log == nil {
		log = slog.Default()
	}
	pid, alive, err := detector.PIDFileDetector{PIDFile: pidFile}.Probe()
	if err != nil {
		return 0, TerminationNone, err
	}
	if !alive {
		if pid != 0 {
			log.Info("removing stale child pidfile", "path", pidFile, "pid", pid)
			removePIDFile(pidFile)
		}
		return pid, TerminationNone, nil
	}

	log.Warn("child from a previous run is still alive, terminating it", "pid", pid, "pidfile", pidFile)
	if err := requestStop(pid); err != nil {
		return pid, TerminationNone, err
	}
	outcome := Terminated
	if !waitGone(pid, timeout) {
		outcome = Killed
		log.Error("orphaned child does not respond and will be killed", "pid", pid, "timeout", timeout)
		if err := forceKill(pid); err != nil {
			return pid, outcome, err
		}
		waitGone(pid, killReapTimeout)
	}
	removePIDFile(pidFile)
	return pid, outcome, nil
}

func waitGone(pid int, timeout time.Duration) bool {
	d := detector.PIDDetector{PID: pid}
	deadline := time.Now().Add(timeout)
	for {
		if alive, _ := d.Alive(); !alive {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(orphanPollInterval)
	}
}
