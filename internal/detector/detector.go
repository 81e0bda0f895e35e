// Package detector decides whether a child recorded by an earlier supervisor
// run is still alive, guarding against PID reuse with the recorded start time.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

// Meta is the third line of a child pidfile.
type Meta struct {
	StartUnix int64 `json:"start_unix"`
}

// MetaFor returns the meta line for a running pid, or the zero Meta when the
// start time cannot be read.
func MetaFor(pid int) Meta {
	return Meta{StartUnix: getProcStartUnix(pid)}
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// PIDFileDetector detects a process via a pidfile: PID on the first line,
// an optional spec JSON on the second and an optional Meta JSON on the third.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	_, alive, err := d.Probe()
	return alive, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// Probe returns the recorded pid and whether it still names the same process.
// A missing file is not an error and reports pid 0.
func (d PIDFileDetector) Probe() (int, bool, error) {
	data, err := os.ReadFile(filepath.Clean(d.PIDFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, false, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}
	if pid <= 0 {
		return 0, false, fmt.Errorf("invalid pid in %s: %d", d.PIDFile, pid)
	}
	if len(lines) >= 3 {
		var m Meta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &m) == nil && m.StartUnix > 0 {
			if cur := getProcStartUnix(pid); cur > 0 && cur != m.StartUnix {
				return pid, false, nil // reused pid
			}
		}
	}
	return pid, pidAlive(pid), nil
}
