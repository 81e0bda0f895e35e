package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/uprunner/internal/detector"
)

// writePIDFile stores pid on the first line, the JSON-encoded spec on the
// second and the process start time on the third, so a later run can tell a
// surviving child from a reused pid.
func writePIDFile(spec Spec, pid int) error {
	if spec.PIDFile == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(spec.PIDFile), 0o750); err != nil {
		return err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		specJSON = []byte("{}")
	}
	metaJSON, _ := json.Marshal(detector.MetaFor(pid))
	body := strconv.Itoa(pid) + "\n" + string(specJSON) + "\n" + string(metaJSON) + "\n"
	return os.WriteFile(spec.PIDFile, []byte(body), 0o600)
}

// removePIDFile best-effort
func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ReadPIDFile reads a PID file written by the controller.
// It returns the PID and, if present, the Spec that follows it.
// For files that contain only the PID, spec will be nil.
func ReadPIDFile(path string) (int, *Spec, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	specLine, _, _ := strings.Cut(rest, "\n")
	specLine = strings.TrimSpace(specLine)
	if specLine == "" || specLine == "{}" {
		return pid, nil, nil
	}
	var spec Spec
	if err := json.Unmarshal([]byte(specLine), &spec); err != nil {
		// Return PID even if spec cannot be parsed
		return pid, nil, nil
	}
	return pid, &spec, nil
}
