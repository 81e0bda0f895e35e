package process

import (
	"os/exec"
	"strings"
)

// Spec describes the single child application the supervisor may launch.
type Spec struct {
	Name        string   `json:"name"`                  // label used in logs, metrics and history
	WorkDir     string   `json:"work_dir"`              // working directory of the child
	Executable  string   `json:"executable"`            // script or binary to launch
	Interpreter string   `json:"interpreter,omitempty"` // optional launcher, e.g. "python3 -u"
	Args        []string `json:"args,omitempty"`        // extra arguments after Executable
	Env         []string `json:"-"`                     // full child environment; nil inherits the supervisor's
	PIDFile     string   `json:"pid_file,omitempty"`    // optional pidfile path
}

// BuildCommand constructs the *exec.Cmd for the spec. When Interpreter is set
// it is split on whitespace and Executable is passed as its first argument.
// An empty Executable is left as-is so that the failure surfaces at Start.
//
// A relative Executable containing a path separator is resolved against
// WorkDir by os/exec.
func (s *Spec) BuildCommand() *exec.Cmd {
	interp := strings.Fields(s.Interpreter)
	if len(interp) == 0 {
		// #nosec G204
		return exec.Command(s.Executable, s.Args...)
	}
	args := append(append(interp[1:len(interp):len(interp)], s.Executable), s.Args...)
	// #nosec G204
	return exec.Command(interp[0], args...)
}

func (s *Spec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Executable
}
