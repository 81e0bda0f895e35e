package process

import (
	"errors"
	"time"
)

// ErrClosed is reported by SpawnIfAbsent once TerminateGracefully has run.
var ErrClosed = errors.New("controller closed: supervisor is shutting down")

// ErrExited is reported by SpawnIfAbsent after the child has exited on its own.
var ErrExited = errors.New("child already exited; restart the supervisor to spawn it again")

// State of the child handle.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited" // exited on its own; no further spawns
)

// Status is a snapshot of the child handle.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   string    `json:"exit_error,omitempty"`
	Spawns    int       `json:"spawns"`
}

// SpawnOutcome is the result of SpawnIfAbsent.
type SpawnOutcome struct {
	Spawned        bool
	AlreadyRunning bool
	PID            int
	Err            error
}

// TerminationOutcome is the result of TerminateGracefully.
type TerminationOutcome int

const (
	TerminationNone TerminationOutcome = iota // no child was held
	Terminated                                // exited within the grace period
	Killed                                    // forcibly killed after the grace period
)

func (o TerminationOutcome) String() string {
	switch o {
	case Terminated:
		return "terminated"
	case Killed:
		return "killed"
	default:
		return "none"
	}
}

// ExitReason explains why a child left the running state.
type ExitReason string

const (
	ExitReasonExited     ExitReason = "exited" // exited on its own
	ExitReasonTerminated ExitReason = "terminated"
	ExitReasonKilled     ExitReason = "killed"
)

// Hooks are invoked after handle transitions. They run outside the controller
// lock and must not call back into TerminateGracefully.
type Hooks struct {
	OnSpawn func(Status)
	OnExit  func(Status, ExitReason)
}
