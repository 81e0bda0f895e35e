package client

import "time"

// TriggerResponse is the JSON line returned by the control port.
type TriggerResponse struct {
	Message       string  `json:"message"`
	Spawned       bool    `json:"spawned"`
	Error         *string `json:"error"`
	CallerAddress string  `json:"myAddress"`
}

// ChildStatus mirrors the child handle snapshot served by the admin API.
type ChildStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   string    `json:"exit_error,omitempty"`
	Spawns    int       `json:"spawns"`
}

// Usage is a resource sample of the running child.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusResponse is the body of GET {base}/status.
type StatusResponse struct {
	Status ChildStatus `json:"status"`
	Health string      `json:"health"`
	Usage  *Usage      `json:"usage,omitempty"`
}

// SpawnResponse is the body of POST {base}/spawn.
type SpawnResponse struct {
	Spawned        bool   `json:"spawned"`
	AlreadyRunning bool   `json:"already_running"`
	PID            int    `json:"pid,omitempty"`
	Error          string `json:"error,omitempty"`
}
