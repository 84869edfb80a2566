package process

import "time"

// Info is what the OS reports about the worker right now. It is queried fresh
// on every call and never cached.
type Info struct {
	PID       int       `json:"pid"`
	Exists    bool      `json:"exists"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Status describes the last child this process handle launched.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"exit_error,omitempty"`
	Starts    int       `json:"starts"`
}
