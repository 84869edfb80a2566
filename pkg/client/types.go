package client

import "time"

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// ProcessInfo is what the daemon observes about the worker process.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	Exists    bool      `json:"exists"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// HandshakeRecord is the stored handshake content.
type HandshakeRecord struct {
	PID int `json:"PID"`
}

// Status represents the daemon's view of the worker.
type Status struct {
	Name           string           `json:"name"`
	Process        ProcessInfo      `json:"process"`
	Handshake      *HandshakeRecord `json:"handshake"`
	HandshakeError string           `json:"handshake_error,omitempty"`
	State          string           `json:"state"`
	Misses         int              `json:"misses"`
	Restarts       int              `json:"restarts"`
}

type handshakeResponse struct {
	Record *HandshakeRecord `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
