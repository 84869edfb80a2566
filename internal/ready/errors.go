package ready

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupFailed matches a *StartupError: the worker was restarted more
	// often than MaxRestarts allows without signaling readiness.
	ErrStartupFailed = errors.New("worker startup failed")
	// ErrProcessGone is returned when the worker signaled readiness but had
	// disappeared by the time its PID was re-queried.
	ErrProcessGone = errors.New("worker process gone after startup")
)

// WaitFault is an internal failure of the polling loop: the supervisor or
// the handshake probe returned an error.
type WaitFault struct {
	Op  string // query, start, probe, kill
	Err error
}

func (e *WaitFault) Error() string { return fmt.Sprintf("wait %s: %v", e.Op, e.Err) }

func (e *WaitFault) Unwrap() error { return e.Err }

// StartupError is the terminal FAILED state of the waiter.
type StartupError struct {
	Restarts int
	LastPID  int
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("worker did not signal readiness after %d restarts (last pid %d)", e.Restarts, e.LastPID)
}

func (e *StartupError) Is(target error) bool { return target == ErrStartupFailed }
