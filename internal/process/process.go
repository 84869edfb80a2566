package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/readyd/internal/env"
)

// Process launches the worker and reaps the child it started. Workers that
// were not launched by this handle (a previous daemon run, an operator) are
// still visible through the name lookup; Process only tracks its own child.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	status    Status
	mu        sync.Mutex
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed when cmd.Wait returns
}

func New(spec Spec) *Process { return &Process{spec: spec, status: Status{Name: spec.Name}} }

// ConfigureCmd builds and configures *exec.Cmd for the worker.
// It sets workdir, environment, stdio/logging and platform process attributes.
func (r *Process) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd, spec)

	outW, errW, _ := spec.Log.ProcessWriters(spec.Name)
	if outW != nil || errW != nil {
		if spec.Log.File.Dir != "" {
			_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
		}
	}
	r.mu.Lock()
	r.outCloser, r.errCloser = outW, errW
	r.mu.Unlock()
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	return cmd
}

// Start launches the worker and begins reaping it in the background.
// It returns the new PID.
func (r *Process) Start() (int, error) {
	r.mu.Lock()
	merged := env.Merge(os.Environ(), r.spec.Env)
	r.mu.Unlock()

	cmd := r.ConfigureCmd(merged)
	if err := cmd.Start(); err != nil {
		r.CloseWriters()
		return 0, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = done
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.StartedAt = time.Now()
	r.status.StoppedAt = time.Time{}
	r.status.ExitErr = nil
	r.status.Starts++
	r.mu.Unlock()

	go r.reap(cmd, done)
	return cmd.Process.Pid, nil
}

func (r *Process) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	if r.cmd == cmd {
		r.status.Running = false
		r.status.StoppedAt = time.Now()
		r.status.ExitErr = err
	}
	r.mu.Unlock()
	r.CloseWriters()
	close(done)
}

// WaitDone returns a channel closed when the last started child has been reaped.
// It is nil before the first Start.
func (r *Process) WaitDone() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitDone
}

// Owns reports whether pid is the running child started by this handle.
func (r *Process) Owns(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Running && r.status.PID == pid
}

func (r *Process) CloseWriters() {
	r.mu.Lock()
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// Spec returns a copy of the spec.
func (r *Process) Spec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// Kill forcibly terminates pid. A pid that is already gone is not an error.
// When pid is our own child, Kill waits briefly for it to be reaped.
func (r *Process) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := KillPID(pid); err != nil {
		return err
	}
	if r.Owns(pid) {
		if wd := r.WaitDone(); wd != nil {
			select {
			case <-wd:
			case <-time.After(2 * time.Second):
			}
		}
	}
	return nil
}
