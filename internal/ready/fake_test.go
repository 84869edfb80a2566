package ready

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loykin/readyd/internal/process"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor is an in-memory process table with one worker slot.
type fakeSupervisor struct {
	mu       sync.Mutex
	pid      int
	exists   bool
	nextPID  int
	queries  int
	starts   int
	kills    []int
	queryErr error
	startErr error
	killErr  error

	onQuery func(n int)   // runs before the answer is computed
	onStart func(pid int) // runs after a launch
	onKill  func(pid int)
}

func newFakeSupervisor() *fakeSupervisor { return &fakeSupervisor{nextPID: 100} }

func (f *fakeSupervisor) ProcessInfo(_ context.Context) (process.Info, error) {
	f.mu.Lock()
	f.queries++
	n, err, hook := f.queries, f.queryErr, f.onQuery
	f.mu.Unlock()
	if err != nil {
		return process.Info{}, err
	}
	if hook != nil {
		hook(n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return process.Info{}, nil
	}
	return process.Info{PID: f.pid, Exists: true}, nil
}

func (f *fakeSupervisor) StartProcess(_ context.Context) error {
	f.mu.Lock()
	f.starts++
	if f.startErr != nil {
		err := f.startErr
		f.mu.Unlock()
		return err
	}
	if !f.exists {
		f.nextPID++
		f.pid, f.exists = f.nextPID, true
	}
	pid, hook := f.pid, f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook(pid)
	}
	return nil
}

func (f *fakeSupervisor) Kill(_ context.Context, pid int, _ string) error {
	f.mu.Lock()
	if f.killErr != nil {
		err := f.killErr
		f.mu.Unlock()
		return err
	}
	f.kills = append(f.kills, pid)
	if f.exists && f.pid == pid {
		f.exists = false
	}
	hook := f.onKill
	f.mu.Unlock()
	if hook != nil {
		hook(pid)
	}
	return nil
}

func (f *fakeSupervisor) set(pid int, exists bool) {
	f.mu.Lock()
	f.pid, f.exists = pid, exists
	f.mu.Unlock()
}

func (f *fakeSupervisor) counts() (queries, starts, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries, f.starts, len(f.kills)
}

// workerSignal writes the handshake file the way the worker binary does.
func workerSignal(t *testing.T, path string, pid int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`{"PID":%d}`, pid)), 0o600))
}

// fakeProbe answers existence checks from a function of the call number.
type fakeProbe struct {
	mu    sync.Mutex
	calls int
	fn    func(n int) (bool, error)
}

func (p *fakeProbe) Exists() (bool, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	return p.fn(n)
}

func (p *fakeProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastWaiter() WaiterOptions {
	return WaiterOptions{PollInterval: time.Millisecond, ProbeSettle: 10 * time.Millisecond, MissLimit: 4}
}
