package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/readyd/internal/detector"
	"github.com/loykin/readyd/internal/history"
	"github.com/loykin/readyd/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
}

// fakeTable is a process table under test control. By default it reports the
// supervisor's own running child.
type fakeTable struct {
	mu    sync.Mutex
	extra []detector.Match
	err   error
	sup   *Supervisor
	finds int
}

func (f *fakeTable) Find(ctx context.Context) ([]detector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.err != nil {
		return nil, f.err
	}
	out := append([]detector.Match(nil), f.extra...)
	if f.sup != nil {
		if st := f.sup.Process().Snapshot(); st.Running {
			out = append(out, detector.Match{PID: st.PID, StartUnix: st.StartedAt.Unix()})
		}
	}
	return out, nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) count(t history.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeTable, *memSink) {
	t.Helper()
	table := &fakeTable{}
	sink := &memSink{}
	s, err := New(process.Spec{Name: "worker", Command: "sleep 30", ImageName: "sleep"},
		WithFinder(table), WithRecorder(history.NewRecorder(sink)))
	require.NoError(t, err)
	table.sup = s
	t.Cleanup(func() {
		if st := s.Process().Snapshot(); st.Running {
			_ = s.Process().Kill(st.PID)
		}
		_ = s.Close()
	})
	return s, table, sink
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New(process.Spec{})
	assert.Error(t, err)
}

func TestStartProcess_LaunchesOnce(t *testing.T) {
	requireUnix(t)
	s, _, sink := newTestSupervisor(t)
	ctx := context.Background()

	info, err := s.ProcessInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.Exists)

	require.NoError(t, s.StartProcess(ctx))
	info, err = s.ProcessInfo(ctx)
	require.NoError(t, err)
	require.True(t, info.Exists)
	assert.Greater(t, info.PID, 0)
	assert.False(t, info.StartedAt.IsZero())

	// already running: no second launch
	require.NoError(t, s.StartProcess(ctx))
	assert.Equal(t, 1, s.Process().Snapshot().Starts)
	assert.Equal(t, 1, sink.count(history.EventStart))
}

func TestStartProcess_SkipsWhileLaunchInFlight(t *testing.T) {
	requireUnix(t)
	s, table, _ := newTestSupervisor(t)
	ctx := context.Background()
	require.NoError(t, s.StartProcess(ctx))

	// the child is alive but not yet visible under the image name
	table.mu.Lock()
	table.sup = nil
	table.mu.Unlock()
	require.NoError(t, s.StartProcess(ctx))
	assert.Equal(t, 1, s.Process().Snapshot().Starts)
}

func TestKill_TerminatesAndRecords(t *testing.T) {
	requireUnix(t)
	s, _, sink := newTestSupervisor(t)
	ctx := context.Background()
	require.NoError(t, s.StartProcess(ctx))
	info, err := s.ProcessInfo(ctx)
	require.NoError(t, err)
	require.True(t, info.Exists)

	require.NoError(t, s.Kill(ctx, info.PID, ReasonStalled))
	waitFor(t, 3*time.Second, func() bool { return !s.Process().Snapshot().Running })

	info, err = s.ProcessInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.Equal(t, 1, sink.count(history.EventKill))

	// killing a gone pid is success
	gone := exec.Command("true")
	require.NoError(t, gone.Run())
	assert.NoError(t, s.Kill(ctx, gone.Process.Pid, ReasonStalled))
}

func TestProcessInfo_NewestWins(t *testing.T) {
	s, table, _ := newTestSupervisor(t)
	table.mu.Lock()
	table.sup = nil
	table.extra = []detector.Match{{PID: 10, StartUnix: 100}, {PID: 20, StartUnix: 200}}
	table.mu.Unlock()

	info, err := s.ProcessInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, process.Info{PID: 20, Exists: true, StartedAt: time.Unix(200, 0)}, info)
}

func TestProcessInfo_QueryError(t *testing.T) {
	s, table, _ := newTestSupervisor(t)
	boom := errors.New("boom")
	table.mu.Lock()
	table.err = boom
	table.mu.Unlock()

	_, err := s.ProcessInfo(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.StartProcess(context.Background()), boom)
}

func TestKeepRunning_RestartsGoneWorker(t *testing.T) {
	requireUnix(t)
	s, _, sink := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.KeepRunning(ctx, KeepRunningOptions{Interval: 20 * time.Millisecond})
	waitFor(t, 3*time.Second, func() bool { return s.Process().Snapshot().Running })
	first := s.Process().Snapshot().PID

	require.NoError(t, s.Kill(ctx, first, ReasonStalled))
	waitFor(t, 3*time.Second, func() bool {
		st := s.Process().Snapshot()
		return st.Running && st.PID != first
	})
	assert.GreaterOrEqual(t, sink.count(history.EventStart), 2)
}

func TestKeepRunning_KillsOlderDuplicates(t *testing.T) {
	requireUnix(t)
	s, table, sink := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := exec.Command("sleep", "30")
	require.NoError(t, old.Start())
	reaped := make(chan struct{})
	go func() {
		_ = old.Wait()
		close(reaped)
	}()
	t.Cleanup(func() { _ = old.Process.Signal(syscall.SIGKILL) })

	require.NoError(t, s.StartProcess(ctx))
	table.mu.Lock()
	table.extra = []detector.Match{{PID: old.Process.Pid, StartUnix: 1}}
	table.mu.Unlock()

	s.KeepRunning(ctx, KeepRunningOptions{Interval: 20 * time.Millisecond, KillOldProcess: true})
	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		t.Fatal("older duplicate was not killed")
	}
	assert.True(t, s.Process().Snapshot().Running, "newest instance must survive")
	waitFor(t, time.Second, func() bool { return sink.count(history.EventKill) >= 1 })
}

func TestKeepRunning_StopsWithContext(t *testing.T) {
	s, table, _ := newTestSupervisor(t)
	table.mu.Lock()
	table.sup = nil
	table.extra = []detector.Match{{PID: 1, StartUnix: 1}}
	table.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.KeepRunning(ctx, KeepRunningOptions{Interval: 5 * time.Millisecond})
	s.KeepRunning(ctx, KeepRunningOptions{Interval: 5 * time.Millisecond}) // no-op
	waitFor(t, time.Second, func() bool {
		table.mu.Lock()
		defer table.mu.Unlock()
		return table.finds > 2
	})
	cancel()
	waitFor(t, time.Second, func() bool {
		s.keepMu.Lock()
		defer s.keepMu.Unlock()
		return !s.keepRunning
	})
}

func TestClose_RejectsRequests(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.StartProcess(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Kill(context.Background(), 1, ReasonStalled), ErrClosed)
}

func TestGone(t *testing.T) {
	assert.True(t, gone(detector.PIDDetector{PID: -1}, 0))

	start := time.Now()
	assert.False(t, gone(detector.PIDDetector{PID: os.Getpid()}, 60*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
