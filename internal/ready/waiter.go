package ready

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/readyd/internal/metrics"
	"github.com/loykin/readyd/internal/process"
)

// State is a Startup Waiter state.
type State int

const (
	StateWaiting State = iota
	StateFound
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateFound:
		return "found"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Supervisor is the process lifecycle collaborator. supervisor.Supervisor
// implements it.
type Supervisor interface {
	StartProcess(ctx context.Context) error
	ProcessInfo(ctx context.Context) (process.Info, error)
	Kill(ctx context.Context, pid int, reason string) error
}

// Prober reports whether the handshake artifact exists. handshake.File
// implements it.
type Prober interface {
	Exists() (bool, error)
}

const killReason = "stalled"

// WaiterOptions tunes the polling loop. Zero values take the defaults.
type WaiterOptions struct {
	PollInterval time.Duration // tick cadence (10s)
	ProbeSettle  time.Duration // pause between issuing the probe and reading it (1s)
	MissLimit    int           // misses tolerated before a kill; the next one kills (4)
	MaxRestarts  int           // kills before giving up; 0 means never give up
}

func (o WaiterOptions) withDefaults() WaiterOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ProbeSettle <= 0 {
		o.ProbeSettle = time.Second
	}
	if o.MissLimit <= 0 {
		o.MissLimit = 4
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	return o
}

// Waiter polls until the worker creates the handshake file, killing a worker
// that stays silent for too many ticks.
type Waiter struct {
	name     string
	sup      Supervisor
	probe    Prober
	opts     WaiterOptions
	observer func(from, to State)

	mu       sync.Mutex
	state    State
	misses   int
	restarts int
}

// NewWaiter creates a waiter. observer, when non-nil, is called on every
// state transition.
func NewWaiter(name string, sup Supervisor, probe Prober, opts WaiterOptions, observer func(from, to State)) *Waiter {
	return &Waiter{
		name:     name,
		sup:      sup,
		probe:    probe,
		opts:     opts.withDefaults(),
		observer: observer,
	}
}

func (w *Waiter) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Misses is the current count of consecutive not-found ticks.
func (w *Waiter) Misses() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.misses
}

// Restarts is the number of kills issued during the current or last wait.
func (w *Waiter) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// Wait blocks until the handshake file appears (nil), the restart budget is
// exhausted (*StartupError), the supervisor or probe fails (*WaitFault) or
// ctx is done.
func (w *Waiter) Wait(ctx context.Context) error {
	w.mu.Lock()
	w.misses, w.restarts = 0, 0
	w.mu.Unlock()
	w.transition(StateWaiting)

	t := time.NewTicker(w.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		done, err := w.tick(ctx)
		if err != nil || done {
			return err
		}
	}
}

type probeResult struct {
	found bool
	err   error
}

func (w *Waiter) tick(ctx context.Context) (bool, error) {
	info, err := w.sup.ProcessInfo(ctx)
	if err != nil {
		return false, &WaitFault{Op: "query", Err: err}
	}
	if !info.Exists {
		slog.Info("Worker process is gone, starting", "name", w.name)
		if err := w.sup.StartProcess(ctx); err != nil {
			return false, &WaitFault{Op: "start", Err: err}
		}
		return false, nil
	}

	res := make(chan probeResult, 1)
	go func() {
		found, err := w.probe.Exists()
		res <- probeResult{found: found, err: err}
	}()
	settle := time.NewTimer(w.opts.ProbeSettle)
	select {
	case <-ctx.Done():
		settle.Stop()
		return false, ctx.Err()
	case <-settle.C:
	}
	var pr probeResult
	select {
	case pr = <-res:
	default:
		// still in flight: not found for this tick
	}
	if pr.err != nil {
		return false, &WaitFault{Op: "probe", Err: pr.err}
	}
	if pr.found {
		slog.Info("Startup file found", "name", w.name, "pid", info.PID)
		w.transition(StateFound)
		return true, nil
	}

	w.mu.Lock()
	w.misses++
	misses := w.misses
	w.mu.Unlock()
	slog.Debug("Startup file not found", "name", w.name, "pid", info.PID, "misses", misses)
	if misses <= w.opts.MissLimit {
		return false, nil
	}

	w.transition(StateRestarting)
	slog.Warn("Worker did not signal readiness, restarting", "name", w.name, "pid", info.PID, "misses", misses)
	if err := w.sup.Kill(ctx, info.PID, killReason); err != nil {
		return false, &WaitFault{Op: "kill", Err: err}
	}
	w.mu.Lock()
	w.misses = 0
	w.restarts++
	restarts := w.restarts
	w.mu.Unlock()

	if w.opts.MaxRestarts > 0 && restarts > w.opts.MaxRestarts {
		w.transition(StateFailed)
		return false, &StartupError{Restarts: restarts, LastPID: info.PID}
	}
	w.transition(StateWaiting)
	return false, nil
}

func (w *Waiter) transition(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()

	metrics.RecordStateTransition(w.name, from.String(), to.String())
	metrics.SetCurrentState(w.name, from.String(), false)
	metrics.SetCurrentState(w.name, to.String(), true)
	if w.observer != nil {
		w.observer(from, to)
	}
}
