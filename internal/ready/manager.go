package ready

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/readyd/internal/handshake"
	"github.com/loykin/readyd/internal/history"
	"github.com/loykin/readyd/internal/metrics"
	"github.com/loykin/readyd/internal/process"
)

// Readiness check results used as the metrics label.
const (
	ResultFast   = "fast"
	ResultReady  = "ready"
	ResultFailed = "failed"
)

// Options configures a Manager.
type Options struct {
	Name        string // worker name for logs, metrics and history
	Waiter      WaiterOptions
	SettleDelay time.Duration // pause after storing the handshake (5s); negative disables it
	Recorder    *history.Recorder
	Observer    func(from, to State)
}

// Manager answers "is the worker ready to take work", starting and waiting
// for it when it is not. One readiness cycle runs at a time.
type Manager struct {
	name   string
	sup    Supervisor
	hs     *handshake.File
	waiter *Waiter
	settle time.Duration
	rec    *history.Recorder
	gate   chan struct{}
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Name           string            `json:"name"`
	Process        process.Info      `json:"process"`
	Handshake      *handshake.Record `json:"handshake"`
	HandshakeError string            `json:"handshake_error,omitempty"`
	State          string            `json:"state"`
	Misses         int               `json:"misses"`
	Restarts       int               `json:"restarts"`
}

// New creates a Manager and removes any handshake file left from a previous
// run; a PID recorded before this process started cannot be trusted.
func New(sup Supervisor, hs *handshake.File, opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = "worker"
	}
	settle := opts.SettleDelay
	if settle == 0 {
		settle = 5 * time.Second
	}
	m := &Manager{
		name:   opts.Name,
		sup:    sup,
		hs:     hs,
		waiter: NewWaiter(opts.Name, sup, hs, opts.Waiter, opts.Observer),
		settle: settle,
		rec:    opts.Recorder,
		gate:   make(chan struct{}, 1),
	}
	if err := hs.Remove(); err != nil {
		slog.Warn("Failed to remove handshake file", "name", m.name, "path", hs.Path, "error", err)
	}
	return m
}

// Handshake returns the handshake file the manager owns.
func (m *Manager) Handshake() *handshake.File { return m.hs }

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.gate }

// IsReady returns true once the worker is running and has signaled readiness
// through the handshake file. It never returns false with a nil error.
func (m *Manager) IsReady(ctx context.Context) (bool, error) {
	if err := m.acquire(ctx); err != nil {
		return false, err
	}
	defer m.release()

	fast, pid, err := m.check(ctx)
	switch {
	case err != nil:
		metrics.IncReadinessCheck(m.name, ResultFailed)
		slog.Error("Readiness check failed", "name", m.name, "error", err)
		_ = m.rec.Record(context.WithoutCancel(ctx), history.NewEvent(history.EventFailed, m.name, pid, err.Error()))
		return false, err
	case fast:
		metrics.IncReadinessCheck(m.name, ResultFast)
		return true, nil
	default:
		metrics.IncReadinessCheck(m.name, ResultReady)
		_ = m.rec.Record(ctx, history.NewEvent(history.EventReady, m.name, pid, ""))
		return true, nil
	}
}

func (m *Manager) check(ctx context.Context) (fast bool, pid int, err error) {
	var (
		info process.Info
		rec  *handshake.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		i, err := m.sup.ProcessInfo(gctx)
		if err != nil {
			return fmt.Errorf("query process: %w", err)
		}
		info = i
		return nil
	})
	g.Go(func() error {
		r, err := m.hs.Read()
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return false, 0, err
	}

	if rec != nil && info.Exists && rec.PID == info.PID {
		slog.Debug("Worker is ready", "name", m.name, "pid", info.PID)
		return true, info.PID, nil
	}

	if rec != nil {
		slog.Info("Stale handshake file, removing", "name", m.name, "recorded_pid", rec.PID,
			"pid", info.PID, "exists", info.Exists)
		if err := m.hs.Remove(); err != nil {
			return false, rec.PID, err
		}
		metrics.IncHandshakeRemoval(m.name, "stale")
		_ = m.rec.Record(ctx, history.NewEvent(history.EventStale, m.name, rec.PID, ""))
	}

	if !info.Exists {
		if rec == nil {
			if err := m.hs.Remove(); err != nil {
				return false, 0, err
			}
		}
		slog.Info("Worker is not running, starting", "name", m.name)
		if err := m.sup.StartProcess(ctx); err != nil {
			return false, 0, fmt.Errorf("start worker: %w", err)
		}
	}

	began := time.Now()
	if err := m.waiter.Wait(ctx); err != nil {
		return false, info.PID, err
	}
	metrics.ObserveWaitDuration(m.name, time.Since(began).Seconds())

	info, err = m.sup.ProcessInfo(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("query process: %w", err)
	}
	if !info.Exists {
		return false, 0, ErrProcessGone
	}
	// the worker created the file as its signal; replace it with the PID we confirmed
	if err := m.hs.Remove(); err != nil {
		return false, info.PID, err
	}
	if err := m.hs.Store(info.PID); err != nil {
		return false, info.PID, err
	}
	slog.Info("Worker is ready", "name", m.name, "pid", info.PID)

	if m.settle > 0 {
		t := time.NewTimer(m.settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			// an unsettled record must not satisfy the next fast path
			if err := m.hs.Remove(); err != nil {
				slog.Warn("Failed to remove handshake file", "name", m.name, "path", m.hs.Path, "error", err)
			}
			return false, info.PID, ctx.Err()
		case <-t.C:
		}
	}
	return false, info.PID, nil
}

// ClearHandshake removes the handshake file between readiness cycles, which
// forces the next IsReady to wait for the worker again.
func (m *Manager) ClearHandshake(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	if err := m.hs.Remove(); err != nil {
		return err
	}
	metrics.IncHandshakeRemoval(m.name, "manual")
	return nil
}

// Snapshot reports the worker and handshake state without taking part in a
// readiness cycle.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	info, err := m.sup.ProcessInfo(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query process: %w", err)
	}
	s := Snapshot{
		Name:     m.name,
		Process:  info,
		State:    m.waiter.State().String(),
		Misses:   m.waiter.Misses(),
		Restarts: m.waiter.Restarts(),
	}
	rec, err := m.hs.Read()
	var pe *handshake.ParseError
	switch {
	case errors.As(err, &pe):
		s.HandshakeError = pe.Error()
	case err != nil:
		return Snapshot{}, err
	default:
		s.Handshake = rec
	}
	return s, nil
}
