package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/readyd/internal/detector"
	"github.com/loykin/readyd/internal/history"
	"github.com/loykin/readyd/internal/metrics"
	"github.com/loykin/readyd/internal/process"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("supervisor closed")

// Kill reasons recorded in metrics and history.
const (
	ReasonStalled   = "stalled"   // started but never signaled readiness
	ReasonDuplicate = "duplicate" // an older instance next to a newer one
)

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlKill
	ctrlEnsure
)

func (t ctrlType) String() string {
	switch t {
	case ctrlStart:
		return "start"
	case ctrlKill:
		return "kill"
	case ctrlEnsure:
		return "ensure"
	default:
		return "unknown"
	}
}

// ctrlMsg is a control-plane message; the actor goroutine handles them one at
// a time so start and kill decisions from the keep-alive loop and from
// readiness checks never interleave.
type ctrlMsg struct {
	ctx    context.Context
	typ    ctrlType
	pid    int
	reason string
	keep   KeepRunningOptions
	reply  chan error
}

// Supervisor owns the worker lifecycle: it launches the worker, finds it in
// the process table, kills it, and optionally keeps it running.
type Supervisor struct {
	name   string
	proc   *process.Process
	finder Finder
	rec    *history.Recorder

	ctrl   chan ctrlMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	keepMu      sync.Mutex
	keepRunning bool
	wg          sync.WaitGroup
}

// New creates a Supervisor for spec and starts its control goroutine.
func New(spec process.Spec, opts ...Option) (*Supervisor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		name:   spec.Name,
		proc:   process.New(spec),
		finder: detector.NameDetector{Name: spec.Lookup()},
		ctrl:   make(chan ctrlMsg, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s, nil
}

// Name returns the worker's logical name.
func (s *Supervisor) Name() string { return s.name }

// Process exposes the launch handle, mainly for status reporting.
func (s *Supervisor) Process() *process.Process { return s.proc }

// ProcessInfo reports the newest running instance of the worker. It reads the
// process table directly and does not go through the control loop.
func (s *Supervisor) ProcessInfo(ctx context.Context) (process.Info, error) {
	ms, err := s.finder.Find(ctx)
	if err != nil {
		return process.Info{}, fmt.Errorf("query %s: %w", s.name, err)
	}
	return infoFrom(ms), nil
}

func infoFrom(ms []detector.Match) process.Info {
	if len(ms) == 0 {
		return process.Info{}
	}
	m := ms[len(ms)-1]
	info := process.Info{PID: m.PID, Exists: true}
	if m.StartUnix > 0 {
		info.StartedAt = time.Unix(m.StartUnix, 0)
	}
	return info
}

// StartProcess launches the worker unless an instance already exists or a
// launch by this supervisor is still running.
func (s *Supervisor) StartProcess(ctx context.Context) error {
	return s.send(ctx, ctrlMsg{typ: ctrlStart})
}

// Kill forcibly terminates pid. A pid that is already gone is not an error.
func (s *Supervisor) Kill(ctx context.Context, pid int, reason string) error {
	return s.send(ctx, ctrlMsg{typ: ctrlKill, pid: pid, reason: reason})
}

// KeepRunning starts the background keep-alive policy. It runs until ctx is
// done or the supervisor is closed. Calling it again while active is a no-op.
func (s *Supervisor) KeepRunning(ctx context.Context, opts KeepRunningOptions) {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	s.keepMu.Lock()
	if s.keepRunning {
		s.keepMu.Unlock()
		return
	}
	s.keepRunning = true
	s.keepMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.keepMu.Lock()
			s.keepRunning = false
			s.keepMu.Unlock()
		}()
		t := time.NewTicker(opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-t.C:
				if err := s.send(ctx, ctrlMsg{typ: ctrlEnsure, keep: opts}); err != nil &&
					!errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
					slog.Warn("keep running check failed", "name", s.name, "error", err)
				}
			}
		}
	}()
}

// Close stops the control loop and the keep-alive policy. The worker itself
// is left running.
func (s *Supervisor) Close() error {
	s.cancel()
	<-s.done
	s.wg.Wait()
	return nil
}

func (s *Supervisor) send(ctx context.Context, msg ctrlMsg) error {
	msg.ctx = ctx
	msg.reply = make(chan error, 1)
	select {
	case s.ctrl <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.ctrl:
			var err error
			switch msg.typ {
			case ctrlStart:
				err = s.doStart(msg.ctx)
			case ctrlKill:
				err = s.doKill(msg.ctx, msg.pid, msg.reason)
			case ctrlEnsure:
				err = s.doEnsure(msg.ctx, msg.keep)
			}
			msg.reply <- err
		}
	}
}

func (s *Supervisor) doStart(ctx context.Context) error {
	ms, err := s.finder.Find(ctx)
	if err != nil {
		return fmt.Errorf("query %s: %w", s.name, err)
	}
	if len(ms) > 0 {
		return nil
	}
	if st := s.proc.Snapshot(); st.Running {
		// our launch is still alive but not yet visible under the image name
		slog.Debug("worker launch in progress", "name", s.name, "pid", st.PID)
		return nil
	}
	pid, err := s.proc.Start()
	if err != nil {
		return err
	}
	slog.Info("Start worker", "name", s.name, "pid", pid)
	metrics.IncStart(s.name)
	_ = s.rec.Record(ctx, history.NewEvent(history.EventStart, s.name, pid, ""))
	return nil
}

func (s *Supervisor) doKill(ctx context.Context, pid int, reason string) error {
	own := s.proc.Owns(pid)
	if err := s.proc.Kill(pid); err != nil {
		return fmt.Errorf("kill %s pid %d: %w", s.name, pid, err)
	}
	slog.Info("Killed worker", "name", s.name, "pid", pid, "reason", reason)
	if !own {
		if d := (detector.PIDDetector{PID: pid}); !gone(d, killConfirm) {
			slog.Warn("Worker still present after kill", "name", s.name, "probe", d.Describe())
		}
	}
	metrics.IncKill(s.name, reason)
	_ = s.rec.Record(ctx, history.NewEvent(history.EventKill, s.name, pid, reason))
	return nil
}

// killConfirm bounds how long doKill waits for a foreign PID to disappear.
const killConfirm = 500 * time.Millisecond

// gone polls d until it reports the process absent or within elapses.
func gone(d detector.Detector, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for {
		alive, err := d.Alive()
		if err == nil && !alive {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (s *Supervisor) doEnsure(ctx context.Context, opts KeepRunningOptions) error {
	ms, err := s.finder.Find(ctx)
	if err != nil {
		return fmt.Errorf("query %s: %w", s.name, err)
	}
	if len(ms) == 0 {
		slog.Info("Worker is not running, starting", "name", s.name)
		return s.doStart(ctx)
	}
	if opts.KillOldProcess && len(ms) > 1 {
		var errs []error
		for _, m := range ms[:len(ms)-1] {
			errs = append(errs, s.doKill(ctx, m.PID, ReasonDuplicate))
		}
		return errors.Join(errs...)
	}
	return nil
}
