package readyd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/readyd/internal/config"
	"github.com/loykin/readyd/internal/handshake"
	"github.com/loykin/readyd/internal/history"
	"github.com/loykin/readyd/internal/history/factory"
	"github.com/loykin/readyd/internal/metrics"
	"github.com/loykin/readyd/internal/process"
	"github.com/loykin/readyd/internal/ready"
	iapi "github.com/loykin/readyd/internal/server"
	"github.com/loykin/readyd/internal/supervisor"
	itls "github.com/loykin/readyd/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Spec = process.Spec

type ProcessInfo = process.Info

type HandshakeRecord = handshake.Record

type Snapshot = ready.Snapshot

type State = ready.State

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	ErrStartupFailed = ready.ErrStartupFailed
	ErrProcessGone   = ready.ErrProcessGone
)

// LoadConfig reads a TOML config file; see internal/config for the layout.
func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// Daemon wires the worker supervisor, the readiness manager and the optional
// API, metrics and history outputs from one Config.
type Daemon struct {
	cfg *Config
	rec *history.Recorder
	sup *supervisor.Supervisor
	mgr *ready.Manager

	mu         sync.Mutex
	cancel     context.CancelFunc
	api        *http.Server
	metricsSrv *http.Server
	wg         sync.WaitGroup
}

// Option customizes a Daemon.
type Option func(*options)

type options struct {
	sinks []history.Sink
}

// WithHistorySinks adds sinks in addition to the configured DSNs.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New builds a Daemon. It removes any handshake file left at the configured
// path but does not start the worker; call Start or IsReady for that. The
// keep-running policy and the servers begin with Start, so an embedder that
// only calls IsReady gets on-demand starts without periodic supervision.
func New(c *Config, opts ...Option) (*Daemon, error) {
	if c == nil {
		return nil, errors.New("config is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	sinks := o.sinks
	if c.History.Enabled {
		s, err := factory.NewSinksFromDSNs(c.History.DSNs)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		sinks = append(sinks, s...)
	}
	rec := history.NewRecorder(sinks...)

	sup, err := supervisor.New(c.Worker.Spec, supervisor.WithRecorder(rec))
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	mgr := ready.New(sup, handshake.New(c.Readiness.CheckFile), ready.Options{
		Name:        c.Worker.Name,
		Waiter:      c.Readiness.WaiterOptions(),
		SettleDelay: c.Readiness.SettleDelay,
		Recorder:    rec,
	})
	return &Daemon{cfg: c, rec: rec, sup: sup, mgr: mgr}, nil
}

// Start launches the background parts enabled in the config: keep-running
// policy, worker metrics sampling, metrics listener and API server. The
// keep-running policy is not active until Start is called. If Start fails,
// nothing it began stays running and Start may be called again.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("daemon already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer func() {
		if err == nil {
			return
		}
		cancel()
		if d.api != nil {
			_ = d.api.Close()
		}
		if d.metricsSrv != nil {
			_ = d.metricsSrv.Close()
		}
		d.cancel, d.api, d.metricsSrv = nil, nil, nil
	}()

	var metricsHandler http.Handler
	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if d.cfg.Metrics.Listen != "" {
			srv, err := iapi.NewMetricsServer(d.cfg.Metrics.Listen, metrics.Handler())
			if err != nil {
				return fmt.Errorf("metrics listen: %w", err)
			}
			d.metricsSrv = srv
			slog.Info("Serving metrics", "addr", srv.Addr)
		} else {
			metricsHandler = metrics.Handler()
		}
	}

	if d.cfg.Server.Enabled {
		r := iapi.NewRouter(d, d.cfg.Server.BasePath).WithMetrics(metricsHandler)
		tc, err := itls.Setup(d.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("api tls: %w", err)
		}
		srv, err := iapi.NewServer(d.cfg.Server.Listen, r, tc)
		if err != nil {
			return fmt.Errorf("api listen: %w", err)
		}
		d.api = srv
		slog.Info("Serving readiness API", "addr", srv.Addr, "base_path", d.cfg.Server.BasePath, "tls", tc != nil)
	}

	// goroutines start only once nothing else can fail
	if d.cfg.Metrics.Enabled {
		collector := metrics.WorkerCollector{
			Name:     d.cfg.Worker.Name,
			Interval: d.cfg.Metrics.SampleInterval,
			PID:      d.workerPID,
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			collector.Run(ctx)
		}()
	}
	if d.cfg.KeepRunning.Enabled {
		d.sup.KeepRunning(ctx, d.cfg.KeepRunning.Options())
	}
	return nil
}

func (d *Daemon) workerPID(ctx context.Context) (int, bool) {
	info, err := d.sup.ProcessInfo(ctx)
	if err != nil || !info.Exists {
		return 0, false
	}
	return info.PID, true
}

// IsReady reports once the worker is running and has signaled readiness,
// starting it and waiting for it when needed.
func (d *Daemon) IsReady(ctx context.Context) (bool, error) { return d.mgr.IsReady(ctx) }

// Snapshot returns the current worker, handshake and waiter state.
func (d *Daemon) Snapshot(ctx context.Context) (Snapshot, error) { return d.mgr.Snapshot(ctx) }

// ClearHandshake removes the handshake file so the next IsReady waits again.
func (d *Daemon) ClearHandshake(ctx context.Context) error { return d.mgr.ClearHandshake(ctx) }

// ProcessInfo queries the worker process.
func (d *Daemon) ProcessInfo(ctx context.Context) (ProcessInfo, error) { return d.sup.ProcessInfo(ctx) }

// Router returns the readiness API for mounting into another server.
func (d *Daemon) Router() *iapi.Router { return iapi.NewRouter(d, d.cfg.Server.BasePath) }

// APIAddr is the bound API address, or "" when the API server is not running.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		return ""
	}
	return d.api.Addr
}

// Close stops the background parts and the servers. The worker process is
// left running.
func (d *Daemon) Close() error {
	d.mu.Lock()
	cancel, api, ms := d.cancel, d.api, d.metricsSrv
	d.cancel, d.api, d.metricsSrv = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if api != nil {
		errs = append(errs, api.Close())
	}
	if ms != nil {
		errs = append(errs, ms.Close())
	}
	d.wg.Wait()
	errs = append(errs, d.sup.Close(), d.rec.Close())
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
