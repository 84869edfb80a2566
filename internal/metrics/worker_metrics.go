package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "readyd",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the worker process in percent.",
		}, []string{"name"},
	)
	workerMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "readyd",
			Subsystem: "worker",
			Name:      "memory_mb",
			Help:      "Resident memory of the worker process in megabytes.",
		}, []string{"name"},
	)
	workerNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "readyd",
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Thread count of the worker process.",
		}, []string{"name"},
	)
)

// WorkerSample is one resource reading of the worker process.
type WorkerSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleWorker reads CPU and memory for pid using gopsutil.
func SampleWorker(ctx context.Context, pid int) (WorkerSample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return WorkerSample{}, err
	}
	s := WorkerSample{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

// WorkerCollector samples the current worker PID at a fixed interval and
// exports the readings as gauges.
type WorkerCollector struct {
	Name     string
	Interval time.Duration
	// PID returns the worker PID, or ok=false when no worker is running.
	PID func(ctx context.Context) (pid int, ok bool)
}

// Run samples until ctx is done.
func (c WorkerCollector) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		c.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c WorkerCollector) collect(ctx context.Context) {
	if c.PID == nil {
		return
	}
	pid, ok := c.PID(ctx)
	if !ok {
		c.reset()
		return
	}
	s, err := SampleWorker(ctx, pid)
	if err != nil {
		slog.Debug("worker sample failed", "name", c.Name, "pid", pid, "error", err)
		c.reset()
		return
	}
	if regOK.Load() {
		workerCPUPercent.WithLabelValues(c.Name).Set(s.CPUPercent)
		workerMemoryMB.WithLabelValues(c.Name).Set(s.MemoryMB)
		workerNumThreads.WithLabelValues(c.Name).Set(float64(s.NumThreads))
	}
}

func (c WorkerCollector) reset() {
	if regOK.Load() {
		workerCPUPercent.WithLabelValues(c.Name).Set(0)
		workerMemoryMB.WithLabelValues(c.Name).Set(0)
		workerNumThreads.WithLabelValues(c.Name).Set(0)
	}
}
