package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	readinessChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readyd",
			Subsystem: "readiness",
			Name:      "checks_total",
			Help:      "Readiness checks by outcome (fast, waited, error).",
		}, []string{"name", "result"},
	)
	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "readyd",
			Subsystem: "readiness",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for the worker handshake file.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"name"},
	)
	handshakeRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readyd",
			Subsystem: "handshake",
			Name:      "removals_total",
			Help:      "Handshake file removals by reason (reset, stale, missing, replace).",
		}, []string{"name", "reason"},
	)
	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readyd",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker launches.",
		}, []string{"name"},
	)
	workerKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readyd",
			Subsystem: "worker",
			Name:      "kills_total",
			Help:      "Number of forced worker terminations by reason.",
		}, []string{"name", "reason"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readyd",
			Subsystem: "waiter",
			Name:      "state_transitions_total",
			Help:      "Number of startup waiter state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "readyd",
			Subsystem: "waiter",
			Name:      "current_state",
			Help:      "Current startup waiter state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		readinessChecks, waitDuration, handshakeRemovals, workerStarts, workerKills,
		stateTransitions, currentStates,
		workerCPUPercent, workerMemoryMB, workerNumThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncReadinessCheck(name, result string) {
	if regOK.Load() {
		readinessChecks.WithLabelValues(name, result).Inc()
	}
}

func ObserveWaitDuration(name string, seconds float64) {
	if regOK.Load() {
		waitDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncHandshakeRemoval(name, reason string) {
	if regOK.Load() {
		handshakeRemovals.WithLabelValues(name, reason).Inc()
	}
}

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncKill(name, reason string) {
	if regOK.Load() {
		workerKills.WithLabelValues(name, reason).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}
