package ptybackend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the supervisor's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	WorkerStarts    prometheus.Counter
	WorkerCrashes   prometheus.Counter
	WorkerRestarts  prometheus.Counter
	WorkerReady     prometheus.Gauge
	SessionsActive  prometheus.Gauge
	SpawnFailures   prometheus.Counter
	InvalidMessages prometheus.Counter
	ReadySeconds    prometheus.Histogram
}

// NewMetrics registers the collectors with reg. A nil registerer leaves them
// unregistered, which is what tests that build many supervisors want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkerStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_worker_starts_total",
			Help: "Worker processes launched",
		}),
		WorkerCrashes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_worker_crashes_total",
			Help: "Worker processes that exited without being asked to",
		}),
		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_worker_restarts_total",
			Help: "Automatic worker restarts after a crash",
		}),
		WorkerReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ptyhost_worker_ready",
			Help: "1 while a worker has completed its handshake",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ptyhost_sessions_active",
			Help: "Sessions registered with the supervisor",
		}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_spawn_failures_total",
			Help: "Spawn requests the worker rejected",
		}),
		InvalidMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_invalid_messages_total",
			Help: "Worker messages dropped by validation",
		}),
		ReadySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptyhost_worker_ready_seconds",
			Help:    "Time from launch to the worker's ready handshake",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.WorkerStarts.Inc()
}

func (m *Metrics) workerReady(since time.Time) {
	if m == nil {
		return
	}
	m.WorkerReady.Set(1)
	m.ReadySeconds.Observe(time.Since(since).Seconds())
}

func (m *Metrics) workerGone(crashed bool) {
	if m == nil {
		return
	}
	m.WorkerReady.Set(0)
	if crashed {
		m.WorkerCrashes.Inc()
	}
}

func (m *Metrics) workerRestarted() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) spawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

func (m *Metrics) invalidMessage() {
	if m == nil {
		return
	}
	m.InvalidMessages.Inc()
}
