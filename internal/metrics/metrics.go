// Package metrics exposes Prometheus gauges/counters for a manager instance,
// labeled by its name prefix (spec.md §3 "Prefix"). Generalized from the
// teacher's per-pool metrics to a single per-manager series, since one
// manager instance owns one disjoint fleet slice (spec.md §1 Non-goals:
// "cross-unit coordination").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runnerforge_fleet"

var (
	Up = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "up",
		Namespace: namespace,
		Subsystem: "server",
		Help:      "Is the manager process up",
	})

	CurrentRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "current_runners_count",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Current number of active+created runners",
	}, []string{"prefix"})

	IdleRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "idle_runners_count",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Current number of idle runners",
	}, []string{"prefix"})

	BusyRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "busy_runners_count",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Current number of busy runners",
	}, []string{"prefix"})

	CrashedRunners = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "crashed_runners_total",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Total runners classified Unhealthy and deleted by cleanup",
	}, []string{"prefix"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "queue_depth",
		Namespace: namespace,
		Subsystem: "reactive",
		Help:      "Pending message count in reactive mode",
	}, []string{"prefix"})

	ReactiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "reactive_workers_count",
		Namespace: namespace,
		Subsystem: "reactive",
		Help:      "Observed reactive worker process count",
	}, []string{"prefix"})

	ReconcileRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "reconcile_requests_total",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Total Reconcile calls, including overlapping ones that returned immediately",
	}, []string{"prefix"})

	ReconcileFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "reconcile_failures_total",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Total Reconcile calls that halted on a Scaler-boundary error",
	}, []string{"prefix"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "reconcile_duration_seconds",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Wall-clock duration of a completed reconciliation cycle",
		Buckets:   prometheus.DefBuckets,
	}, []string{"prefix"})

	CreateRunnerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "create_runner_duration_seconds",
		Namespace: namespace,
		Subsystem: "manager",
		Help:      "Time taken to launch one runner VM",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
	}, []string{"prefix"})
)

// SetUp marks the process as up.
func SetUp() { Up.Set(1) }

// SetDown marks the process as down, emitted on graceful shutdown.
func SetDown() { Up.Set(0) }
