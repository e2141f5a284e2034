package scaler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/eventlog"
	"github.com/runnerforge/fleet/internal/metrics"
	"github.com/runnerforge/fleet/internal/runnermanager"
)

// runnerOps is the subset of *runnermanager.Manager the Scaler drives.
type runnerOps interface {
	GetRunners(ctx context.Context, ciStates map[ci.CIRunnerState]bool, cloudStates map[cloud.CloudRunnerState]bool) ([]runnermanager.RunnerInstance, error)
	CreateRunners(ctx context.Context, n int) ([]cloud.InstanceId, error)
	DeleteRunners(ctx context.Context, n int) (runnermanager.EventStats, error)
	FlushRunners(ctx context.Context, mode runnermanager.FlushMode) (runnermanager.EventStats, error)
	Cleanup(ctx context.Context) (runnermanager.EventStats, error)
}

// reactiveSupervisor is the subset of *reactive.Supervisor the Scaler drives
// in reactive mode.
type reactiveSupervisor interface {
	Reconcile(ctx context.Context, k int) (spawned, killed int, err error)
	Observed() int
}

// queueDepther reports pending message count, used to detect an empty
// queue (spec.md §4.8 "If the queue is empty: flush all Idle runners").
type queueDepther interface {
	Depth(ctx context.Context) (int64, error)
}

// liveCloudStates is the set of cloud states counted as "current" for
// reconciliation purposes (spec.md §4.8 "current = count(runners where
// cloud_state ∈ {Created, Active})").
var liveCloudStates = map[cloud.CloudRunnerState]bool{
	cloud.StateCreated: true,
	cloud.StateActive:  true,
}

// Scaler is the top-level control loop (spec.md §4.8). Exactly one of
// Mode's two branches runs per Reconcile call, selected at construction by
// whether a reactive queue was configured.
type Scaler struct {
	mode Mode

	runners    runnerOps
	supervisor reactiveSupervisor // nil in proactive mode
	queue      queueDepther       // nil in proactive mode

	events *eventlog.Log
	log    *logrus.Logger
	prefix string

	group    singleflight.Group
	inFlight int32
}

// NewProactive builds a Scaler targeting a fixed runner count. prefix labels
// the Prometheus metrics this Scaler emits (spec.md §3 "Prefix").
func NewProactive(runners runnerOps, events *eventlog.Log, prefix string, log *logrus.Logger) *Scaler {
	return &Scaler{mode: ModeProactive, runners: runners, events: events, prefix: prefix, log: log}
}

// NewReactive builds a Scaler targeting queue-driven demand.
func NewReactive(runners runnerOps, supervisor reactiveSupervisor, queue queueDepther, events *eventlog.Log, prefix string, log *logrus.Logger) *Scaler {
	return &Scaler{mode: ModeReactive, runners: runners, supervisor: supervisor, queue: queue, events: events, prefix: prefix, log: log}
}

// Reconcile runs one reconciliation cycle toward quantity (the configured
// runner_count in proactive mode; a queue-demand-derived figure in reactive
// mode, callers of NewReactive typically pass the currently observed
// queue depth). A reconciliation already in progress causes a concurrent
// call to return immediately with delta 0 and no mutation (spec.md §4.8
// "Concurrency").
func (s *Scaler) Reconcile(ctx context.Context, quantity int) (Delta, error) {
	metrics.ReconcileRequestsTotal.WithLabelValues(s.prefix).Inc()

	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	v, err, _ := s.group.Do("reconcile", func() (interface{}, error) {
		return s.reconcile(ctx, quantity)
	})
	if err != nil {
		metrics.ReconcileFailuresTotal.WithLabelValues(s.prefix).Inc()
		return 0, err
	}
	return v.(Delta), nil
}

func (s *Scaler) reconcile(ctx context.Context, quantity int) (Delta, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(s.prefix).Observe(time.Since(start).Seconds())
	}()

	cleanupStats, err := s.runners.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	var delta Delta
	var stats runnermanager.EventStats
	var expected *int

	if s.mode == ModeReactive {
		stats, delta, err = s.reconcileReactive(ctx, quantity)
	} else {
		q := quantity
		expected = &q
		stats, delta, err = s.reconcileProactive(ctx, quantity)
	}
	if err != nil {
		return 0, err
	}
	stats.Crashed += cleanupStats.Crashed

	metrics.CurrentRunners.WithLabelValues(s.prefix).Set(float64(stats.Active))
	metrics.IdleRunners.WithLabelValues(s.prefix).Set(float64(stats.Idle))
	metrics.BusyRunners.WithLabelValues(s.prefix).Set(float64(stats.Busy))
	metrics.CrashedRunners.WithLabelValues(s.prefix).Add(float64(stats.Crashed))

	if emitErr := s.events.Reconciliation(eventlog.ReconciliationStats{
		Crashed:  stats.Crashed,
		Idle:     stats.Idle,
		Busy:     stats.Busy,
		Active:   stats.Active,
		Expected: expected,
		Duration: time.Since(start),
	}); emitErr != nil {
		s.log.WithError(emitErr).Error("scaler: failed to emit reconciliation event")
	}

	return delta, nil
}

// reconcileProactive implements spec.md §4.8's proactive branch.
func (s *Scaler) reconcileProactive(ctx context.Context, quantity int) (runnermanager.EventStats, Delta, error) {
	runners, err := s.runners.GetRunners(ctx, nil, liveCloudStates)
	if err != nil {
		return runnermanager.EventStats{}, 0, fmt.Errorf("enumerate runners: %w", err)
	}
	current := len(runners)
	stats := classify(runners)

	switch {
	case current < quantity:
		created, err := s.runners.CreateRunners(ctx, quantity-current)
		if err != nil {
			return stats, 0, fmt.Errorf("create runners: %w", err)
		}
		stats.Created = len(created)
		return stats, Delta(len(created)), nil
	case current > quantity:
		delStats, err := s.runners.DeleteRunners(ctx, current-quantity)
		if err != nil {
			return stats, 0, fmt.Errorf("delete runners: %w", err)
		}
		stats.Deleted = delStats.Deleted
		return stats, Delta(-delStats.Deleted), nil
	default:
		return stats, 0, nil
	}
}

// reconcileReactive implements spec.md §4.8's reactive branch.
func (s *Scaler) reconcileReactive(ctx context.Context, quantity int) (runnermanager.EventStats, Delta, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scaler: failed to read queue depth")
	} else {
		metrics.QueueDepth.WithLabelValues(s.prefix).Set(float64(depth))
	}
	if err == nil && depth == 0 {
		if _, err := s.runners.FlushRunners(ctx, runnermanager.FlushIdle); err != nil {
			s.log.WithError(err).Error("scaler: flush idle runners on empty queue failed")
		}
	}

	runners, err := s.runners.GetRunners(ctx, nil, liveCloudStates)
	if err != nil {
		return runnermanager.EventStats{}, 0, fmt.Errorf("enumerate runners: %w", err)
	}
	current := len(runners)
	stats := classify(runners)

	if quantity < current {
		// Kill all reactive workers and delete the idle shortfall
		// (spec.md §4.8 "If quantity < current_runners: kill all
		// reactive workers and also delete current_runners - quantity
		// idle runners").
		if _, _, err := s.supervisor.Reconcile(ctx, 0); err != nil {
			return stats, 0, fmt.Errorf("stop reactive workers: %w", err)
		}
		metrics.ReactiveWorkers.WithLabelValues(s.prefix).Set(float64(s.supervisor.Observed()))
		delStats, err := s.runners.DeleteRunners(ctx, current-quantity)
		if err != nil {
			return stats, 0, fmt.Errorf("delete idle runners: %w", err)
		}
		stats.Deleted = delStats.Deleted
		return stats, Delta(-delStats.Deleted), nil
	}

	workersWanted := quantity - current
	spawned, killed, err := s.supervisor.Reconcile(ctx, workersWanted)
	if err != nil {
		return stats, 0, fmt.Errorf("reconcile reactive workers: %w", err)
	}
	metrics.ReactiveWorkers.WithLabelValues(s.prefix).Set(float64(s.supervisor.Observed()))
	return stats, Delta(spawned - killed), nil
}

// classify derives the idle/busy/active counters a Reconciliation event
// reports from the joined runner view.
func classify(runners []runnermanager.RunnerInstance) runnermanager.EventStats {
	var stats runnermanager.EventStats
	stats.Active = len(runners)
	for _, r := range runners {
		if r.Busy() {
			stats.Busy++
		} else {
			stats.Idle++
		}
	}
	return stats
}
