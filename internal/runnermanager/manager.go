package runnermanager

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/eventlog"
	"github.com/runnerforge/fleet/internal/health"
	"github.com/runnerforge/fleet/internal/metricsstore"
)

// cloudEnumerator lists the live cloud instances this manager owns.
type cloudEnumerator interface {
	GetInstances(ctx context.Context) ([]cloud.CloudInstance, error)
}

// tokenIssuer mints the registration/removal tokens CreateRunners and
// DeleteRunners need.
type tokenIssuer interface {
	RegistrationToken(ctx context.Context) (string, error)
	RemovalToken(ctx context.Context) (string, error)
}

// ciEnumerator lists CI-side runner records owned by this manager.
type ciEnumerator interface {
	ListRunners(ctx context.Context) ([]ci.CIRunner, error)
}

// ciPhantomDeleter removes CI-side records by state, used to prune
// "offline" phantoms during Cleanup.
type ciPhantomDeleter interface {
	DeleteRunners(ctx context.Context, states map[ci.CIRunnerState]bool) ([]ci.CIRunner, error)
}

// phantomMetricsCollector pulls and clears whatever metrics directory a
// deleted phantom's former VM left behind, narrowed from *metricsstore.Store.
type phantomMetricsCollector interface {
	CollectAndRemove(id cloud.InstanceId, runnerName string) (*metricsstore.RunnerMetrics, error)
}

// cloudRunnerOps is the subset of *cloudrunner.Manager this manager drives.
type cloudRunnerOps interface {
	CreateRunner(ctx context.Context, registrationToken string) (cloud.InstanceId, error)
	DeleteRunner(ctx context.Context, id cloud.InstanceId, removalToken, status string) (*metricsstore.RunnerMetrics, error)
	FlushRunners(ctx context.Context, removalToken string, busy bool) ([]*metricsstore.RunnerMetrics, error)
	Cleanup(ctx context.Context, removalToken string) ([]*metricsstore.RunnerMetrics, error)
}

// healthChecker classifies a cloud instance, narrowed from *health.Checker
// so GetRunners' join logic can be exercised without a live SSH backend.
type healthChecker interface {
	Check(ctx context.Context, instance cloud.CloudInstance, acceptFinishedJob bool) health.State
}

// Manager is the joined Runner Manager.
type Manager struct {
	cloud       cloudEnumerator
	ci          ciEnumerator
	ciPhantoms  ciPhantomDeleter
	tokens      tokenIssuer
	cloudRunner cloudRunnerOps
	checker     healthChecker
	metrics     phantomMetricsCollector
	events      *eventlog.Log
	log         *logrus.Logger
	concurrency int
}

// New builds a Manager from its composed collaborators. metrics and events
// back the phantom-cleanup path's synthesized RunnerStop events (spec.md
// §4.6 "Cleanup"); events may be nil to skip emission.
func New(cloudClient cloudEnumerator, ciEnum ciEnumerator, ciPhantoms ciPhantomDeleter, tokens tokenIssuer, cloudRunner cloudRunnerOps, checker healthChecker, metrics phantomMetricsCollector, events *eventlog.Log, log *logrus.Logger) *Manager {
	return &Manager{
		cloud:       cloudClient,
		ci:          ciEnum,
		ciPhantoms:  ciPhantoms,
		tokens:      tokens,
		cloudRunner: cloudRunner,
		checker:     checker,
		metrics:     metrics,
		events:      events,
		log:         log,
		concurrency: 8,
	}
}

// GetRunners fetches cloud instances and CI runners in parallel, joins them
// by name, and filters by the requested state sets (spec.md §4.6
// "GetRunners"). A nil set means "no filter" on that axis.
func (m *Manager) GetRunners(ctx context.Context, ciStates map[ci.CIRunnerState]bool, cloudStates map[cloud.CloudRunnerState]bool) ([]RunnerInstance, error) {
	var instances []cloud.CloudInstance
	var ciRunners []ci.CIRunner

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		instances, err = m.cloud.GetInstances(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		ciRunners, err = m.ci.ListRunners(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("enumerate runners: %w", err)
	}

	byName := make(map[string]ci.CIRunner, len(ciRunners))
	for _, r := range ciRunners {
		byName[r.Name] = r
	}

	var out []RunnerInstance
	for _, inst := range instances {
		name := string(inst.InstanceID)
		ciRunner, hasCI := byName[name]

		joined := RunnerInstance{
			InstanceID: inst.InstanceID,
			Name:       name,
			CloudState: inst.Status,
			CreatedAt:  inst.CreatedAt,
			Health:     m.checker.Check(ctx, inst, false),
		}
		if hasCI {
			r := ciRunner
			joined.CIInfo = &r
			joined.CIState = r.State()
		} else {
			joined.CIState = ci.StateOffline
		}

		if ciStates != nil && !ciStates[joined.CIState] {
			continue
		}
		if cloudStates != nil && !cloudStates[joined.CloudState] {
			continue
		}
		out = append(out, joined)
	}
	return out, nil
}

// CreateRunners launches n creations in parallel off one shared registration
// token. Partial success is acceptable: the next reconciliation retries the
// shortfall (spec.md §4.6 "CreateRunners").
func (m *Manager) CreateRunners(ctx context.Context, n int) ([]cloud.InstanceId, error) {
	if n <= 0 {
		return nil, nil
	}

	token, err := m.tokens.RegistrationToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint registration token: %w", err)
	}

	ids := make([]cloud.InstanceId, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			id, err := m.cloudRunner.CreateRunner(gctx, token)
			if err != nil {
				m.log.WithError(err).Error("create runner failed")
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	var created []cloud.InstanceId
	for _, id := range ids {
		if id != "" {
			created = append(created, id)
		}
	}
	return created, nil
}

// DeleteRunners selects up to n Idle runners (never Busy), ordered oldest
// first, and deletes them in parallel (spec.md §4.6 "DeleteRunners").
func (m *Manager) DeleteRunners(ctx context.Context, n int) (EventStats, error) {
	if n <= 0 {
		return EventStats{}, nil
	}

	runners, err := m.GetRunners(ctx, nil, nil)
	if err != nil {
		return EventStats{}, err
	}

	var idle []RunnerInstance
	for _, r := range runners {
		if !r.Busy() {
			idle = append(idle, r)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].CreatedAt.Before(idle[j].CreatedAt) })
	if n < len(idle) {
		idle = idle[:n]
	}

	token, err := m.tokens.RemovalToken(ctx)
	if err != nil {
		return EventStats{}, fmt.Errorf("mint removal token: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	ok := make([]bool, len(idle))
	for i, r := range idle {
		i, r := i, r
		g.Go(func() error {
			if _, err := m.cloudRunner.DeleteRunner(gctx, r.InstanceID, token, "flushed"); err != nil {
				m.log.WithError(err).WithField("instance_id", r.InstanceID).Error("delete runner failed")
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	deleted := 0
	for _, v := range ok {
		if v {
			deleted++
		}
	}
	return EventStats{Deleted: deleted}, nil
}

// FlushRunners bulk-deletes idle runners, and busy ones too when mode is
// FlushBusy (spec.md §4.6 "FlushRunners").
func (m *Manager) FlushRunners(ctx context.Context, mode FlushMode) (EventStats, error) {
	token, err := m.tokens.RemovalToken(ctx)
	if err != nil {
		return EventStats{}, fmt.Errorf("mint removal token: %w", err)
	}

	results, err := m.cloudRunner.FlushRunners(ctx, token, mode == FlushBusy)
	if err != nil {
		return EventStats{}, err
	}

	deleted := 0
	for _, r := range results {
		if r != nil {
			deleted++
		}
	}
	return EventStats{Deleted: deleted}, nil
}

// Cleanup deletes unhealthy cloud runners, reconciles stray keypairs, prunes
// orphan metrics directories, then deletes CI-side Offline phantoms
// (spec.md §4.6 "Cleanup").
func (m *Manager) Cleanup(ctx context.Context) (EventStats, error) {
	token, err := m.tokens.RemovalToken(ctx)
	if err != nil {
		return EventStats{}, fmt.Errorf("mint removal token: %w", err)
	}

	results, err := m.cloudRunner.Cleanup(ctx, token)
	if err != nil {
		return EventStats{}, err
	}
	crashed := 0
	for _, r := range results {
		if r != nil {
			crashed++
		}
	}

	phantoms, err := m.ciPhantoms.DeleteRunners(ctx, map[ci.CIRunnerState]bool{ci.StateOffline: true})
	if err != nil {
		m.log.WithError(err).Warn("ci-side phantom cleanup failed")
	}

	for _, p := range phantoms {
		if m.metrics != nil {
			if _, err := m.metrics.CollectAndRemove(cloud.InstanceId(p.Name), p.Name); err != nil {
				m.log.WithError(err).WithField("runner_name", p.Name).Warn("phantom metrics collection failed")
			}
		}
		if m.events != nil {
			if err := m.events.RunnerStop(p.Name, "phantom"); err != nil {
				m.log.WithError(err).Warn("failed to emit RunnerStop event for phantom")
			}
		}
	}

	return EventStats{Crashed: crashed, Deleted: len(phantoms)}, nil
}
