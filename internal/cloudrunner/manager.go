// Package cloudrunner is the Cloud Runner Manager (spec.md §4.4): composes
// the Cloud Client, the Metrics Store, and the Health Checker to create,
// delete, flush, and clean up individual runner VMs.
package cloudrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/eventlog"
	"github.com/runnerforge/fleet/internal/health"
	"github.com/runnerforge/fleet/internal/metrics"
	"github.com/runnerforge/fleet/internal/metricsstore"
)

// removalCommandTemplate is the SSH command run on the VM to unregister it
// cleanly from the CI service before the cloud instance is torn down
// (spec.md §4.4 "Run the CI-service removal command on the VM").
const removalCommandTemplate = "sudo /opt/actions-runner/config.sh remove --token %s"

// ManagerConfig carries the per-manager settings CreateRunner embeds into
// generated userdata (spec.md §6 "Environment / configuration").
type ManagerConfig struct {
	Image   string
	Flavor  string
	Network string
	Labels  []string

	GitHubPath    string
	GitHubBaseURL string

	HTTPProxy               string
	HTTPSProxy              string
	DockerhubMirror         string
	EnableAproxy            bool
	RepoPolicyComplianceURL string
	RepoPolicyComplianceTok string
	SSHDebugRelayHosts      []string
}

// busyLookup is the subset of *ci.Client FlushRunners needs to tell busy
// runners from idle ones by name.
type busyLookup interface {
	ListRunners(ctx context.Context) ([]ci.CIRunner, error)
}

// Manager is the Cloud Runner Manager.
type Manager struct {
	cloud   *cloud.Client
	ci      busyLookup
	metrics *metricsstore.Store
	checker *health.Checker
	events  *eventlog.Log
	cfg     ManagerConfig
	log     *logrus.Logger
	prefix  string

	// concurrency bounds parallel per-runner operations (spec.md §5
	// "a concurrency bound roughly equal to the number of runners being
	// touched", capped so one cycle can't open unbounded SSH sessions).
	concurrency int
}

// New builds a Manager. prefix labels the Prometheus metrics this manager
// emits (spec.md §3 "Prefix").
func New(cloudClient *cloud.Client, ciClient busyLookup, metricsStore *metricsstore.Store, checker *health.Checker, events *eventlog.Log, cfg ManagerConfig, prefix string, log *logrus.Logger) *Manager {
	return &Manager{
		cloud:       cloudClient,
		ci:          ciClient,
		metrics:     metricsStore,
		checker:     checker,
		events:      events,
		cfg:         cfg,
		prefix:      prefix,
		log:         log,
		concurrency: 8,
	}
}

// CreateRunner creates one runner VM (spec.md §4.4 "CreateRunner").
func (m *Manager) CreateRunner(ctx context.Context, registrationToken string) (cloud.InstanceId, error) {
	start := time.Now()
	id := m.cloud.NewInstanceID()

	userdata, err := renderUserdata(m.cfg, string(id), registrationToken)
	if err != nil {
		return "", &RunnerCreateError{InstanceID: id, Err: err}
	}

	if _, err := m.cloud.LaunchInstance(ctx, id, m.cfg.Image, m.cfg.Flavor, m.cfg.Network, userdata); err != nil {
		return "", &RunnerCreateError{InstanceID: id, Err: err}
	}
	metrics.CreateRunnerDuration.WithLabelValues(m.prefix).Observe(time.Since(start).Seconds())

	if m.events != nil {
		if err := m.events.RunnerInstalled(string(id)); err != nil {
			m.log.WithError(err).Warn("failed to emit RunnerInstalled event")
		}
	}
	return id, nil
}

// DeleteRunner tears down one runner VM: best-effort metrics pull, best-effort
// CI-service unregister, cloud instance + keypair + keyfile deletion, then
// aggregates and returns the pulled metrics (spec.md §4.4 "DeleteRunner").
// status labels the RunnerStop event ("flushed", "crashed", "phantom", ...).
func (m *Manager) DeleteRunner(ctx context.Context, id cloud.InstanceId, removalToken, status string) (*metricsstore.RunnerMetrics, error) {
	if instance, err := m.cloud.GetInstance(ctx, id); err == nil {
		m.pullAndUnregister(ctx, instance, removalToken)
	}

	if err := m.cloud.DeleteInstance(ctx, id); err != nil {
		m.log.WithError(err).WithField("instance_id", id).Warn("delete cloud instance")
	}
	if err := m.cloud.DeleteKeyMaterial(ctx, id); err != nil {
		m.log.WithError(err).WithField("instance_id", id).Warn("delete key material")
	}

	metrics, err := m.metrics.CollectAndRemove(id, string(id))
	if err != nil {
		return nil, fmt.Errorf("collect metrics for %s: %w", id, err)
	}

	if m.events != nil {
		if err := m.events.RunnerStop(string(id), status); err != nil {
			m.log.WithError(err).Warn("failed to emit RunnerStop event")
		}
	}
	return metrics, nil
}

func (m *Manager) pullAndUnregister(ctx context.Context, instance cloud.CloudInstance, removalToken string) {
	session, err := m.cloud.GetSSHConnection(ctx, instance)
	if err != nil {
		m.log.WithError(err).WithField("instance_id", instance.InstanceID).Debug("ssh unreachable during delete, skipping metrics pull")
		return
	}
	defer session.Close()

	if err := m.metrics.PullFromVM(session, instance.InstanceID); err != nil {
		m.log.WithError(err).WithField("instance_id", instance.InstanceID).Warn("pull metrics")
	}
	if _, err := session.Run(fmt.Sprintf(removalCommandTemplate, removalToken)); err != nil {
		m.log.WithError(err).WithField("instance_id", instance.InstanceID).Debug("ci-side unregister command failed, continuing")
	}
}

// FlushRunners deletes idle runners, and busy ones too when busy=true
// (spec.md §4.4 "FlushRunners").
func (m *Manager) FlushRunners(ctx context.Context, removalToken string, busy bool) ([]*metricsstore.RunnerMetrics, error) {
	instances, err := m.cloud.GetInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	ciRunners, err := m.ci.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ci runners: %w", err)
	}
	busyByName := make(map[string]bool, len(ciRunners))
	for _, r := range ciRunners {
		busyByName[r.Name] = r.Busy
	}

	var selected []cloud.CloudInstance
	for _, inst := range instances {
		if busyByName[string(inst.InstanceID)] && !busy {
			continue
		}
		selected = append(selected, inst)
	}

	return m.deleteParallel(ctx, selected, removalToken, "flushed")
}

// Cleanup deletes unhealthy runners, reconciles stray keypairs, and garbage
// collects orphaned metric directories (spec.md §4.4 "Cleanup").
func (m *Manager) Cleanup(ctx context.Context, removalToken string) ([]*metricsstore.RunnerMetrics, error) {
	instances, err := m.cloud.GetInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var unhealthy []cloud.CloudInstance
	live := make(map[cloud.InstanceId]bool, len(instances))
	for _, inst := range instances {
		live[inst.InstanceID] = true
		if m.checker.Check(ctx, inst, false) == health.Unhealthy {
			unhealthy = append(unhealthy, inst)
		}
	}

	results, err := m.deleteParallel(ctx, unhealthy, removalToken, "crashed")
	if err != nil {
		return results, err
	}

	if err := m.cloud.Cleanup(ctx); err != nil {
		m.log.WithError(err).Warn("cloud keypair/keyfile reconciliation failed")
	}
	if err := m.metrics.CleanupOrphans(live); err != nil {
		m.log.WithError(err).Warn("orphan metrics directory cleanup failed")
	}

	return results, nil
}

func (m *Manager) deleteParallel(ctx context.Context, instances []cloud.CloudInstance, removalToken, status string) ([]*metricsstore.RunnerMetrics, error) {
	results := make([]*metricsstore.RunnerMetrics, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			metrics, err := m.DeleteRunner(gctx, inst.InstanceID, removalToken, status)
			if err != nil {
				m.log.WithError(err).WithField("instance_id", inst.InstanceID).Error("delete runner failed")
				return nil
			}
			results[i] = metrics
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
