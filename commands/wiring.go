package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cirunner"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/cloudrunner"
	"github.com/runnerforge/fleet/internal/config"
	"github.com/runnerforge/fleet/internal/eventlog"
	"github.com/runnerforge/fleet/internal/health"
	"github.com/runnerforge/fleet/internal/metricsstore"
	"github.com/runnerforge/fleet/internal/runnermanager"
)

// components holds every composed collaborator a manager process needs,
// built once from Config and shared across whichever subcommand runs
// (spec.md §4 "composition order").
type components struct {
	cfg     *config.Config
	cloud   *cloud.Client
	ci      *ci.Client
	runners *runnermanager.Manager
	events  *eventlog.Log
}

// buildComponents wires the Cloud Client, CI Client, Metrics Store, Health
// Checker, Cloud Runner Manager, CI Runner Manager, and the joined Runner
// Manager, in the dependency order spec.md §2 lays out.
func buildComponents(cfg *config.Config, log *logrus.Logger) (*components, error) {
	cloudClient, err := cloud.NewClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build cloud client: %w", err)
	}

	ciClient, err := ci.NewClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build ci client: %w", err)
	}

	metricsStore, err := metricsstore.NewStore(cfg.MetricsBaseDir, cfg.QuarantineDir, log)
	if err != nil {
		return nil, fmt.Errorf("build metrics store: %w", err)
	}

	dialer := health.NewSSHDialer(cloudClient)
	checker := health.New(dialer, cfg.BuildModeTimeout, log)

	events, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	cloudRunnerCfg := cloudrunner.ManagerConfig{
		Image:                   cfg.OpenStack.Image,
		Flavor:                  cfg.OpenStack.Flavor,
		Network:                 cfg.OpenStack.Network,
		Labels:                  cfg.RunnerLabels,
		GitHubPath:              cfg.GitHub.Path,
		GitHubBaseURL:           cfg.GitHub.BaseURL,
		HTTPProxy:               cfg.HTTPProxy,
		HTTPSProxy:              cfg.HTTPSProxy,
		DockerhubMirror:         cfg.DockerhubMirror,
		EnableAproxy:            cfg.EnableAproxy,
		RepoPolicyComplianceURL: cfg.RepoPolicyComplianceURL,
		RepoPolicyComplianceTok: cfg.RepoPolicyComplianceTok,
		SSHDebugRelayHosts:      cfg.SSHDebugRelayHosts,
	}
	cloudRunnerMgr := cloudrunner.New(cloudClient, ciClient, metricsStore, checker, events, cloudRunnerCfg, cfg.Prefix, log)

	ciRunnerMgr := cirunner.New(ciClient, cfg.Prefix, log)

	runners := runnermanager.New(cloudClient, ciRunnerMgr, ciRunnerMgr, ciClient, cloudRunnerMgr, checker, metricsStore, events, log)

	return &components{cfg: cfg, cloud: cloudClient, ci: ciClient, runners: runners, events: events}, nil
}
