// Package health implements the Health Checker algorithm from spec.md §4.3:
// given a CloudInstance, classify it Healthy, Unhealthy, or Unknown.
package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/cloud"
)

// State is the closed health classification. Unknown is a legitimate
// terminal answer and must propagate: callers never coerce it to
// Unhealthy (spec.md §3 "HealthState").
type State string

const (
	Healthy   State = "healthy"
	Unhealthy State = "unhealthy"
	Unknown   State = "unknown"
)

// sshRetryBudget is the number of SSH connection attempts Check makes
// before giving up (spec.md §4.3 step 3 "persistent failure past a short
// budget").
const sshRetryBudget = 3

// runnerListenerProcess and runnerWorkerProcess are the process names the
// userdata script's agent registers under (spec.md §6 "Runner VM userdata
// contract"); used by step 5's process enumeration.
const (
	runnerListenerProcess = "runner-listener"
	runnerWorkerProcess   = "runner-worker"
)

// Session is the subset of *cloud.SSHSession the Health Checker needs,
// narrowed so it can be exercised in tests without a live SSH server.
type Session interface {
	ReadCloudInitStatus() (cloud.CloudInitStatus, error)
	ProcessPresent(name string) (bool, error)
	Close() error
}

// SSHDialer opens a session to a cloud instance.
type SSHDialer interface {
	GetSSHConnection(ctx context.Context, instance cloud.CloudInstance) (Session, error)
}

// cloudClient is the subset of *cloud.Client that NewSSHDialer wraps.
type cloudClient interface {
	GetSSHConnection(ctx context.Context, instance cloud.CloudInstance) (*cloud.SSHSession, error)
}

type clientDialer struct{ client cloudClient }

// NewSSHDialer adapts a *cloud.Client into the narrower SSHDialer interface
// this package's Checker depends on.
func NewSSHDialer(client cloudClient) SSHDialer {
	return clientDialer{client: client}
}

func (d clientDialer) GetSSHConnection(ctx context.Context, instance cloud.CloudInstance) (Session, error) {
	return d.client.GetSSHConnection(ctx, instance)
}

// Checker runs the health algorithm against a configured build-mode timeout.
type Checker struct {
	dialer           SSHDialer
	buildModeTimeout time.Duration
	log              *logrus.Logger
}

// New builds a Checker. buildModeTimeout is the age below which a
// not-yet-live runner is classified Unknown rather than Unhealthy
// (spec.md glossary "Build-mode timeout").
func New(dialer SSHDialer, buildModeTimeout time.Duration, log *logrus.Logger) *Checker {
	return &Checker{dialer: dialer, buildModeTimeout: buildModeTimeout, log: log}
}

// Check runs the six-step algorithm from spec.md §4.3. acceptFinishedJob
// mirrors step 5's "accept_finished_job" flag, used when finalizing a
// still-constructing runner that already finished its job.
func (c *Checker) Check(ctx context.Context, instance cloud.CloudInstance, acceptFinishedJob bool) State {
	// Step 1: terminal-bad cloud states are unconditionally unhealthy.
	switch instance.Status {
	case cloud.StateError, cloud.StateStopped, cloud.StateDeleted:
		return Unhealthy
	}

	age := instance.Age()

	// Step 2: a VM still in Created state within the build-mode grace window
	// may simply still be installing.
	if age < c.buildModeTimeout && instance.Status == cloud.StateCreated {
		return Unknown
	}

	session, err := c.dialSSHWithRetry(ctx, instance)
	if err != nil {
		// Step 3: SSH failure. A young instance gets the benefit of the
		// doubt; anything past the grace window is unhealthy.
		if age < c.buildModeTimeout {
			return Unknown
		}
		c.log.WithError(err).WithField("instance_id", instance.InstanceID).Debug("ssh unreachable, classifying unhealthy")
		return Unhealthy
	}
	defer session.Close()

	// Step 4: cloud-init status.
	cloudInitStatus, err := session.ReadCloudInitStatus()
	if err != nil {
		if age < c.buildModeTimeout {
			return Unknown
		}
		return Unhealthy
	}
	switch cloudInitStatus {
	case cloud.CloudInitError:
		return Unhealthy
	case cloud.CloudInitRunning:
		if age > c.buildModeTimeout {
			return Unhealthy
		}
		return Unknown
	case cloud.CloudInitDone, cloud.CloudInitDegraded:
		// continue to step 5
	default:
		if age < c.buildModeTimeout {
			return Unknown
		}
	}

	// Step 5: process enumeration.
	listenerPresent, err := session.ProcessPresent(runnerListenerProcess)
	if err != nil {
		return Unknown
	}
	if !listenerPresent {
		workerPresent, werr := session.ProcessPresent(runnerWorkerProcess)
		if werr == nil && !workerPresent && acceptFinishedJob {
			return Healthy
		}
		if age < c.buildModeTimeout {
			return Unknown
		}
		return Unhealthy
	}

	// Step 6: listener present (worker busy or idle, doesn't matter here).
	return Healthy
}

func (c *Checker) dialSSHWithRetry(ctx context.Context, instance cloud.CloudInstance) (Session, error) {
	var lastErr error
	for attempt := 0; attempt < sshRetryBudget; attempt++ {
		session, err := c.dialer.GetSSHConnection(ctx, instance)
		if err == nil {
			return session, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
