// Package cirunner is the CI Runner Manager (spec.md §4.5): symmetric to the
// Cloud Runner Manager but on the CI-service side.
package cirunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runnerforge/fleet/internal/ci"
)

// ciClient is the subset of *ci.Client this manager needs.
type ciClient interface {
	ListRunners(ctx context.Context) ([]ci.CIRunner, error)
	DeleteRunner(ctx context.Context, id int64) error
}

// Manager enumerates and prunes CI-side runner records belonging to this
// manager's name prefix.
type Manager struct {
	ci          ciClient
	prefix      string
	log         *logrus.Logger
	concurrency int
}

// New builds a Manager scoped to prefix.
func New(ciClient ciClient, prefix string, log *logrus.Logger) *Manager {
	return &Manager{ci: ciClient, prefix: prefix, log: log, concurrency: 8}
}

// ListRunners returns CI-side runners whose name begins with this manager's
// prefix (spec.md §4.5 "Enumeration filters by name.starts_with(Prefix)").
func (m *Manager) ListRunners(ctx context.Context) ([]ci.CIRunner, error) {
	all, err := m.ci.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ci runners: %w", err)
	}
	var owned []ci.CIRunner
	for _, r := range all {
		if strings.HasPrefix(r.Name, m.prefix+"-") {
			owned = append(owned, r)
		}
	}
	return owned, nil
}

// DeleteRunners removes CI-side records for every owned runner whose state
// is in states, used to clean up "offline" phantoms left when a cloud
// instance vanished without a graceful unregister (spec.md §4.5).
func (m *Manager) DeleteRunners(ctx context.Context, states map[ci.CIRunnerState]bool) ([]ci.CIRunner, error) {
	owned, err := m.ListRunners(ctx)
	if err != nil {
		return nil, err
	}

	var targets []ci.CIRunner
	for _, r := range owned {
		if states[r.State()] {
			targets = append(targets, r)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, r := range targets {
		r := r
		g.Go(func() error {
			if err := m.ci.DeleteRunner(gctx, r.ID); err != nil {
				m.log.WithError(err).WithField("runner_name", r.Name).Error("delete ci-side runner record failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return targets, nil
}
