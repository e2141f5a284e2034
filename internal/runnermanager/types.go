// Package runnermanager is the joined Runner Manager (spec.md §4.6):
// composes the Cloud Runner Manager and CI Runner Manager into one view of
// a runner keyed by name, and exposes the create/delete/flush/cleanup
// operations the Scaler drives.
package runnermanager

import (
	"time"

	"github.com/runnerforge/fleet/internal/ci"
	"github.com/runnerforge/fleet/internal/cloud"
	"github.com/runnerforge/fleet/internal/health"
)

// RunnerInstance is the transient joined view of a runner: cloud state ∪ CI
// state (spec.md §3). It is rebuilt on every enumeration; nothing persists
// it (Design Note §9 "implicit cycles ... re-model as a join performed at
// enumeration time").
type RunnerInstance struct {
	InstanceID cloud.InstanceId
	Name       string
	Health     health.State
	CloudState cloud.CloudRunnerState
	CIState    ci.CIRunnerState
	CIInfo     *ci.CIRunner
	CreatedAt  time.Time
}

// Age is how long this runner's cloud instance has existed.
func (r RunnerInstance) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

// Busy reports whether the CI service considers this runner executing a
// job. A runner with no CI-side record (not yet registered) is never busy.
func (r RunnerInstance) Busy() bool {
	return r.CIState == ci.StateBusy
}

// FlushMode selects which runners FlushRunners deletes (spec.md §4.6).
type FlushMode string

const (
	FlushIdle FlushMode = "idle"
	FlushBusy FlushMode = "busy"
)

// EventStats summarizes the outcome of a bulk operation, used by the Scaler
// to build its Reconciliation event.
type EventStats struct {
	Created int
	Deleted int
	Crashed int
	Idle    int
	Busy    int
	Active  int
}
