// Package ci is the typed wrapper over the CI service's (GitHub Actions)
// runner-admin API (spec.md §4.2 "CI Client").
package ci

import "time"

// CIRunnerState is Busy iff the CI service reports the runner executing a
// job; Idle iff online and not busy; Offline otherwise (spec.md §3).
type CIRunnerState string

const (
	StateBusy    CIRunnerState = "busy"
	StateIdle    CIRunnerState = "idle"
	StateOffline CIRunnerState = "offline"
)

// CIRunner is the CI service's view of a registered runner.
type CIRunner struct {
	ID     int64
	Name   string
	Online bool
	Busy   bool
	Labels []string
}

// State derives the closed CIRunnerState from the raw online/busy flags.
func (r CIRunner) State() CIRunnerState {
	if !r.Online {
		return StateOffline
	}
	if r.Busy {
		return StateBusy
	}
	return StateIdle
}

// Job is a CI Actions job (spec.md §3, used to decide whether a queued
// message's job has already been picked up).
type Job struct {
	ID         int64
	RunID      int64
	Name       string
	Status     JobStatus
	RunnerName string
	StartedAt  time.Time
}

// JobStatus is the subset of GitHub Actions job statuses the Reactive Process
// Supervisor needs to distinguish (spec.md §4.7 step 4).
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
)

// AlreadyClaimed reports whether a worker should skip spawning a runner
// because the job has already been picked up by someone else.
func (j Job) AlreadyClaimed() bool {
	return j.Status == JobCompleted || j.Status == JobInProgress
}
