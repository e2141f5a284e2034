// Package main provides the entry point for fleetd, the fleet
// reconciliation engine for ephemeral self-hosted CI runners.
//
// fleetd has three modes, selected by subcommand:
//   - serve (default): runs the long-running reconciliation loop and the
//     status/health/metrics HTTP surface
//   - reconcile-once: runs a single reconciliation cycle and exits
//   - reactive-worker: internal, spawned by the Reactive Process Supervisor
package main

import (
	"github.com/runnerforge/fleet/commands"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	commands.SetVersionInfo(Version, Commit, Date)
	commands.Execute()
}
