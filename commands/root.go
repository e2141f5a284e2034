// Package commands provides the CLI commands for fleetd.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// configPath is the shared --config flag every subcommand reads its
// manager's Config document from (spec.md §6 "Environment / configuration").
var configPath string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Fleet reconciliation engine for ephemeral self-hosted CI runners",
	Long: `fleetd reconciles a fleet of ephemeral, single-use CI runner VMs against
either a fixed target count (proactive mode) or pending job demand (reactive
mode). Each process instance owns one disjoint slice of the fleet, scoped by
its configured name prefix.

Run 'fleetd serve' to start the long-running reconciliation loop, or
'fleetd reconcile-once' for a single cycle invoked out-of-band (e.g. cron).
'fleetd reactive-worker' is an internal subcommand spawned by the Reactive
Process Supervisor; it is not meant to be run directly.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	SilenceUsage: true,
	// Errors are logged by the subcommand itself.
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(version, commit, date string) {
	Version = version
	Commit = commit
	Date = date
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fleetd/config.yaml", "Path to the manager's YAML config file")
}
