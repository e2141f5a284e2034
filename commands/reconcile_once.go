package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runnerforge/fleet/internal/config"
	"github.com/runnerforge/fleet/internal/logging"
	"github.com/runnerforge/fleet/internal/reactive"
	"github.com/runnerforge/fleet/internal/scaler"
)

var reconcileOnceCmd = &cobra.Command{
	Use:   "reconcile-once",
	Short: "Run a single reconciliation cycle and exit, for cron/manual invocation",
	RunE:  runReconcileOnce,
}

func init() {
	rootCmd.AddCommand(reconcileOnceCmd)
}

func runReconcileOnce(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	comps, err := buildComponents(cfg, log)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer comps.events.Close()

	ctx := context.Background()

	var sc *scaler.Scaler
	quantity := cfg.RunnerCount

	if cfg.IsReactive() {
		queue, err := reactive.NewMongoQueue(ctx, cfg.Reactive.QueueURI, cfg.Reactive.QueueName, cfg.Reactive.VisibilityTimeout)
		if err != nil {
			return fmt.Errorf("connect reactive queue: %w", err)
		}
		defer queue.Close(ctx)

		depth, err := queue.Depth(ctx)
		if err != nil {
			return fmt.Errorf("read queue depth: %w", err)
		}
		quantity = int(depth)

		supervisor := reactive.New(cfg.BinaryPath, []string{"--config", configPath}, cfg.Prefix, log)
		sc = scaler.NewReactive(comps.runners, supervisor, queue, comps.events, cfg.Prefix, log)
	} else {
		sc = scaler.NewProactive(comps.runners, comps.events, cfg.Prefix, log)
	}

	delta, err := sc.Reconcile(ctx, quantity)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	log.WithField("delta", delta).Info("reconcile-once: cycle complete")
	return nil
}
