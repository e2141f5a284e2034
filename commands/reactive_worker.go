package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runnerforge/fleet/internal/config"
	"github.com/runnerforge/fleet/internal/logging"
	"github.com/runnerforge/fleet/internal/reactive"
)

var reactiveWorkerPrefix string

// reactiveWorkerCmd is spawned internally by the Reactive Process Supervisor
// (spec.md §4.7); it is not meant to be invoked directly by an operator.
var reactiveWorkerCmd = &cobra.Command{
	Use:    "reactive-worker",
	Short:  "Internal: consume one reactive queue message per invocation loop",
	Hidden: true,
	RunE:   runReactiveWorker,
}

func init() {
	reactiveWorkerCmd.Flags().StringVar(&reactiveWorkerPrefix, "prefix", "", "Manager name prefix, tags this process for the supervisor's ps-style inspection")
	rootCmd.AddCommand(reactiveWorkerCmd)
}

func runReactiveWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.IsReactive() {
		return fmt.Errorf("reactive-worker invoked but config has no reactive section")
	}

	log := logging.New(cfg.LogLevel)
	log.WithField("prefix", reactiveWorkerPrefix).Info("reactive worker starting")

	comps, err := buildComponents(cfg, log)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer comps.events.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		log.Infof("reactive worker: received signal %v, finishing in-flight message then exiting", sig)
		cancel()
	}()

	queue, err := reactive.NewMongoQueue(ctx, cfg.Reactive.QueueURI, cfg.Reactive.QueueName, cfg.Reactive.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("connect reactive queue: %w", err)
	}
	defer queue.Close(context.Background())

	worker := reactive.NewWorker(queue, cfg.Reactive.SupportedLabels, comps.ci, comps.runners, log)

	if err := worker.Run(ctx); err != nil {
		log.WithError(err).Error("reactive worker: exited with error")
		return err
	}
	log.Info("reactive worker: shutdown complete")
	return nil
}
