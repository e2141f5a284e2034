package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runnerforge/fleet/internal/config"
	"github.com/runnerforge/fleet/internal/logging"
	"github.com/runnerforge/fleet/internal/metrics"
	"github.com/runnerforge/fleet/internal/reactive"
	"github.com/runnerforge/fleet/internal/scaler"
	"github.com/runnerforge/fleet/internal/server"
)

// reconcileInterval is the tick period for the long-running loop. Longer
// than a typical in-memory pool tick since a cycle here does real
// IaaS/CI-service calls, not just local bookkeeping.
const reconcileInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-running reconciliation loop",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	log.Infof("fleetd %s starting, prefix=%s", Version, cfg.Prefix)

	comps, err := buildComponents(cfg, log)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer comps.events.Close()

	var sc *scaler.Scaler
	var queueDepth func() int64
	var queueCloser func(context.Context) error

	if cfg.IsReactive() {
		ctx := context.Background()
		queue, err := reactive.NewMongoQueue(ctx, cfg.Reactive.QueueURI, cfg.Reactive.QueueName, cfg.Reactive.VisibilityTimeout)
		if err != nil {
			return fmt.Errorf("connect reactive queue: %w", err)
		}
		queueCloser = queue.Close
		queueDepth = func() int64 {
			depth, err := queue.Depth(context.Background())
			if err != nil {
				log.WithError(err).Warn("serve: failed to read queue depth")
				return 0
			}
			return depth
		}

		supervisor := reactive.New(cfg.BinaryPath, []string{"--config", configPath}, cfg.Prefix, log)
		sc = scaler.NewReactive(comps.runners, supervisor, queue, comps.events, cfg.Prefix, log)
	} else {
		sc = scaler.NewProactive(comps.runners, comps.events, cfg.Prefix, log)
	}

	quantity := func() int {
		if cfg.IsReactive() {
			return int(queueDepth())
		}
		return cfg.RunnerCount
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("serve: received signal %v, shutting down", sig)
		cancel()
	}()

	metrics.SetUp()
	defer metrics.SetDown()

	srv := server.New(cfg.Prefix, cfg.Server.Address, cfg.Server.MetricsAddress, comps.runners, sc, quantity, log)

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Run(ctx) }()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if queueCloser != nil {
				if err := queueCloser(context.Background()); err != nil {
					log.WithError(err).Warn("serve: failed to close reactive queue")
				}
			}
			return <-errChan
		case err := <-errChan:
			cancel()
			return err
		case <-ticker.C:
			delta, err := sc.Reconcile(ctx, quantity())
			if err != nil {
				log.WithError(err).Error("serve: reconciliation cycle failed")
				continue
			}
			log.WithField("delta", delta).Debug("serve: reconciliation cycle complete")
		}
	}
}

