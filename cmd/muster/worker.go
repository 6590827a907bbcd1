package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/config"
	"github.com/musterlabs/muster/internal/logging"
	"github.com/musterlabs/muster/internal/worker"
	"github.com/musterlabs/muster/pkg/models"
)

var (
	workerID           string
	workerCapabilities []string
	workerBand         string
	workerConcurrency  int
	workerCommand      []string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Join the agent pool as a worker",
	Long: `Run this process as a pool worker.

The worker registers with the coordination layer, heartbeats to stay
live, and executes the tasks routed to it. Each task's payload is fed
to the configured command on stdin; its stdout becomes the step
result. Without a command, tasks are simulated, which is useful for
exercising a pool.

Workers in separate processes need redis coordinator mode; a worker
over the in-memory store can only serve orchestrators in the same
process. Flags override the worker section of the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Agent id (generated when empty)")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capability", nil, "Capability tag to declare (repeatable)")
	workerCmd.Flags().StringVar(&workerBand, "band", "", "Complexity band: light, standard, or heavy")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Concurrent tasks to run")
	workerCmd.Flags().StringSliceVar(&workerCommand, "command", nil, "Command (and args) executed per task")
}

func runWorker() error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyWorkerFlags(cfg)
	log := logging.Init(cfg.Logging)

	if cfg.Coordinator.Mode == "memory" {
		warnColor.Println("memory coordinator mode: this worker is only reachable from this process")
	}

	breakers := breaker.NewRegistry(cfg.Breaker.BreakerRegistryConfig())
	coordinator, kv, err := buildCoordinator(ctx, cfg, breakers, log)
	if err != nil {
		return err
	}
	defer kv.Close()

	w := worker.New(coordinator, buildRunner(cfg.Worker), worker.Config{
		ID:           cfg.Worker.ID,
		Capabilities: cfg.Worker.Capabilities,
		Band:         cfg.Worker.BandValue(),
		Concurrency:  cfg.Worker.Concurrency,
	}, log)

	successColor.Printf("Worker %s joined the pool\n", w.ID())
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyWorkerFlags lets command-line flags override the worker config.
func applyWorkerFlags(cfg *config.Config) {
	if workerID != "" {
		cfg.Worker.ID = workerID
	}
	if len(workerCapabilities) > 0 {
		cfg.Worker.Capabilities = workerCapabilities
	}
	if workerBand != "" && models.Band(workerBand).Valid() {
		cfg.Worker.Band = workerBand
	}
	if workerConcurrency > 0 {
		cfg.Worker.Concurrency = workerConcurrency
	}
	if len(workerCommand) > 0 {
		cfg.Worker.Command = workerCommand
	}
}
