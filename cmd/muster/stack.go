package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/checkpoint"
	"github.com/musterlabs/muster/internal/config"
	"github.com/musterlabs/muster/internal/coord"
	"github.com/musterlabs/muster/internal/dispatch"
	"github.com/musterlabs/muster/internal/logging"
	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/internal/router"
	"github.com/musterlabs/muster/internal/worker"
	"github.com/musterlabs/muster/pkg/models"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.Bold)
)

// stack is the full orchestration runtime a command works against:
// config, logging, the coordination layer, the checkpoint store, and
// the orchestrator itself.
type stack struct {
	cfg         *config.Config
	log         *zap.Logger
	breakers    *breaker.Registry
	coordinator *coord.Coordinator
	store       *checkpoint.DB
	orch        *orchestrator.Orchestrator
	kv          coord.Store
}

// loadConfig resolves configuration, honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// checkpointPath picks the checkpoint database: the configured path,
// an existing project-local database, or the global one.
func checkpointPath(cfg *config.Config) string {
	if cfg.Checkpoint.Path != "" {
		return cfg.Checkpoint.Path
	}
	if cwd, err := os.Getwd(); err == nil {
		projectPath := checkpoint.ProjectDBPath(cwd)
		if _, err := os.Stat(projectPath); err == nil {
			return projectPath
		}
	}
	return checkpoint.GlobalDBPath()
}

// openCheckpoints opens and migrates the checkpoint database.
func openCheckpoints(cfg *config.Config) (*checkpoint.DB, error) {
	db, err := checkpoint.Open(checkpointPath(cfg))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildCoordinator creates the coordination layer for the configured
// mode over the given breaker registry.
func buildCoordinator(ctx context.Context, cfg *config.Config, breakers *breaker.Registry, log *zap.Logger) (*coord.Coordinator, coord.Store, error) {
	var kv coord.Store
	switch cfg.Coordinator.Mode {
	case "redis":
		store, err := coord.NewRedisStore(ctx, coord.RedisConfig{
			Addr:     cfg.Coordinator.RedisAddr,
			Password: cfg.Coordinator.RedisPassword,
			DB:       cfg.Coordinator.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		kv = store
	default:
		kv = coord.NewMemoryStore()
	}
	return coord.New(kv, breakers, cfg.Coordinator.CoordConfig(), log), kv, nil
}

// buildStack assembles the orchestration runtime. When inline is set,
// steps execute in this process through a local invoker instead of
// being dispatched over the coordination layer.
func buildStack(ctx context.Context, inline bool) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.Init(cfg.Logging)

	breakers := breaker.NewRegistry(cfg.Breaker.BreakerRegistryConfig())
	coordinator, kv, err := buildCoordinator(ctx, cfg, breakers, log)
	if err != nil {
		return nil, err
	}

	store, err := openCheckpoints(cfg)
	if err != nil {
		kv.Close()
		return nil, err
	}

	var invoker orchestrator.Invoker
	if inline {
		runner := buildRunner(cfg.Worker)
		invoker = dispatch.NewLocal(runner.Run, cfg.Orchestrator.MaxConcurrentSteps, log)
	} else {
		invoker = dispatch.NewDirected(coordinator, log)
	}

	orch, err := orchestrator.New(orchestrator.RequiredConfig{
		Router:   router.New(coordinator, cfg.Router.RouterPkgConfig(), log),
		Breakers: breakers,
		Store:    store,
		Invoker:  invoker,
	},
		orchestrator.WithConfig(cfg.Orchestrator.OrchestratorPkgConfig()),
		orchestrator.WithLogger(log),
	)
	if err != nil {
		store.Close()
		kv.Close()
		return nil, err
	}

	return &stack{
		cfg:         cfg,
		log:         log,
		breakers:    breakers,
		coordinator: coordinator,
		store:       store,
		orch:        orch,
		kv:          kv,
	}, nil
}

// close stops active runs and releases every resource. Interrupted
// runs stay resumable from their last checkpoint.
func (s *stack) close() {
	s.orch.Stop()
	s.store.Close()
	s.kv.Close()
	_ = s.log.Sync()
}

// buildRunner picks the step runner: the configured command, or the
// simulated runner when none is set.
func buildRunner(cfg config.WorkerConfig) worker.Runner {
	if len(cfg.Command) > 0 {
		r, err := worker.NewCommandRunner(cfg.Command, "")
		if err == nil {
			return r
		}
	}
	return &worker.SimulatedRunner{}
}

// startLocalPool launches n in-process workers over the coordination
// layer and returns a function that drains them.
func startLocalPool(ctx context.Context, s *stack, n int) func() {
	poolCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	runner := buildRunner(s.cfg.Worker)
	for i := 0; i < n; i++ {
		w := worker.New(s.coordinator, runner, worker.Config{
			Capabilities: s.cfg.Worker.Capabilities,
			Band:         s.cfg.Worker.BandValue(),
			Concurrency:  s.cfg.Worker.Concurrency,
		}, s.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(poolCtx)
		}()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

// registerInlineAgent adds a synthetic pool member for inline runs so
// routing has a live agent to pick, and keeps its heartbeat fresh
// until ctx ends.
func registerInlineAgent(ctx context.Context, s *stack) (string, error) {
	id := s.cfg.Worker.ID
	if id == "" {
		id = "local"
	}
	if err := s.coordinator.Register(ctx, id, s.cfg.Worker.Capabilities, s.cfg.Worker.BandValue()); err != nil {
		return "", err
	}
	go func() {
		ticker := time.NewTicker(s.coordinator.Config().HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.coordinator.Heartbeat(ctx, id)
			}
		}
	}()
	return id, nil
}

// watchControlTopic cancels the workflow when a cancel request arrives
// over the coordination layer, so 'muster cancel' reaches runs in
// other processes.
func watchControlTopic(ctx context.Context, s *stack, workflowID string) {
	msgs, err := s.coordinator.Subscribe(ctx, coord.ControlTopic(workflowID))
	if err != nil {
		s.log.Warn("control topic unavailable",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				_ = s.orch.Cancel(ctx, workflowID)
			}
		}
	}()
}

// statusColor maps a status to its display color.
func statusColor(status string) *color.Color {
	switch status {
	case string(models.WorkflowStatusCompleted):
		return successColor
	case string(models.WorkflowStatusFailed):
		return errorColor
	case string(models.WorkflowStatusCancelled), string(models.StepStatusSkipped):
		return warnColor
	case string(models.WorkflowStatusRunning):
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

// printWorkflowSummary renders the per-step outcome table and the
// run's duration percentiles.
func printWorkflowSummary(s *stack, workflowID string) {
	w, err := s.orch.Workflow(workflowID)
	if err != nil {
		warnColor.Printf("no state for workflow %s: %v\n", workflowID, err)
		return
	}

	fmt.Println()
	headerColor.Printf("Workflow %s", w.ID)
	if w.Name != "" && w.Name != w.ID {
		fmt.Printf(" (%s)", w.Name)
	}
	fmt.Print(": ")
	statusColor(string(w.Status)).Printf("%s\n", w.Status)

	for _, step := range w.Steps {
		statusColor(string(step.Status)).Printf("  %-10s", step.Status)
		fmt.Printf(" %s", step.ID)
		if step.AssignedTo != "" {
			fmt.Printf("  agent=%s", step.AssignedTo)
		}
		if step.Result != nil && step.Result.Duration > 0 {
			fmt.Printf("  %s", formatDuration(step.Result.Duration))
		}
		if step.FailureReason != "" {
			fmt.Printf("  (%s)", step.FailureReason)
		}
		fmt.Println()
	}

	snap := s.orch.Metrics().Overall()
	if snap.Count > 0 {
		fmt.Printf("\nSteps: %d  failures: %d  p50: %s  p95: %s  max: %s\n",
			snap.Count, snap.Failures,
			formatDuration(snap.P50), formatDuration(snap.P95), formatDuration(snap.Max))
	}
}

// formatDuration renders a duration with sub-second noise trimmed.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// timeAgo renders how long ago t was, for table output.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatDuration(time.Since(t)) + " ago"
}
