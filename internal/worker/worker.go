// Package worker implements the agent runtime: a long-running process
// that joins the pool through the coordination layer, claims dispatched
// tasks, and executes them through a pluggable Runner.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/coord"
	"github.com/musterlabs/muster/internal/dispatch"
	"github.com/musterlabs/muster/pkg/models"
)

// Runner executes one claimed task. A returned error becomes a failure
// result reported back to the dispatcher.
type Runner interface {
	Run(ctx context.Context, task *models.Task) (*models.StepResult, error)
}

// Config describes one worker's pool identity.
type Config struct {
	// ID is the agent identifier. Empty generates a short unique one.
	ID string
	// Capabilities lists the tags the worker declares at registration.
	Capabilities []string
	// Band is the complexity band the worker is reserved for.
	Band models.Band
	// Concurrency bounds how many tasks execute at once.
	Concurrency int
}

// withDefaults fills zero fields so a partially built Config is usable.
func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "agent-" + uuid.New().String()[:8]
	}
	if !c.Band.Valid() {
		c.Band = models.BandStandard
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Worker is one member of the agent pool.
type Worker struct {
	coordinator *coord.Coordinator
	runner      Runner
	cfg         Config
	log         *zap.Logger
}

// New creates a Worker. A nil logger falls back to a no-op logger.
func New(coordinator *coord.Coordinator, runner Runner, cfg Config, log *zap.Logger) *Worker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		coordinator: coordinator,
		runner:      runner,
		cfg:         cfg,
		log:         log.Named("worker").With(zap.String("agent_id", cfg.ID)),
	}
}

// ID returns the worker's agent identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run registers the worker, heartbeats on the configured cadence, and
// executes dispatched tasks until ctx ends. On return the worker has
// deregistered from the pool.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.coordinator.Register(ctx, w.cfg.ID, w.cfg.Capabilities, w.cfg.Band); err != nil {
		return fmt.Errorf("worker %s register: %w", w.cfg.ID, err)
	}
	defer func() {
		// Deregistration gets its own context; ctx is already done.
		cleanup, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.coordinator.Deregister(cleanup, w.cfg.ID); err != nil {
			w.log.Warn("deregister failed", zap.Error(err))
		}
	}()

	assignments, err := w.coordinator.Subscribe(ctx, coord.DispatchTopic(w.cfg.ID))
	if err != nil {
		return fmt.Errorf("worker %s subscribe: %w", w.cfg.ID, err)
	}

	w.log.Info("worker joined pool",
		zap.Strings("capabilities", w.cfg.Capabilities),
		zap.String("band", string(w.cfg.Band)),
		zap.Int("concurrency", w.cfg.Concurrency))

	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, w.cfg.Concurrency)
	ticker := time.NewTicker(w.coordinator.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker leaving pool")
			return ctx.Err()
		case <-ticker.C:
			if err := w.coordinator.Heartbeat(ctx, w.cfg.ID); err != nil {
				// The store breaker absorbs outages; keep ticking.
				w.log.Warn("heartbeat failed", zap.Error(err))
			}
		case msg, ok := <-assignments:
			if !ok {
				return fmt.Errorf("worker %s: dispatch stream closed: %w", w.cfg.ID, coord.ErrCoordinationUnavailable)
			}
			var a dispatch.Assignment
			if err := json.Unmarshal(msg.Payload, &a); err != nil || a.Task == nil {
				w.log.Warn("discarding malformed assignment", zap.Error(err))
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, a.Task)
			}()
		}
	}
}

// handle claims and executes one assigned task, then publishes the
// result. Losing the claim race means another worker has the task.
func (w *Worker) handle(ctx context.Context, task *models.Task) {
	won, err := w.coordinator.TryClaim(ctx, task.ID, w.cfg.ID)
	if err != nil {
		w.log.Warn("claim attempt failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	if !won {
		w.log.Debug("lost claim race", zap.String("task_id", task.ID))
		return
	}
	defer func() {
		release, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.coordinator.ReleaseClaim(release, task.ID, w.cfg.ID); err != nil {
			w.log.Debug("claim release failed",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}()

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	started := time.Now()
	w.log.Info("task started",
		zap.String("task_id", task.ID),
		zap.String("step_id", task.StepID))

	result, err := w.runner.Run(runCtx, task)
	elapsed := time.Since(started)
	if err != nil {
		result = &models.StepResult{
			StepID: task.StepID,
			Reason: err.Error(),
		}
	}
	if result == nil {
		result = &models.StepResult{StepID: task.StepID}
	}
	result.AgentID = w.cfg.ID
	result.Duration = elapsed

	payload, err := json.Marshal(result)
	if err != nil {
		w.log.Error("encode result failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	if err := w.coordinator.Publish(ctx, coord.ResultTopic(task.ID), payload); err != nil {
		w.log.Error("publish result failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	w.log.Info("task finished",
		zap.String("task_id", task.ID),
		zap.Duration("elapsed", elapsed),
		zap.Bool("failed", result.Failed()))
}
