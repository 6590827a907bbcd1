// Package dispatch provides the orchestrator-side step invokers: a
// directed invoker that hands steps to remote agents over the
// coordination layer, and a local invoker that runs steps in process.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/coord"
	"github.com/musterlabs/muster/pkg/models"
)

// Assignment is the wire envelope published to an agent's dispatch
// topic. The worker claims the task before executing, so a message
// delivered twice cannot run twice.
type Assignment struct {
	// Task is the work to execute.
	Task *models.Task `json:"task"`
	// AgentID is the agent the router selected.
	AgentID string `json:"agent_id"`
}

// Directed invokes steps by publishing assignments to the routed
// agent's topic and awaiting the result topic. The per-step timeout
// arrives through the context.
type Directed struct {
	coordinator *coord.Coordinator
	log         *zap.Logger
}

// NewDirected creates a Directed invoker over the coordination layer.
func NewDirected(coordinator *coord.Coordinator, log *zap.Logger) *Directed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directed{
		coordinator: coordinator,
		log:         log.Named("dispatch"),
	}
}

// Invoke publishes the assignment and blocks until the agent reports a
// result or ctx ends. The result subscription opens before the publish
// so a fast agent cannot slip its answer past us.
func (d *Directed) Invoke(ctx context.Context, task *models.Task, agentID string) (*models.StepResult, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := d.coordinator.Subscribe(subCtx, coord.ResultTopic(task.ID))
	if err != nil {
		return nil, fmt.Errorf("subscribe results for task %s: %w", task.ID, err)
	}

	payload, err := json.Marshal(Assignment{Task: task, AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("encode assignment for task %s: %w", task.ID, err)
	}
	if err := d.coordinator.Publish(ctx, coord.DispatchTopic(agentID), payload); err != nil {
		return nil, fmt.Errorf("publish assignment for task %s: %w", task.ID, err)
	}
	d.log.Debug("assignment published",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID))

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-results:
			if !ok {
				return nil, fmt.Errorf("result stream for task %s closed: %w", task.ID, coord.ErrCoordinationUnavailable)
			}
			var result models.StepResult
			if err := json.Unmarshal(msg.Payload, &result); err != nil {
				d.log.Warn("discarding malformed result",
					zap.String("task_id", task.ID),
					zap.Error(err))
				continue
			}
			return &result, nil
		}
	}
}

// StepFunc executes one task in process.
type StepFunc func(ctx context.Context, task *models.Task) (*models.StepResult, error)

// Local invokes steps in process through a bounded pool, so muster runs
// with no external services. The agent id is recorded on the result but
// otherwise unused.
type Local struct {
	fn  StepFunc
	sem chan struct{}
	log *zap.Logger
}

// NewLocal creates a Local invoker running at most concurrency steps at
// once.
func NewLocal(fn StepFunc, concurrency int, log *zap.Logger) *Local {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{
		fn:  fn,
		sem: make(chan struct{}, concurrency),
		log: log.Named("dispatch"),
	}
}

// Invoke runs the task once a pool slot frees up.
func (l *Local) Invoke(ctx context.Context, task *models.Task, agentID string) (*models.StepResult, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.sem }()

	result, err := l.fn(ctx, task)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.StepResult{StepID: task.StepID}
	}
	result.AgentID = agentID
	return result, nil
}
