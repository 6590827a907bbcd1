// Package orchestrator drives workflows through their dependency
// graphs. It routes ready steps to agents, guards every invocation
// with a circuit breaker, and checkpoints each transition so an
// interrupted workflow resumes exactly where it left off.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/checkpoint"
	"github.com/musterlabs/muster/internal/graph"
	"github.com/musterlabs/muster/internal/metrics"
	"github.com/musterlabs/muster/pkg/models"
)

var (
	// ErrUnknownWorkflow indicates no checkpoint exists for the id.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnknownStep indicates the workflow has no step with the id.
	ErrUnknownStep = errors.New("unknown step")
	// ErrWorkflowActive indicates the workflow is currently running
	// in this process.
	ErrWorkflowActive = errors.New("workflow already active")
	// ErrWorkflowExists indicates the id was already submitted.
	ErrWorkflowExists = errors.New("workflow already submitted")
	// ErrNoCheckpoint indicates resume found nothing to restore.
	ErrNoCheckpoint = errors.New("no checkpoint for workflow")
)

// TaskRouter selects an agent for a task.
type TaskRouter interface {
	// Route returns the chosen agent id, or an error when no live
	// agent is eligible.
	Route(ctx context.Context, task *models.Task) (string, error)
	// MaxAttempts bounds routing retries per step.
	MaxAttempts() int
}

// Invoker executes one routed step. It is the sole interface to
// agent-specific task logic: implementations may run the step in
// process or hand it to a remote agent over the coordination layer.
// A returned error marks infrastructure failure; a result with a
// reason marks the step's own failure.
type Invoker interface {
	Invoke(ctx context.Context, task *models.Task, agentID string) (*models.StepResult, error)
}

// Orchestrator coordinates workflows from submission to completion.
type Orchestrator struct {
	router   TaskRouter
	breakers *breaker.Registry
	store    checkpoint.Store
	invoker  Invoker
	recorder *metrics.Recorder
	emitter  *Emitter
	log      *zap.Logger
	cfg      Config

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates an Orchestrator from its required dependencies.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Router == nil {
		return nil, errors.New("orchestrator: router is required")
	}
	if req.Breakers == nil {
		return nil, errors.New("orchestrator: breaker registry is required")
	}
	if req.Store == nil {
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	if req.Invoker == nil {
		return nil, errors.New("orchestrator: invoker is required")
	}

	options := &orchestratorOptions{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(options)
	}
	log := options.logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("orchestrator")
	recorder := options.recorder
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	cfg := options.cfg.withDefaults()

	return &Orchestrator{
		router:   req.Router,
		breakers: req.Breakers,
		store:    req.Store,
		invoker:  req.Invoker,
		recorder: recorder,
		emitter:  NewEmitter(cfg.EventBuffer, log),
		log:      log,
		cfg:      cfg,
		runs:     make(map[string]*run),
		now:      time.Now,
	}, nil
}

// Events returns the stream of orchestrator events.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Metrics returns the step-duration recorder.
func (o *Orchestrator) Metrics() *metrics.Recorder {
	return o.recorder
}

// Submit validates the workflow's step graph and starts executing it.
// A graph with a dependency cycle is rejected with a
// *graph.CircularDependencyError before any step runs. The returned
// id identifies the workflow in all later calls.
func (o *Orchestrator) Submit(ctx context.Context, w *models.Workflow) (string, error) {
	if w == nil || len(w.Steps) == 0 {
		return "", errors.New("submit: workflow has no steps")
	}

	// The orchestrator owns the workflow for its lifetime.
	w = w.Clone()
	if w.ID == "" {
		w.ID = uuid.New().String()[:8]
	}
	if w.Name == "" {
		w.Name = w.ID
	}
	if w.FailurePolicy == "" {
		w.FailurePolicy = models.FailurePolicySkipDependents
	}
	if !w.FailurePolicy.Valid() {
		return "", fmt.Errorf("submit workflow %s: invalid failure policy %q", w.ID, w.FailurePolicy)
	}
	for _, s := range w.Steps {
		if s.Status != "" && s.Status != models.StepStatusPending {
			return "", fmt.Errorf("submit workflow %s: step %s already has status %q", w.ID, s.ID, s.Status)
		}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = o.now()
	}

	g := graph.New()
	if err := g.Build(w.Steps); err != nil {
		return "", fmt.Errorf("submit workflow %s: %w", w.ID, err)
	}

	if r, _ := o.activeRun(w.ID); r != nil {
		return "", fmt.Errorf("submit workflow %s: %w", w.ID, ErrWorkflowActive)
	}
	existing, err := o.store.Latest(w.ID)
	if err != nil {
		return "", fmt.Errorf("submit workflow %s: %w", w.ID, err)
	}
	if existing != nil {
		return "", fmt.Errorf("submit workflow %s: %w", w.ID, ErrWorkflowExists)
	}

	w.Status = models.WorkflowStatusRunning
	if err := o.start(newRun(w, g, 0), EventWorkflowStarted); err != nil {
		return "", err
	}
	return w.ID, nil
}

// Resume restores a workflow from its latest checkpoint and continues
// scheduling it. Completed, failed, and skipped steps are replayed
// verbatim; steps that were in flight revert to pending and run again.
// Resuming a terminal workflow is a no-op that returns its status.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (models.WorkflowStatus, error) {
	if r, _ := o.activeRun(workflowID); r != nil {
		return "", fmt.Errorf("resume workflow %s: %w", workflowID, ErrWorkflowActive)
	}

	rec, err := o.store.Latest(workflowID)
	if err != nil {
		return "", fmt.Errorf("resume workflow %s: %w", workflowID, err)
	}
	if rec == nil {
		return "", fmt.Errorf("resume workflow %s: %w", workflowID, ErrNoCheckpoint)
	}

	w, err := rec.Workflow()
	if err != nil {
		return "", fmt.Errorf("resume workflow %s: %w", workflowID, err)
	}
	if w.Status.Terminal() {
		return w.Status, nil
	}

	for _, s := range w.Steps {
		if !s.Status.Terminal() {
			s.Status = models.StepStatusPending
			s.AssignedTo = ""
			s.StartedAt = nil
		}
	}
	w.Status = models.WorkflowStatusRunning

	g := graph.New()
	if err := g.Build(w.Steps); err != nil {
		return "", fmt.Errorf("resume workflow %s: %w", workflowID, err)
	}

	if err := o.start(newRun(w, g, rec.Seq), EventWorkflowResumed); err != nil {
		return "", err
	}
	return models.WorkflowStatusRunning, nil
}

// Cancel stops a workflow. An active run is interrupted and its
// remaining steps skipped after a bounded grace period; a workflow
// known only from checkpoints is cancelled durably. Cancelling a
// terminal workflow is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	if r, _ := o.activeRun(workflowID); r != nil {
		o.log.Info("cancelling workflow", zap.String("workflow_id", workflowID))
		r.requestCancel()
		return nil
	}

	rec, err := o.store.Latest(workflowID)
	if err != nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	if rec == nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, ErrUnknownWorkflow)
	}
	w, err := rec.Workflow()
	if err != nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	if w.Status.Terminal() {
		return nil
	}

	for _, s := range w.Steps {
		if !s.Status.Terminal() {
			s.Status = models.StepStatusSkipped
			s.FailureReason = models.ReasonCancelled
		}
	}
	w.Status = models.WorkflowStatusCancelled
	w.CheckpointedAt = o.now()

	next, err := checkpoint.NewRecord(w, rec.Seq+1)
	if err != nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	if err := o.appendWithRetry(next); err != nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}

	o.emitter.Emit(Event{Type: EventWorkflowCancelled, WorkflowID: workflowID})
	o.log.Info("workflow cancelled", zap.String("workflow_id", workflowID))
	return nil
}

// Status returns the workflow's current overall status.
func (o *Orchestrator) Status(workflowID string) (models.WorkflowStatus, error) {
	if r, _ := o.activeRun(workflowID); r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.workflow.Status, nil
	}

	rec, err := o.store.Latest(workflowID)
	if err != nil {
		return "", fmt.Errorf("status workflow %s: %w", workflowID, err)
	}
	if rec == nil {
		return "", fmt.Errorf("status workflow %s: %w", workflowID, ErrUnknownWorkflow)
	}
	return rec.Status, nil
}

// StepStatus returns the current status of one step.
func (o *Orchestrator) StepStatus(workflowID, stepID string) (models.StepStatus, error) {
	if r, _ := o.activeRun(workflowID); r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if s := r.workflow.Step(stepID); s != nil {
			return s.Status, nil
		}
		return "", fmt.Errorf("workflow %s step %s: %w", workflowID, stepID, ErrUnknownStep)
	}

	w, err := o.storedWorkflow(workflowID)
	if err != nil {
		return "", err
	}
	if s := w.Step(stepID); s != nil {
		return s.Status, nil
	}
	return "", fmt.Errorf("workflow %s step %s: %w", workflowID, stepID, ErrUnknownStep)
}

// Workflow returns a copy of the workflow's current state.
func (o *Orchestrator) Workflow(workflowID string) (*models.Workflow, error) {
	if r, _ := o.activeRun(workflowID); r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.workflow.Clone(), nil
	}
	return o.storedWorkflow(workflowID)
}

// Wait blocks until the workflow's run finishes or the context ends,
// and returns the final status. For workflows not active in this
// process it returns the checkpointed status immediately.
func (o *Orchestrator) Wait(ctx context.Context, workflowID string) (models.WorkflowStatus, error) {
	r, _ := o.activeRun(workflowID)
	if r == nil {
		return o.Status(workflowID)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.workflow.Status, r.err
	}
}

// Stop interrupts all active runs without cancelling them durably, so
// they can be resumed, and waits for their goroutines to drain.
func (o *Orchestrator) Stop() {
	o.mu.RLock()
	for _, r := range o.runs {
		r.cancel()
	}
	o.mu.RUnlock()

	o.wg.Wait()
	o.emitter.Close()
}

// activeRun looks up a workflow currently running in this process.
func (o *Orchestrator) activeRun(workflowID string) (*run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[workflowID]
	return r, ok
}

// storedWorkflow loads and decodes the latest checkpointed state.
func (o *Orchestrator) storedWorkflow(workflowID string) (*models.Workflow, error) {
	rec, err := o.store.Latest(workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, ErrUnknownWorkflow)
	}
	return rec.Workflow()
}

// start checkpoints the run's initial state and launches its loop.
func (o *Orchestrator) start(r *run, kind EventType) error {
	r.mu.Lock()
	err := o.commitLocked(r, nil)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	o.mu.Lock()
	if _, active := o.runs[r.workflow.ID]; active {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s: %w", r.workflow.ID, ErrWorkflowActive)
	}
	o.runs[r.workflow.ID] = r
	o.mu.Unlock()

	o.emitter.Emit(Event{Type: kind, WorkflowID: r.workflow.ID})
	o.log.Info("workflow run starting",
		zap.String("workflow_id", r.workflow.ID),
		zap.String("name", r.workflow.Name),
		zap.Int("steps", len(r.workflow.Steps)),
		zap.String("event", string(kind)))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.runLoop(r)
		r.finish(err)
		o.mu.Lock()
		delete(o.runs, r.workflow.ID)
		o.mu.Unlock()
	}()
	return nil
}
