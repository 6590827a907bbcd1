package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/checkpoint"
	"github.com/musterlabs/muster/internal/graph"
	"github.com/musterlabs/muster/internal/router"
	"github.com/musterlabs/muster/pkg/models"
)

// run is the in-process state of one executing workflow. The scheduling
// loop is single-threaded per run; only step invocations fan out.
type run struct {
	workflow *models.Workflow
	graph    *graph.DependencyGraph

	// mu guards workflow and seq against concurrent Status reads.
	mu  sync.RWMutex
	seq int64

	// ctx interrupts the run without cancelling it durably, so Stop
	// leaves the workflow resumable from its last checkpoint.
	ctx       context.Context
	ctxCancel context.CancelFunc

	// cancelCh carries the durable cancel request from Cancel.
	cancelCh   chan struct{}
	cancelOnce sync.Once

	// attempts counts dispatch tries per step for the unroutable bound.
	attempts map[string]int

	done chan struct{}
	err  error
}

func newRun(w *models.Workflow, g *graph.DependencyGraph, seq int64) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		workflow:  w,
		graph:     g,
		seq:       seq,
		ctx:       ctx,
		ctxCancel: cancel,
		cancelCh:  make(chan struct{}),
		attempts:  make(map[string]int),
		done:      make(chan struct{}),
	}
}

// cancel interrupts the run's loop and in-flight steps. The workflow
// stays running in its last checkpoint and can be resumed.
func (r *run) cancel() {
	r.ctxCancel()
}

// requestCancel asks the loop to cancel the workflow durably.
func (r *run) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// finish records the loop's outcome and releases waiters.
func (r *run) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
	r.ctxCancel()
}

// outcome is one step invocation's result delivered back to the loop.
type outcome struct {
	stepID  string
	agentID string
	result  *models.StepResult
	err     error
	elapsed time.Duration
}

// agentBreakerKey scopes circuit state per downstream agent, so one
// failing agent does not blind dispatch to healthy ones.
func agentBreakerKey(agentID string) string {
	return "agent:" + agentID
}

// runLoop schedules one workflow until every step is terminal, the run
// is interrupted, or the workflow is cancelled. It dispatches as many
// ready steps as the concurrency bound allows, then waits for whichever
// invocation finishes first and recomputes the frontier.
func (o *Orchestrator) runLoop(r *run) error {
	results := make(chan outcome, len(r.workflow.Steps))
	inflight := make(map[string]context.CancelFunc)

	for {
		select {
		case <-r.ctx.Done():
			o.log.Info("workflow run interrupted",
				zap.String("workflow_id", r.workflow.ID),
				zap.Int("inflight", len(inflight)))
			return r.ctx.Err()
		case <-r.cancelCh:
			return o.finishCancelled(r, inflight, results)
		default:
		}

		dispatched, err := o.dispatchFrontier(r, inflight, results)
		if err != nil {
			return err
		}

		if len(inflight) == 0 {
			r.mu.Lock()
			if r.graph.AllTerminal() {
				err := o.finishTerminalLocked(r)
				r.mu.Unlock()
				return err
			}
			r.mu.Unlock()
		}

		if err := o.awaitProgress(r, inflight, results, dispatched); err != nil {
			if errors.Is(err, errCancelRequested) {
				return o.finishCancelled(r, inflight, results)
			}
			return err
		}
	}
}

// errCancelRequested signals awaitProgress saw the durable cancel.
var errCancelRequested = errors.New("cancel requested")

// awaitProgress blocks until a step finishes, the poll interval elapses,
// or the run is interrupted or cancelled. Dispatch progress skips the
// wait so a freshly widened frontier is scheduled immediately.
func (o *Orchestrator) awaitProgress(r *run, inflight map[string]context.CancelFunc, results chan outcome, dispatched bool) error {
	if dispatched {
		// New invocations may have widened the frontier's successors;
		// drain any finished result without blocking.
		select {
		case out := <-results:
			return o.handleOutcome(r, inflight, out)
		default:
			return nil
		}
	}

	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-r.cancelCh:
		return errCancelRequested
	case out := <-results:
		return o.handleOutcome(r, inflight, out)
	case <-timer.C:
		return nil
	}
}

// dispatchFrontier routes and launches as many ready steps as the
// concurrency bound allows. It reports whether anything was dispatched
// or failed terminally, so the loop knows progress was made.
func (o *Orchestrator) dispatchFrontier(r *run, inflight map[string]context.CancelFunc, results chan outcome) (bool, error) {
	progress := false
	for _, id := range r.graph.Ready() {
		if len(inflight) >= o.cfg.MaxConcurrentSteps {
			break
		}
		if _, running := inflight[id]; running {
			continue
		}

		r.mu.Lock()
		step := r.graph.Step(id)
		if step.Status == models.StepStatusPending {
			step.Status = models.StepStatusReady
		}
		task := o.taskForStep(r.workflow, step)
		r.mu.Unlock()

		agentID, err := o.router.Route(r.ctx, task)
		if err == nil {
			err = o.breakers.Allow(agentBreakerKey(agentID))
		}
		if err != nil {
			terminal, ferr := o.recordDispatchFailure(r, id, err)
			if ferr != nil {
				return progress, ferr
			}
			progress = progress || terminal
			continue
		}

		o.launchStep(r, step, task, agentID, inflight, results)
		progress = true
	}
	return progress, nil
}

// recordDispatchFailure counts one failed routing or breaker-admission
// attempt. Within the bound the step stays ready for the next pass;
// once exhausted it fails as unroutable and the failure cascades.
// Registry errors other than no-eligible-agent abort the run.
func (o *Orchestrator) recordDispatchFailure(r *run, stepID string, cause error) (bool, error) {
	if !errors.Is(cause, router.ErrNoEligibleAgent) && !errors.Is(cause, breaker.ErrCircuitOpen) {
		return false, fmt.Errorf("route step %s: %w", stepID, cause)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[stepID]++
	attempts := r.attempts[stepID]
	if attempts < o.router.MaxAttempts() {
		o.log.Debug("step not dispatchable, will retry",
			zap.String("workflow_id", r.workflow.ID),
			zap.String("step_id", stepID),
			zap.Int("attempt", attempts),
			zap.Error(cause))
		return false, nil
	}

	step := r.graph.Step(stepID)
	o.log.Warn("step unroutable, attempts exhausted",
		zap.String("workflow_id", r.workflow.ID),
		zap.String("step_id", stepID),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	if err := o.failStepLocked(r, step, models.ReasonUnroutable, cause); err != nil {
		return false, err
	}
	return true, nil
}

// launchStep marks the step running and invokes it on its own
// goroutine, bounded by the step timeout and the run context.
func (o *Orchestrator) launchStep(r *run, step *models.WorkflowStep, task *models.Task, agentID string, inflight map[string]context.CancelFunc, results chan outcome) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultStepTimeout
	}

	r.mu.Lock()
	started := o.now()
	step.Status = models.StepStatusRunning
	step.AssignedTo = agentID
	step.StartedAt = &started
	r.mu.Unlock()

	stepCtx, cancel := context.WithTimeout(r.ctx, timeout)
	inflight[step.ID] = cancel

	o.emitter.Emit(Event{
		Type:       EventStepStarted,
		WorkflowID: r.workflow.ID,
		StepID:     step.ID,
		StepName:   step.Name,
		AgentID:    agentID,
	})
	o.log.Info("step dispatched",
		zap.String("workflow_id", r.workflow.ID),
		zap.String("step_id", step.ID),
		zap.String("agent_id", agentID),
		zap.Duration("timeout", timeout))

	go func() {
		begin := time.Now()
		res, err := o.invoker.Invoke(stepCtx, task, agentID)
		results <- outcome{
			stepID:  step.ID,
			agentID: agentID,
			result:  res,
			err:     err,
			elapsed: time.Since(begin),
		}
	}()
}

// handleOutcome applies one finished invocation to the workflow state,
// feeds the breaker and metrics, and checkpoints the transition.
func (o *Orchestrator) handleOutcome(r *run, inflight map[string]context.CancelFunc, out outcome) error {
	if cancel, ok := inflight[out.stepID]; ok {
		cancel()
		delete(inflight, out.stepID)
	}

	failed := false
	reason := ""
	switch {
	case out.err != nil && errors.Is(out.err, context.DeadlineExceeded):
		failed, reason = true, models.ReasonTimeout
	case out.err != nil && errors.Is(out.err, context.Canceled):
		// Interrupted by Stop or Cancel; the caller decides what
		// happens to the step, not the invocation error.
		return nil
	case out.err != nil:
		failed, reason = true, out.err.Error()
	case out.result.Failed():
		failed, reason = true, out.result.Reason
	}

	key := agentBreakerKey(out.agentID)
	if failed {
		o.breakers.RecordFailure(key)
	} else {
		o.breakers.RecordSuccess(key)
	}
	o.recorder.Observe(out.agentID, out.elapsed, failed)

	r.mu.Lock()
	defer r.mu.Unlock()

	step := r.graph.Step(out.stepID)
	if step == nil || step.Status != models.StepStatusRunning {
		return nil
	}

	if failed {
		return o.failStepLocked(r, step, reason, out.err)
	}

	completedAt := o.now()
	prev := snapshotStep(step)
	step.Status = models.StepStatusCompleted
	step.Result = out.result
	step.CompletedAt = &completedAt
	if err := o.commitLocked(r, func() { restoreStep(step, prev) }); err != nil {
		return err
	}

	o.emitter.Emit(Event{
		Type:       EventStepCompleted,
		WorkflowID: r.workflow.ID,
		StepID:     step.ID,
		StepName:   step.Name,
		AgentID:    out.agentID,
		Duration:   out.elapsed,
	})
	o.log.Info("step completed",
		zap.String("workflow_id", r.workflow.ID),
		zap.String("step_id", step.ID),
		zap.String("agent_id", out.agentID),
		zap.Duration("elapsed", out.elapsed))
	return nil
}

// failStepLocked marks a step failed, cascades the failure to its
// transitive dependents per the workflow's policy, and checkpoints the
// whole transition once. Assumes r.mu is held.
func (o *Orchestrator) failStepLocked(r *run, step *models.WorkflowStep, reason string, cause error) error {
	now := o.now()
	prev := []stepSnapshot{snapshotStep(step)}
	step.Status = models.StepStatusFailed
	step.FailureReason = reason
	step.CompletedAt = &now

	cascadeStatus := models.StepStatusSkipped
	if r.workflow.FailurePolicy == models.FailurePolicyFailDependents {
		cascadeStatus = models.StepStatusFailed
	}
	var cascaded []*models.WorkflowStep
	for _, depID := range r.graph.TransitiveDependents(step.ID) {
		dep := r.graph.Step(depID)
		if dep == nil || dep.Status.Terminal() || dep.Status == models.StepStatusRunning {
			continue
		}
		prev = append(prev, snapshotStep(dep))
		dep.Status = cascadeStatus
		dep.FailureReason = models.DependencyFailedReason(step.ID)
		dep.CompletedAt = &now
		cascaded = append(cascaded, dep)
	}

	rollback := func() {
		for _, s := range prev {
			restoreStep(r.graph.Step(s.id), s)
		}
	}
	if err := o.commitLocked(r, rollback); err != nil {
		return err
	}

	o.emitter.Emit(Event{
		Type:       EventStepFailed,
		WorkflowID: r.workflow.ID,
		StepID:     step.ID,
		StepName:   step.Name,
		AgentID:    step.AssignedTo,
		Reason:     reason,
		Error:      cause,
	})
	for _, dep := range cascaded {
		kind := EventStepSkipped
		if cascadeStatus == models.StepStatusFailed {
			kind = EventStepFailed
		}
		o.emitter.Emit(Event{
			Type:       kind,
			WorkflowID: r.workflow.ID,
			StepID:     dep.ID,
			StepName:   dep.Name,
			Reason:     dep.FailureReason,
		})
	}
	o.log.Warn("step failed",
		zap.String("workflow_id", r.workflow.ID),
		zap.String("step_id", step.ID),
		zap.String("reason", reason),
		zap.Int("cascaded", len(cascaded)),
		zap.Error(cause))
	return nil
}

// finishTerminalLocked seals a workflow whose steps are all terminal.
// Assumes r.mu is held.
func (o *Orchestrator) finishTerminalLocked(r *run) error {
	status := models.WorkflowStatusCompleted
	for _, s := range r.workflow.Steps {
		if s.Status == models.StepStatusFailed {
			status = models.WorkflowStatusFailed
			break
		}
	}

	prev := r.workflow.Status
	r.workflow.Status = status
	if err := o.commitLocked(r, func() { r.workflow.Status = prev }); err != nil {
		return err
	}

	kind := EventWorkflowCompleted
	if status == models.WorkflowStatusFailed {
		kind = EventWorkflowFailed
	}
	o.emitter.Emit(Event{Type: kind, WorkflowID: r.workflow.ID})
	o.log.Info("workflow finished",
		zap.String("workflow_id", r.workflow.ID),
		zap.String("status", string(status)))
	return nil
}

// finishCancelled interrupts in-flight steps, waits out the grace
// period for stragglers, then skips every non-terminal step and seals
// the workflow as cancelled.
func (o *Orchestrator) finishCancelled(r *run, inflight map[string]context.CancelFunc, results chan outcome) error {
	for _, cancel := range inflight {
		cancel()
	}

	grace := time.NewTimer(o.cfg.CancelGrace)
	defer grace.Stop()
	for len(inflight) > 0 {
		select {
		case out := <-results:
			if err := o.handleOutcome(r, inflight, out); err != nil {
				return err
			}
		case <-grace.C:
			// In-flight steps that missed the grace period are
			// skipped below; their goroutines drain into the buffered
			// results channel.
			inflight = nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.workflow.Steps {
		if !s.Status.Terminal() {
			s.Status = models.StepStatusSkipped
			s.FailureReason = models.ReasonCancelled
		}
	}
	prev := r.workflow.Status
	r.workflow.Status = models.WorkflowStatusCancelled
	if err := o.commitLocked(r, func() { r.workflow.Status = prev }); err != nil {
		return err
	}

	o.emitter.Emit(Event{Type: EventWorkflowCancelled, WorkflowID: r.workflow.ID})
	o.log.Info("workflow cancelled", zap.String("workflow_id", r.workflow.ID))
	return nil
}

// taskForStep derives the routable task for one step dispatch.
func (o *Orchestrator) taskForStep(w *models.Workflow, s *models.WorkflowStep) *models.Task {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultStepTimeout
	}
	return &models.Task{
		ID:           w.ID + ":" + s.ID,
		WorkflowID:   w.ID,
		StepID:       s.ID,
		Capabilities: append([]string(nil), s.Capabilities...),
		Priority:     s.Priority,
		Complexity:   s.Complexity,
		Payload:      s.Input,
		Timeout:      timeout,
		Claim:        models.ClaimStateUnclaimed,
		CreatedAt:    o.now(),
	}
}

// commitLocked persists the workflow's current state as the next
// checkpoint. A failed write invokes rollback to restore the
// pre-transition state, since an uncommitted transition must not be
// treated as committed. Assumes r.mu is held.
func (o *Orchestrator) commitLocked(r *run, rollback func()) error {
	r.workflow.CheckpointedAt = o.now()
	rec, err := checkpoint.NewRecord(r.workflow, r.seq+1)
	if err == nil {
		err = o.appendWithRetry(rec)
	}
	if err != nil {
		if rollback != nil {
			rollback()
		}
		o.emitter.Emit(Event{
			Type:       EventCheckpointFailed,
			WorkflowID: r.workflow.ID,
			Error:      err,
		})
		o.log.Error("checkpoint write failed, transition rolled back",
			zap.String("workflow_id", r.workflow.ID),
			zap.Int64("seq", r.seq+1),
			zap.Error(err))
		return fmt.Errorf("checkpoint workflow %s seq %d: %w", r.workflow.ID, r.seq+1, err)
	}
	r.seq++
	return nil
}

// appendWithRetry writes one checkpoint record, retrying transient
// store failures. The write is idempotent on (workflow_id, seq), so a
// retried append after a partial failure cannot duplicate state.
func (o *Orchestrator) appendWithRetry(rec checkpoint.Record) error {
	var err error
	for attempt := 1; attempt <= o.cfg.CheckpointAttempts; attempt++ {
		if err = o.store.Append(rec); err == nil {
			return nil
		}
		if attempt < o.cfg.CheckpointAttempts {
			time.Sleep(o.cfg.CheckpointBackoff)
		}
	}
	return err
}

// stepSnapshot captures the mutable fields a transition touches.
type stepSnapshot struct {
	id            string
	status        models.StepStatus
	failureReason string
	result        *models.StepResult
	completedAt   *time.Time
}

func snapshotStep(s *models.WorkflowStep) stepSnapshot {
	return stepSnapshot{
		id:            s.ID,
		status:        s.Status,
		failureReason: s.FailureReason,
		result:        s.Result,
		completedAt:   s.CompletedAt,
	}
}

func restoreStep(s *models.WorkflowStep, snap stepSnapshot) {
	if s == nil {
		return
	}
	s.Status = snap.status
	s.FailureReason = snap.failureReason
	s.Result = snap.result
	s.CompletedAt = snap.completedAt
}
