package models

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkflowStatus represents the overall state of a workflow.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the workflow has been accepted but not started.
	WorkflowStatusPending WorkflowStatus = "pending"
	// WorkflowStatusRunning indicates steps are being scheduled.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusCompleted indicates every step completed successfully.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed indicates at least one step failed and no further progress is possible.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCancelled indicates the workflow was cancelled before finishing.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further scheduling can change the status.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the current state of a workflow step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting on unmet predecessors.
	StepStatusPending StepStatus = "pending"
	// StepStatusReady indicates all predecessors are satisfied and the step awaits dispatch.
	StepStatusReady StepStatus = "ready"
	// StepStatusRunning indicates the step has been dispatched to an agent.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step finished with a failure reason.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was never dispatched, usually
	// because a predecessor failed or the workflow was cancelled.
	StepStatusSkipped StepStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusReady, StepStatusRunning,
		StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the step can no longer change state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Satisfied returns true if the status unblocks dependent steps.
func (s StepStatus) Satisfied() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Failure reasons recorded on steps that end as failed or skipped.
const (
	// ReasonTimeout marks a step that exceeded its deadline.
	ReasonTimeout = "timeout"
	// ReasonUnroutable marks a step whose routing attempts were exhausted.
	ReasonUnroutable = "unroutable"
	// ReasonCancelled marks a step interrupted by workflow cancellation.
	ReasonCancelled = "cancelled"

	reasonDependencyFailed = "dependency_failed:"
)

// DependencyFailedReason builds the reason recorded on a step that was
// skipped or failed because the named predecessor failed.
func DependencyFailedReason(stepID string) string {
	return reasonDependencyFailed + stepID
}

// DependencyFailure reports whether the reason marks a dependency
// failure and, if so, which predecessor caused it.
func DependencyFailure(reason string) (string, bool) {
	if rest, ok := strings.CutPrefix(reason, reasonDependencyFailed); ok {
		return rest, true
	}
	return "", false
}

// StepResult is the outcome of one step invocation. Output carries the
// success payload; Reason is set instead when the invocation failed.
type StepResult struct {
	// StepID is the step this result belongs to.
	StepID string `json:"step_id"`
	// AgentID is the agent that produced the result.
	AgentID string `json:"agent_id,omitempty"`
	// Output is the opaque success payload.
	Output json.RawMessage `json:"output,omitempty"`
	// Reason classifies the failure when the invocation did not succeed.
	Reason string `json:"reason,omitempty"`
	// Duration is how long the invocation took.
	Duration time.Duration `json:"duration,omitempty"`
}

// Failed returns true if the invocation ended in failure.
func (r *StepResult) Failed() bool {
	return r != nil && r.Reason != ""
}

// WorkflowStep is a single node in a workflow's dependency graph.
type WorkflowStep struct {
	// ID is unique within the owning workflow.
	ID string `json:"id"`
	// Name is the human-readable step name.
	Name string `json:"name,omitempty"`
	// DependsOn lists step IDs that must be satisfied before this step runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Capabilities lists the tags an agent must declare to run this step.
	Capabilities []string `json:"capabilities,omitempty"`
	// Complexity estimates the work on a 0..1 scale for routing.
	Complexity float64 `json:"complexity,omitempty"`
	// Priority orders dispatch among simultaneously ready steps.
	Priority int `json:"priority,omitempty"`
	// Input is the opaque payload handed to the executing agent.
	Input json.RawMessage `json:"input,omitempty"`
	// Timeout overrides the default per-step deadline when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// AssignedTo is the agent the step was routed to, empty until routed.
	AssignedTo string `json:"assigned_to,omitempty"`
	// Status is the current state of the step.
	Status StepStatus `json:"status"`
	// Result holds the invocation outcome once the step is terminal.
	Result *StepResult `json:"result,omitempty"`
	// FailureReason is set once the step is failed or skipped.
	FailureReason string `json:"failure_reason,omitempty"`
	// StartedAt is when the step began running, if it did.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the step reached a terminal status, if it did.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FailurePolicy controls how a failed step affects its dependents.
type FailurePolicy string

const (
	// FailurePolicySkipDependents marks every transitive dependent of a
	// failed step as skipped. The default.
	FailurePolicySkipDependents FailurePolicy = "skip_dependents"
	// FailurePolicyFailDependents marks dependents as failed instead of
	// skipped, cascading the failure through the graph.
	FailurePolicyFailDependents FailurePolicy = "fail_dependents"
)

// Valid returns true if the policy is a known value.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailurePolicySkipDependents, FailurePolicyFailDependents:
		return true
	default:
		return false
	}
}

// Workflow is a DAG of steps submitted as one unit of work.
type Workflow struct {
	// ID is the unique identifier for this workflow.
	ID string `json:"id"`
	// Name is the human-readable workflow name.
	Name string `json:"name,omitempty"`
	// Steps holds every step of the workflow.
	Steps []*WorkflowStep `json:"steps"`
	// Status is the overall state of the workflow.
	Status WorkflowStatus `json:"status"`
	// FailurePolicy overrides the orchestrator default when set.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	// CreatedAt is when the workflow was submitted.
	CreatedAt time.Time `json:"created_at"`
	// CheckpointedAt is when the last checkpoint was written.
	CheckpointedAt time.Time `json:"checkpointed_at,omitempty"`
}

// Step returns the step with the given id, or nil if absent.
func (w *Workflow) Step(id string) *WorkflowStep {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy safe to snapshot while the original keeps mutating.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Steps = make([]*WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		sc := *s
		sc.DependsOn = append([]string(nil), s.DependsOn...)
		sc.Capabilities = append([]string(nil), s.Capabilities...)
		sc.Input = append(json.RawMessage(nil), s.Input...)
		if s.Result != nil {
			rc := *s.Result
			rc.Output = append(json.RawMessage(nil), s.Result.Output...)
			sc.Result = &rc
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			sc.CompletedAt = &t
		}
		cp.Steps[i] = &sc
	}
	return &cp
}
