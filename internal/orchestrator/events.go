package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventWorkflowStarted indicates a workflow run has started.
	EventWorkflowStarted EventType = "workflow_started"
	// EventWorkflowResumed indicates a workflow resumed from a checkpoint.
	EventWorkflowResumed EventType = "workflow_resumed"
	// EventWorkflowCompleted indicates every step finished successfully.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowFailed indicates the workflow finished with failed steps.
	EventWorkflowFailed EventType = "workflow_failed"
	// EventWorkflowCancelled indicates the workflow was cancelled.
	EventWorkflowCancelled EventType = "workflow_cancelled"
	// EventStepStarted indicates a step was dispatched to an agent.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted indicates a step completed successfully.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed indicates a step failed.
	EventStepFailed EventType = "step_failed"
	// EventStepSkipped indicates a step was skipped.
	EventStepSkipped EventType = "step_skipped"
	// EventCheckpointFailed indicates a checkpoint write could not be
	// persisted and the step transition was rolled back.
	EventCheckpointFailed EventType = "checkpoint_failed"
)

// Event represents an event emitted by the orchestrator. Events feed
// the TUI and any other progress consumers.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// WorkflowID is the workflow the event belongs to.
	WorkflowID string
	// StepID is the ID of the related step, if applicable.
	StepID string
	// StepName is the human-readable name of the related step.
	StepName string
	// AgentID is the agent the step was routed to, if applicable.
	AgentID string
	// Reason carries the failure or skip reason for failure events.
	Reason string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the step's execution time, for completion events.
	Duration time.Duration
}
