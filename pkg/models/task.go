package models

import (
	"encoding/json"
	"time"
)

// ClaimState represents who, if anyone, holds the right to execute a task.
type ClaimState string

const (
	// ClaimStateUnclaimed indicates no agent holds the task.
	ClaimStateUnclaimed ClaimState = "unclaimed"
	// ClaimStateClaimed indicates exactly one agent holds the task.
	ClaimStateClaimed ClaimState = "claimed"
	// ClaimStateCompleted indicates the task finished and the claim was released.
	ClaimStateCompleted ClaimState = "completed"
)

// Valid returns true if the state is a known value.
func (s ClaimState) Valid() bool {
	switch s {
	case ClaimStateUnclaimed, ClaimStateClaimed, ClaimStateCompleted:
		return true
	default:
		return false
	}
}

// Task is the routable unit of work handed to the agent pool. The
// orchestrator derives one task per step dispatch; standalone tasks may
// also be published directly.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// WorkflowID is the owning workflow, if the task came from one.
	WorkflowID string `json:"workflow_id,omitempty"`
	// StepID is the workflow step this task executes, if any.
	StepID string `json:"step_id,omitempty"`
	// Capabilities lists the tags an agent must declare to be eligible.
	Capabilities []string `json:"capabilities,omitempty"`
	// Priority orders competing tasks, higher first.
	Priority int `json:"priority,omitempty"`
	// Complexity estimates the work on a 0..1 scale for routing.
	Complexity float64 `json:"complexity,omitempty"`
	// Payload is the opaque input handed to the executing agent.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timeout bounds the execution when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Claim is the current claim state.
	Claim ClaimState `json:"claim,omitempty"`
	// ClaimedBy names the agent holding the claim, if claimed.
	ClaimedBy string `json:"claimed_by,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}
