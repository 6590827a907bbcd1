package tui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/pkg/models"
)

func testWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "wf-1",
		Name:   "deploy",
		Status: models.WorkflowStatusRunning,
		Steps: []*models.WorkflowStep{
			{ID: "build", Status: models.StepStatusPending},
			{ID: "test", Status: models.StepStatusPending, DependsOn: []string{"build"}},
		},
	}
}

func TestModel_AppliesStepEvents(t *testing.T) {
	m := newModel(testWorkflow())

	m.apply(orchestrator.Event{
		Type:    orchestrator.EventStepStarted,
		StepID:  "build",
		AgentID: "agent-1",
	})
	assert.Equal(t, models.StepStatusRunning, m.rows[0].status)
	assert.Equal(t, "agent-1", m.rows[0].agent)

	m.apply(orchestrator.Event{
		Type:     orchestrator.EventStepCompleted,
		StepID:   "build",
		Duration: 120 * time.Millisecond,
	})
	assert.Equal(t, models.StepStatusCompleted, m.rows[0].status)
	assert.Equal(t, 120*time.Millisecond, m.rows[0].duration)

	m.apply(orchestrator.Event{
		Type:   orchestrator.EventStepFailed,
		StepID: "test",
		Reason: models.ReasonTimeout,
	})
	assert.Equal(t, models.StepStatusFailed, m.rows[1].status)
	assert.Equal(t, models.ReasonTimeout, m.rows[1].reason)
}

func TestModel_TerminalWorkflowEvent(t *testing.T) {
	m := newModel(testWorkflow())
	assert.False(t, m.status.Terminal())

	m.apply(orchestrator.Event{Type: orchestrator.EventWorkflowFailed, WorkflowID: "wf-1"})
	assert.Equal(t, models.WorkflowStatusFailed, m.status)
	assert.True(t, m.status.Terminal())
}

func TestModel_FeedIsBounded(t *testing.T) {
	m := newModel(testWorkflow())
	for i := 0; i < maxFeedLines*3; i++ {
		m.push("line")
	}
	assert.Len(t, m.feed, maxFeedLines)
}

func TestModel_ViewShowsSteps(t *testing.T) {
	m := newModel(testWorkflow())
	m.apply(orchestrator.Event{
		Type:    orchestrator.EventStepStarted,
		StepID:  "build",
		AgentID: "agent-1",
	})

	view := m.View()
	assert.Contains(t, view, "wf-1")
	assert.Contains(t, view, "build")
	assert.Contains(t, view, "agent-1")
	assert.Contains(t, view, "test")
}

func TestModel_IgnoresUnknownStep(t *testing.T) {
	m := newModel(testWorkflow())
	m.apply(orchestrator.Event{
		Type:   orchestrator.EventStepCompleted,
		StepID: "nope",
	})
	assert.Equal(t, models.StepStatusPending, m.rows[0].status)
	assert.Equal(t, models.StepStatusPending, m.rows[1].status)
}
