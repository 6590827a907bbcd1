//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterlabs/muster/internal/dispatch"
	"github.com/musterlabs/muster/pkg/models"
)

// failStep returns a StepFunc that fails the named step and completes
// every other one.
func failStep(name string) dispatch.StepFunc {
	return func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		if task.StepID == name {
			return &models.StepResult{StepID: task.StepID, Reason: "boom"}, nil
		}
		return &models.StepResult{StepID: task.StepID}, nil
	}
}

func chainWorkflow(id string, policy models.FailurePolicy) *models.Workflow {
	return &models.Workflow{
		ID:            id,
		FailurePolicy: policy,
		Steps: []*models.WorkflowStep{
			{ID: "fetch"},
			{ID: "build", DependsOn: []string{"fetch"}},
			{ID: "deploy", DependsOn: []string{"build"}},
			{ID: "lint", DependsOn: []string{"fetch"}},
		},
	}
}

func TestFailure_SkipDependentsCascade(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orch := newLocalOrchestrator(t, dbPath, failStep("build"))
	id, err := orch.Submit(ctx, chainWorkflow("wf-skip", models.FailurePolicySkipDependents))
	require.NoError(t, err)

	status, err := orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, status)

	w, err := orch.Workflow(id)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, w.Step("fetch").Status)
	assert.Equal(t, models.StepStatusFailed, w.Step("build").Status)
	assert.Equal(t, models.StepStatusSkipped, w.Step("deploy").Status)
	assert.Equal(t, models.DependencyFailedReason("build"), w.Step("deploy").FailureReason)

	// The independent branch still ran.
	assert.Equal(t, models.StepStatusCompleted, w.Step("lint").Status)
}

func TestFailure_FailDependentsCascade(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orch := newLocalOrchestrator(t, dbPath, failStep("build"))
	id, err := orch.Submit(ctx, chainWorkflow("wf-fail", models.FailurePolicyFailDependents))
	require.NoError(t, err)

	status, err := orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, status)

	w, err := orch.Workflow(id)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, w.Step("deploy").Status)
	assert.Equal(t, models.DependencyFailedReason("build"), w.Step("deploy").FailureReason)
}

func TestFailure_StepTimeoutRecorded(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orch := newLocalOrchestrator(t, dbPath, func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := orch.Submit(ctx, &models.Workflow{
		ID: "wf-timeout",
		Steps: []*models.WorkflowStep{
			{ID: "slow", Timeout: 50 * time.Millisecond},
		},
	})
	require.NoError(t, err)

	status, err := orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, status)

	w, err := orch.Workflow(id)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, w.Step("slow").Status)
	assert.Equal(t, models.ReasonTimeout, w.Step("slow").FailureReason)
}
