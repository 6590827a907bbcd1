//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/checkpoint"
	"github.com/musterlabs/muster/internal/coord"
	"github.com/musterlabs/muster/internal/dispatch"
	"github.com/musterlabs/muster/internal/orchestrator"
	"github.com/musterlabs/muster/internal/router"
	"github.com/musterlabs/muster/pkg/models"
)

// newLocalOrchestrator builds an orchestrator over the given checkpoint
// database that executes steps through fn in-process, with one
// registered agent to route to.
func newLocalOrchestrator(t *testing.T, dbPath string, fn dispatch.StepFunc) *orchestrator.Orchestrator {
	t.Helper()

	kv := coord.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 10})
	coordinator := coord.New(kv, breakers, coord.DefaultConfig(), nil)
	require.NoError(t, coordinator.Register(context.Background(), "local-1", nil, models.BandStandard))

	store, err := checkpoint.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	orch, err := orchestrator.New(orchestrator.RequiredConfig{
		Router:   router.New(coordinator, router.Config{MaxAttempts: 20}, nil),
		Breakers: breakers,
		Store:    store,
		Invoker:  dispatch.NewLocal(fn, 4, nil),
	},
		orchestrator.WithPollInterval(10*time.Millisecond),
		orchestrator.WithDefaultStepTimeout(5*time.Second),
		orchestrator.WithCancelGrace(200*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(orch.Stop)
	return orch
}

func TestResume_ContinuesAfterInterrupt(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// First process: complete "fetch", block inside "build", then get
	// stopped mid-flight.
	buildStarted := make(chan struct{}, 1)
	first := newLocalOrchestrator(t, dbPath, func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		if task.StepID == "build" {
			buildStarted <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &models.StepResult{StepID: task.StepID, Output: json.RawMessage(`"ok"`)}, nil
	})

	w := &models.Workflow{
		ID: "wf-resume",
		Steps: []*models.WorkflowStep{
			{ID: "fetch"},
			{ID: "build", DependsOn: []string{"fetch"}},
			{ID: "deploy", DependsOn: []string{"build"}},
		},
	}
	_, err := first.Submit(ctx, w)
	require.NoError(t, err)

	select {
	case <-buildStarted:
	case <-ctx.Done():
		t.Fatal("build never started")
	}
	first.Stop()

	// Second process over the same database: fetch's outcome replays,
	// build runs again, deploy follows.
	var rebuilds int
	second := newLocalOrchestrator(t, dbPath, func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		if task.StepID == "fetch" {
			t.Error("completed step was executed again on resume")
		}
		if task.StepID == "build" {
			rebuilds++
		}
		return &models.StepResult{StepID: task.StepID, Output: json.RawMessage(`"ok"`)}, nil
	})

	status, err := second.Resume(ctx, "wf-resume")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, status)

	status, err = second.Wait(ctx, "wf-resume")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, status)
	assert.Equal(t, 1, rebuilds)
}

func TestResume_TerminalWorkflowIsNoOp(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orch := newLocalOrchestrator(t, dbPath, func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		return &models.StepResult{StepID: task.StepID}, nil
	})

	id, err := orch.Submit(ctx, &models.Workflow{
		ID:    "wf-done",
		Steps: []*models.WorkflowStep{{ID: "only"}},
	})
	require.NoError(t, err)
	_, err = orch.Wait(ctx, id)
	require.NoError(t, err)

	status, err := orch.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, status)
}

func TestCancel_DurableAcrossProcesses(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// First process leaves the workflow mid-flight.
	started := make(chan struct{}, 1)
	first := newLocalOrchestrator(t, dbPath, func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := first.Submit(ctx, &models.Workflow{
		ID:    "wf-abandon",
		Steps: []*models.WorkflowStep{{ID: "stuck"}},
	})
	require.NoError(t, err)
	<-started
	first.Stop()

	// Second process cancels it from the checkpoint side.
	second := newLocalOrchestrator(t, dbPath, func(ctx context.Context, task *models.Task) (*models.StepResult, error) {
		return &models.StepResult{StepID: task.StepID}, nil
	})
	require.NoError(t, second.Cancel(ctx, "wf-abandon"))

	status, err := second.Status("wf-abandon")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, status)

	wf, err := second.Workflow("wf-abandon")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSkipped, wf.Steps[0].Status)
	assert.Equal(t, models.ReasonCancelled, wf.Steps[0].FailureReason)
}
