//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"sync"
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
	"github.com/musterlabs/muster/internal/worker"
	"github.com/musterlabs/muster/pkg/models"
)

// env is the full stack a workflow runs on: coordination layer over
// the in-memory store, routing, a SQLite checkpoint database, and an
// orchestrator dispatching over pub/sub.
type env struct {
	coordinator *coord.Coordinator
	breakers    *breaker.Registry
	store       *checkpoint.DB
	orch        *orchestrator.Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()

	kv := coord.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 10})
	coordinator := coord.New(kv, breakers, coord.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		ClaimTTL:          5 * time.Second,
	}, nil)

	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	orch, err := orchestrator.New(orchestrator.RequiredConfig{
		Router:   router.New(coordinator, router.Config{MaxAttempts: 20}, nil),
		Breakers: breakers,
		Store:    store,
		Invoker:  dispatch.NewDirected(coordinator, nil),
	},
		orchestrator.WithPollInterval(10*time.Millisecond),
		orchestrator.WithDefaultStepTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(orch.Stop)

	return &env{
		coordinator: coordinator,
		breakers:    breakers,
		store:       store,
		orch:        orch,
	}
}

// startPool launches n in-process workers and waits for them to
// register.
func (e *env) startPool(t *testing.T, n int, runner worker.Runner) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := worker.New(e.coordinator, runner, worker.Config{
			Capabilities: []string{"backend", "deploy"},
			Band:         models.BandStandard,
			Concurrency:  2,
		}, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool {
		agents, err := e.coordinator.ListLiveAgents(context.Background())
		return err == nil && len(agents) == n
	}, 3*time.Second, 10*time.Millisecond)
}

func diamondWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: "diamond",
		Steps: []*models.WorkflowStep{
			{ID: "fetch", Capabilities: []string{"backend"}},
			{ID: "build", DependsOn: []string{"fetch"}, Capabilities: []string{"backend"}},
			{ID: "lint", DependsOn: []string{"fetch"}},
			{ID: "deploy", DependsOn: []string{"build", "lint"}, Capabilities: []string{"deploy"}},
		},
	}
}

func TestPool_WorkflowRunsOverDispatch(t *testing.T) {
	e := newEnv(t)
	e.startPool(t, 2, &worker.SimulatedRunner{Delay: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := e.orch.Submit(ctx, diamondWorkflow("wf-pool"))
	require.NoError(t, err)

	status, err := e.orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, status)

	// Every step carries the agent that ran it and its result.
	w, err := e.orch.Workflow(id)
	require.NoError(t, err)
	for _, step := range w.Steps {
		assert.Equal(t, models.StepStatusCompleted, step.Status, step.ID)
		assert.NotEmpty(t, step.AssignedTo, step.ID)
		require.NotNil(t, step.Result, step.ID)
		assert.NotEmpty(t, step.Result.Output, step.ID)
	}

	// The terminal state landed in the checkpoint store.
	rec, err := e.store.Latest(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.WorkflowStatusCompleted, rec.Status)

	// Step durations were recorded.
	assert.EqualValues(t, 4, e.orch.Metrics().Overall().Count)
}

func TestPool_ClaimsReleasedAfterRun(t *testing.T) {
	e := newEnv(t)
	e.startPool(t, 2, &worker.SimulatedRunner{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := e.orch.Submit(ctx, diamondWorkflow("wf-claims"))
	require.NoError(t, err)
	_, err = e.orch.Wait(ctx, id)
	require.NoError(t, err)

	w, err := e.orch.Workflow(id)
	require.NoError(t, err)
	for _, step := range w.Steps {
		owner, err := e.coordinator.ClaimOwner(ctx, id+":"+step.ID)
		require.NoError(t, err)
		assert.Empty(t, owner, step.ID)
	}
}

func TestPool_CapabilityRoutingSelectsEligibleWorker(t *testing.T) {
	e := newEnv(t)

	// One worker declares the gpu tag, the other does not.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	poolCtx, poolCancel := context.WithCancel(context.Background())
	for _, cfg := range []worker.Config{
		{ID: "generalist", Capabilities: []string{"backend"}},
		{ID: "specialist", Capabilities: []string{"backend", "gpu"}},
	} {
		w := worker.New(e.coordinator, &worker.SimulatedRunner{}, cfg, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(poolCtx)
		}()
	}
	t.Cleanup(func() {
		poolCancel()
		wg.Wait()
	})
	require.Eventually(t, func() bool {
		agents, err := e.coordinator.ListLiveAgents(context.Background())
		return err == nil && len(agents) == 2
	}, 3*time.Second, 10*time.Millisecond)

	id, err := e.orch.Submit(ctx, &models.Workflow{
		ID: "wf-gpu",
		Steps: []*models.WorkflowStep{
			{ID: "train", Capabilities: []string{"gpu"}},
		},
	})
	require.NoError(t, err)

	status, err := e.orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, status)

	w, err := e.orch.Workflow(id)
	require.NoError(t, err)
	assert.Equal(t, "specialist", w.Steps[0].AssignedTo)
}
