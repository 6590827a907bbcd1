package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/pkg/models"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	store.now = clk.now

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         10 * time.Millisecond,
		HalfOpenTrials:   1,
	})
	c := New(store, breakers, cfg, nil)
	c.now = clk.now
	t.Cleanup(func() { _ = store.Close() })
	return c, store, clk
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCoordinator_RegisterAndList(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "a1", []string{"backend"}, models.BandStandard))
	require.NoError(t, c.Register(ctx, "a2", []string{"frontend", "backend"}, models.BandHeavy))

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	assert.Equal(t, "a1", agents[0].ID)
	assert.Equal(t, []string{"backend"}, agents[0].Capabilities)
	assert.Equal(t, models.BandStandard, agents[0].Band)
	assert.True(t, agents[0].Live)

	assert.Equal(t, "a2", agents[1].ID)
	assert.Equal(t, []string{"frontend", "backend"}, agents[1].Capabilities)
	assert.True(t, agents[1].Live)
}

func TestCoordinator_LivenessWindow(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Second, LivenessMultiplier: 3}
	c, _, clk := newTestCoordinator(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "a1", nil, models.BandLight))
	require.NoError(t, c.Register(ctx, "a2", nil, models.BandLight))

	// a1 keeps heartbeating, a2 goes silent past the window.
	clk.advance(2 * time.Second)
	require.NoError(t, c.Heartbeat(ctx, "a1"))
	clk.advance(2 * time.Second)

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.True(t, agents[0].Live, "a1 heartbeat 2s ago, inside the 3s window")
	assert.False(t, agents[1].Live, "a2 last seen 4s ago, outside the 3s window")

	live, err := c.ListLiveAgents(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "a1", live[0].ID)
}

func TestCoordinator_Deregister(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "a1", nil, models.BandStandard))
	require.NoError(t, c.Deregister(ctx, "a1"))

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestCoordinator_ClaimExclusive(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	won, err := c.TryClaim(ctx, "task-1", "a1")
	require.NoError(t, err)
	assert.True(t, won)

	lost, err := c.TryClaim(ctx, "task-1", "a2")
	require.NoError(t, err)
	assert.False(t, lost, "second claimant must lose")

	owner, err := c.ClaimOwner(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", owner)
}

func TestCoordinator_ReleaseClaim(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	won, err := c.TryClaim(ctx, "task-1", "a1")
	require.NoError(t, err)
	require.True(t, won)

	// Only the holder may release.
	err = c.ReleaseClaim(ctx, "task-1", "a2")
	assert.ErrorIs(t, err, ErrClaimConflict)

	require.NoError(t, c.ReleaseClaim(ctx, "task-1", "a1"))

	owner, err := c.ClaimOwner(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	won, err = c.TryClaim(ctx, "task-1", "a2")
	require.NoError(t, err)
	assert.True(t, won, "released task must be claimable again")
}

func TestCoordinator_ClaimExpires(t *testing.T) {
	cfg := Config{ClaimTTL: 5 * time.Second}
	c, _, clk := newTestCoordinator(t, cfg)
	ctx := context.Background()

	won, err := c.TryClaim(ctx, "task-1", "a1")
	require.NoError(t, err)
	require.True(t, won)

	clk.advance(6 * time.Second)

	won, err = c.TryClaim(ctx, "task-1", "a2")
	require.NoError(t, err)
	assert.True(t, won, "expired claim must be reclaimable")

	owner, err := c.ClaimOwner(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "a2", owner)
}

func TestCoordinator_PublishSubscribe(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "announce")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "announce", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "announce", msg.Topic)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestCoordinator_SnapshotServedWhileStoreDown(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "a1", []string{"backend"}, models.BandStandard))
	_, err := c.ListAgents(ctx)
	require.NoError(t, err)

	storeDown := errors.New("connection refused")
	store.Fail(storeDown)

	// The failing read trips the breaker and falls back to the snapshot.
	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)

	// With the breaker open, reads keep serving the snapshot without
	// touching the store; writes surface the unavailability.
	agents, err = c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	_, err = c.TryClaim(ctx, "task-1", "a1")
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)

	err = c.Heartbeat(ctx, "a1")
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)

	// Store recovers; after the cooldown the trial call goes through
	// and fresh reads resume.
	store.Fail(nil)
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, c.Register(ctx, "a2", nil, models.BandLight))

	agents, err = c.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestCoordinator_NoSnapshotMeansUnavailable(t *testing.T) {
	c, store, _ := newTestCoordinator(t, Config{})
	store.Fail(errors.New("down"))

	_, err := c.ListAgents(context.Background())
	assert.ErrorIs(t, err, ErrCoordinationUnavailable)
}
