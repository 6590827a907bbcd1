package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/pkg/models"
)

// StoreBreakerKey is the circuit breaker key guarding every call to
// the shared store. The coordination layer owns a dedicated circuit so
// a store outage degrades the pool instead of hanging it.
const StoreBreakerKey = "coordination-store"

// Hash fields of agent:{id}:info.
const (
	fieldCapabilities = "capabilities"
	fieldBand         = "band"
	fieldRegisteredAt = "registered_at"
	fieldLastSeen     = "last_seen"
)

// Config holds the coordination layer's timing parameters.
type Config struct {
	// HeartbeatInterval is the cadence agents are expected to
	// heartbeat at.
	HeartbeatInterval time.Duration
	// LivenessMultiplier sets the liveness window as a multiple of
	// HeartbeatInterval. An agent is stale once the window elapses
	// without a heartbeat.
	LivenessMultiplier int
	// ClaimTTL bounds how long a claim survives without release, so a
	// crashed claimant cannot strand a task forever.
	ClaimTTL time.Duration
}

// DefaultConfig returns the timing parameters used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		LivenessMultiplier: 3,
		ClaimTTL:           60 * time.Second,
	}
}

// withDefaults fills zero fields so a partially built Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.LivenessMultiplier <= 0 {
		c.LivenessMultiplier = d.LivenessMultiplier
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = d.ClaimTTL
	}
	return c
}

// LivenessWindow is how long after its last heartbeat an agent is
// still considered live.
func (c Config) LivenessWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LivenessMultiplier)
}

// Coordinator turns independently-running agent processes into one
// logical pool. All calls to the underlying store run under a
// dedicated circuit breaker; while that circuit is open, registry
// reads serve the last-known-good snapshot.
type Coordinator struct {
	store    Store
	breakers *breaker.Registry
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	snapshot *snapshot
}

// New creates a Coordinator over the given store. The breaker registry
// is required; a nil logger falls back to a no-op logger.
func New(store Store, breakers *breaker.Registry, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		breakers: breakers,
		cfg:      cfg.withDefaults(),
		log:      log.Named("coord"),
		now:      time.Now,
		snapshot: newSnapshot(),
	}
}

// Config returns the coordinator's effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// guard runs fn under the store circuit, mapping rejections and store
// failures to ErrCoordinationUnavailable.
func (c *Coordinator) guard(fn func() error) error {
	err := c.breakers.Do(StoreBreakerKey, fn)
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
}

// Register adds an agent to the shared registry. Registering an
// existing id refreshes its record in place.
func (c *Coordinator) Register(ctx context.Context, agentID string, capabilities []string, band models.Band) error {
	if agentID == "" {
		return fmt.Errorf("register: empty agent id")
	}
	now := c.now().UTC()
	fields := map[string]string{
		fieldCapabilities: strings.Join(capabilities, ","),
		fieldBand:         string(band),
		fieldRegisteredAt: now.Format(time.RFC3339Nano),
		fieldLastSeen:     now.Format(time.RFC3339Nano),
	}
	err := c.guard(func() error {
		if err := c.store.HSet(ctx, agentInfoKey(agentID), fields); err != nil {
			return err
		}
		if err := c.store.SAdd(ctx, agentsSetKey, agentID); err != nil {
			return err
		}
		return c.store.Set(ctx, presenceKey(agentID), []byte("1"), c.cfg.LivenessWindow())
	})
	if err != nil {
		return err
	}
	c.log.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities),
		zap.String("band", string(band)))
	return nil
}

// Deregister removes an agent from the shared registry.
func (c *Coordinator) Deregister(ctx context.Context, agentID string) error {
	err := c.guard(func() error {
		if err := c.store.SRem(ctx, agentsSetKey, agentID); err != nil {
			return err
		}
		return c.store.Delete(ctx, agentInfoKey(agentID), presenceKey(agentID))
	})
	if err != nil {
		return err
	}
	c.log.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Heartbeat refreshes an agent's presence marker and last-seen
// timestamp. The agent must have registered first.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	now := c.now().UTC()
	return c.guard(func() error {
		if err := c.store.HSet(ctx, agentInfoKey(agentID), map[string]string{
			fieldLastSeen: now.Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
		return c.store.Set(ctx, presenceKey(agentID), []byte("1"), c.cfg.LivenessWindow())
	})
}

// ListAgents returns every registered agent with liveness computed
// lazily from the last-seen timestamp. While the store is unreachable
// it returns the last-known-good snapshot instead of failing.
func (c *Coordinator) ListAgents(ctx context.Context) ([]models.AgentRecord, error) {
	var records []models.AgentRecord
	err := c.guard(func() error {
		ids, err := c.store.SMembers(ctx, agentsSetKey)
		if err != nil {
			return err
		}
		now := c.now()
		window := c.cfg.LivenessWindow()
		records = make([]models.AgentRecord, 0, len(ids))
		for _, id := range ids {
			fields, err := c.store.HGetAll(ctx, agentInfoKey(id))
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				continue
			}
			rec := decodeAgentRecord(id, fields)
			rec.Live = now.Sub(rec.LastSeen) <= window
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
		return nil
	})
	if err != nil {
		if cached, at, ok := c.snapshot.get(); ok {
			c.log.Warn("serving last-known-good agent snapshot",
				zap.Time("captured_at", at),
				zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	c.snapshot.set(records, c.now())
	return records, nil
}

// ListLiveAgents returns only the agents whose heartbeat landed within
// the liveness window, with the same snapshot fallback as ListAgents.
func (c *Coordinator) ListLiveAgents(ctx context.Context) ([]models.AgentRecord, error) {
	all, err := c.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]models.AgentRecord, 0, len(all))
	for _, rec := range all {
		if rec.Live {
			live = append(live, rec)
		}
	}
	return live, nil
}

// TryClaim attempts to acquire the exclusive claim for a task. Exactly
// one concurrent caller wins; losers get false with a nil error, since
// losing the race is normal control flow.
func (c *Coordinator) TryClaim(ctx context.Context, taskID, agentID string) (bool, error) {
	var won bool
	err := c.guard(func() error {
		var err error
		won, err = c.store.SetNX(ctx, claimKey(taskID), []byte(agentID), c.cfg.ClaimTTL)
		return err
	})
	if err != nil {
		return false, err
	}
	if won {
		c.log.Debug("claim acquired",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID))
	}
	return won, nil
}

// ClaimOwner returns the agent currently holding the claim for a
// task, or empty when the task is unclaimed.
func (c *Coordinator) ClaimOwner(ctx context.Context, taskID string) (string, error) {
	var owner string
	err := c.guard(func() error {
		val, err := c.store.Get(ctx, claimKey(taskID))
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return nil
			}
			return err
		}
		owner = string(val)
		return nil
	})
	if err != nil {
		return "", err
	}
	return owner, nil
}

// ReleaseClaim gives up a claim so another agent may take the task.
// Only the holder may release; anyone else gets ErrClaimConflict.
func (c *Coordinator) ReleaseClaim(ctx context.Context, taskID, agentID string) error {
	var released bool
	err := c.guard(func() error {
		var err error
		released, err = c.store.DeleteIfEquals(ctx, claimKey(taskID), []byte(agentID))
		return err
	})
	if err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("release claim for task %s: %w", taskID, ErrClaimConflict)
	}
	return nil
}

// Publish sends a message to every subscriber of topic.
func (c *Coordinator) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.guard(func() error {
		return c.store.Publish(ctx, topic, payload)
	})
}

// Subscribe opens a message stream for topic that lasts until ctx is
// cancelled.
func (c *Coordinator) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	var ch <-chan Message
	err := c.guard(func() error {
		var err error
		ch, err = c.store.Subscribe(ctx, topic)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// snapshot caches the last registry read that succeeded, so brief
// store outages degrade to stale reads instead of failures.
type snapshot struct {
	mu      sync.RWMutex
	records []models.AgentRecord
	at      time.Time
	valid   bool
}

func newSnapshot() *snapshot {
	return &snapshot{}
}

func (s *snapshot) set(records []models.AgentRecord, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]models.AgentRecord(nil), records...)
	s.at = at
	s.valid = true
}

func (s *snapshot) get() ([]models.AgentRecord, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return nil, time.Time{}, false
	}
	return append([]models.AgentRecord(nil), s.records...), s.at, true
}

// decodeAgentRecord rebuilds an AgentRecord from its info hash,
// tolerating missing or malformed fields.
func decodeAgentRecord(id string, fields map[string]string) models.AgentRecord {
	rec := models.AgentRecord{ID: id}
	if caps := fields[fieldCapabilities]; caps != "" {
		rec.Capabilities = strings.Split(caps, ",")
	}
	rec.Band = models.Band(fields[fieldBand])
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldRegisteredAt]); err == nil {
		rec.RegisteredAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldLastSeen]); err == nil {
		rec.LastSeen = t
	}
	return rec
}
