// Package router assigns tasks to the best-fit live agent, scoring by
// capability match and complexity affinity.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/musterlabs/muster/pkg/models"
)

// ErrNoEligibleAgent indicates no live agent satisfies a task's
// capability requirements. The scheduler retries routing later rather
// than failing the step outright.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// NoEligibleAgentError reports why a task could not be routed.
type NoEligibleAgentError struct {
	// TaskID is the task that could not be routed.
	TaskID string
	// Required lists the capability tags no live agent covered.
	Required []string
	// Live is how many live agents were considered.
	Live int
}

func (e *NoEligibleAgentError) Error() string {
	return fmt.Sprintf("no eligible agent for task %s (required %v, %d live)",
		e.TaskID, e.Required, e.Live)
}

// Unwrap lets errors.Is match ErrNoEligibleAgent.
func (e *NoEligibleAgentError) Unwrap() error { return ErrNoEligibleAgent }

// AgentLister provides the live membership of the pool.
type AgentLister interface {
	ListLiveAgents(ctx context.Context) ([]models.AgentRecord, error)
}

// Config holds the routing parameters.
type Config struct {
	// AffinityWidth is the width of the complexity-fit curve. Smaller
	// widths punish band mismatches harder; the curve never becomes a
	// hard filter.
	AffinityWidth float64
	// MaxAttempts bounds how many scheduling passes may retry routing
	// one step before it fails as unroutable.
	MaxAttempts int
}

// DefaultConfig returns the routing parameters used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		AffinityWidth: 0.25,
		MaxAttempts:   5,
	}
}

// withDefaults fills zero fields so a partially built Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AffinityWidth <= 0 {
		c.AffinityWidth = d.AffinityWidth
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Router selects an agent for each task. Selection filters the live
// registry to capability supersets of the task's tags, scores the
// survivors on the affinity curve, and spreads exact ties to the
// least-recently-assigned agent.
type Router struct {
	agents AgentLister
	cfg    Config
	log    *zap.Logger

	mu           sync.Mutex
	lastAssigned map[string]time.Time
	now          func() time.Time
}

// New creates a Router over the given registry view. A nil logger
// falls back to a no-op logger.
func New(agents AgentLister, cfg Config, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		agents:       agents,
		cfg:          cfg.withDefaults(),
		log:          log.Named("router"),
		lastAssigned: make(map[string]time.Time),
		now:          time.Now,
	}
}

// MaxAttempts is the configured bound on routing retries per step.
func (r *Router) MaxAttempts() int {
	return r.cfg.MaxAttempts
}

// Route picks the best-fit live agent for the task. When no live agent
// covers the task's capability tags it returns a *NoEligibleAgentError;
// registry errors propagate unchanged.
func (r *Router) Route(ctx context.Context, task *models.Task) (string, error) {
	live, err := r.agents.ListLiveAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("route task %s: %w", task.ID, err)
	}

	var eligible []models.AgentRecord
	for _, agent := range live {
		if agent.HasCapabilities(task.Capabilities) {
			eligible = append(eligible, agent)
		}
	}
	if len(eligible) == 0 {
		return "", &NoEligibleAgentError{
			TaskID:   task.ID,
			Required: task.Capabilities,
			Live:     len(live),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type scored struct {
		id    string
		score float64
		last  time.Time
	}
	candidates := make([]scored, len(eligible))
	for i, agent := range eligible {
		candidates[i] = scored{
			id:    agent.ID,
			score: r.affinity(task.Complexity, agent.Band.Center()),
			last:  r.lastAssigned[agent.ID],
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.last.Equal(b.last) {
			return a.last.Before(b.last)
		}
		return a.id < b.id
	})

	chosen := candidates[0]
	r.lastAssigned[chosen.id] = r.now()
	r.log.Debug("task routed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", chosen.id),
		zap.Float64("score", chosen.score),
		zap.Int("eligible", len(eligible)))
	return chosen.id, nil
}

// affinity is the complexity-fit score in (0, 1], highest when the
// task's complexity sits on the agent's band center.
func (r *Router) affinity(complexity, center float64) float64 {
	d := complexity - center
	w := r.cfg.AffinityWidth
	return math.Exp(-(d * d) / (2 * w * w))
}
