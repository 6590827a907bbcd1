package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/musterlabs/muster/internal/breaker"
	"github.com/musterlabs/muster/internal/checkpoint"
	"github.com/musterlabs/muster/internal/metrics"
)

// RequiredConfig contains the minimal required dependencies for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Router selects an agent for each ready step.
	Router TaskRouter
	// Breakers isolates failing agents from further dispatch.
	Breakers *breaker.Registry
	// Store persists workflow checkpoints.
	Store checkpoint.Store
	// Invoker executes routed steps.
	Invoker Invoker
}

// Config holds the orchestrator's tunable parameters.
type Config struct {
	// MaxConcurrentSteps bounds how many steps of one workflow may be
	// in flight at once.
	MaxConcurrentSteps int
	// DefaultStepTimeout applies to steps without their own timeout.
	DefaultStepTimeout time.Duration
	// PollInterval is how long the scheduling loop waits when nothing
	// could be dispatched before retrying the frontier.
	PollInterval time.Duration
	// CancelGrace bounds how long a cancelled workflow waits for
	// in-flight steps before skipping them.
	CancelGrace time.Duration
	// CheckpointAttempts bounds retries of one checkpoint write.
	CheckpointAttempts int
	// CheckpointBackoff is the pause between checkpoint write retries.
	CheckpointBackoff time.Duration
	// EventBuffer is the emitter's channel capacity.
	EventBuffer int
}

// DefaultConfig returns the orchestrator parameters used when none
// are configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 4,
		DefaultStepTimeout: 5 * time.Minute,
		PollInterval:       200 * time.Millisecond,
		CancelGrace:        3 * time.Second,
		CheckpointAttempts: 3,
		CheckpointBackoff:  100 * time.Millisecond,
		EventBuffer:        128,
	}
}

// withDefaults fills zero fields so a partially built Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = d.MaxConcurrentSteps
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = d.DefaultStepTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.CheckpointAttempts <= 0 {
		c.CheckpointAttempts = d.CheckpointAttempts
	}
	if c.CheckpointBackoff <= 0 {
		c.CheckpointBackoff = d.CheckpointBackoff
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	cfg      Config
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// WithConfig replaces the whole tuning configuration.
func WithConfig(cfg Config) Option {
	return func(o *orchestratorOptions) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMetrics sets the step-duration recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *orchestratorOptions) { o.recorder = r }
}

// WithMaxConcurrentSteps bounds per-workflow step parallelism.
func WithMaxConcurrentSteps(n int) Option {
	return func(o *orchestratorOptions) { o.cfg.MaxConcurrentSteps = n }
}

// WithDefaultStepTimeout sets the timeout for steps without their own.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.cfg.DefaultStepTimeout = d }
}

// WithPollInterval sets the scheduling loop's idle retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.cfg.PollInterval = d }
}

// WithCancelGrace bounds the wait for in-flight steps on cancel.
func WithCancelGrace(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.cfg.CancelGrace = d }
}

// WithCheckpointRetry tunes checkpoint write retries.
func WithCheckpointRetry(attempts int, backoff time.Duration) Option {
	return func(o *orchestratorOptions) {
		o.cfg.CheckpointAttempts = attempts
		o.cfg.CheckpointBackoff = backoff
	}
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.cfg.EventBuffer = n }
}
