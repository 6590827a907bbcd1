// Package breaker implements a keyed circuit breaker that isolates
// calls to unreliable downstream operations. State is local to the
// owning process and never shared.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen indicates a call was rejected because its circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError reports a fast-failed call and when the next trial
// will be admitted.
type CircuitOpenError struct {
	// Key is the protected operation whose circuit rejected the call.
	Key string
	// RetryAfter is the remaining cooldown before a half-open trial.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Key, e.RetryAfter)
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// State is the position of one circuit in its lifecycle.
type State int

const (
	// StateClosed admits all calls and counts failures.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits trial calls; successes close the circuit,
	// any failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds shared by every circuit in a registry.
type Config struct {
	// FailureThreshold is the number of failures within Window that
	// trips a closed circuit open.
	FailureThreshold int
	// Window is the rolling interval failures are counted over.
	Window time.Duration
	// Cooldown is how long an open circuit rejects calls before
	// admitting a half-open trial.
	Cooldown time.Duration
	// HalfOpenTrials is the number of consecutive trial successes
	// required to close a half-open circuit.
	HalfOpenTrials int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		HalfOpenTrials:   2,
	}
}

// withDefaults fills zero fields so a partially built Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = d.HalfOpenTrials
	}
	return c
}

// circuit is the state machine for a single protected operation.
type circuit struct {
	state          State
	failures       []time.Time
	trialSuccesses int
	openedAt       time.Time
	lastTransition time.Time

	successes  uint64
	failCount  uint64
	rejections uint64
}

// Stats is a point-in-time view of one circuit.
type Stats struct {
	// Key is the protected operation.
	Key string `json:"key"`
	// State is the current circuit state.
	State State `json:"state"`
	// RecentFailures is the failure count within the rolling window.
	RecentFailures int `json:"recent_failures"`
	// Successes counts all recorded successes.
	Successes uint64 `json:"successes"`
	// Failures counts all recorded failures.
	Failures uint64 `json:"failures"`
	// Rejections counts calls fast-failed while open.
	Rejections uint64 `json:"rejections"`
	// LastTransition is when the circuit last changed state.
	LastTransition time.Time `json:"last_transition"`
}

// Registry tracks one circuit per protected operation key, so one
// failing dependency does not blind calls to healthy ones.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	now      func() time.Time
}

// NewRegistry creates a registry with the given thresholds. Zero
// fields fall back to DefaultConfig values.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Allow reports whether a call for key may proceed. While the circuit
// is open and cooling down it returns a *CircuitOpenError without
// touching the underlying operation. Once the cooldown elapses the
// circuit moves to half-open and the call is admitted as a trial.
func (r *Registry) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(key)
	now := r.now()

	if c.state == StateOpen {
		elapsed := now.Sub(c.openedAt)
		if elapsed < r.cfg.Cooldown {
			c.rejections++
			return &CircuitOpenError{Key: key, RetryAfter: r.cfg.Cooldown - elapsed}
		}
		c.state = StateHalfOpen
		c.trialSuccesses = 0
		c.lastTransition = now
	}
	return nil
}

// RecordSuccess notes a successful call for key and returns the
// resulting state. In closed state a success clears the rolling
// failure count; in half-open it advances the trial streak.
func (r *Registry) RecordSuccess(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(key)
	c.successes++
	now := r.now()

	switch c.state {
	case StateClosed:
		c.failures = c.failures[:0]
	case StateHalfOpen:
		c.trialSuccesses++
		if c.trialSuccesses >= r.cfg.HalfOpenTrials {
			c.state = StateClosed
			c.failures = c.failures[:0]
			c.trialSuccesses = 0
			c.lastTransition = now
		}
	}
	return c.state
}

// RecordFailure notes a failed call for key and returns the resulting
// state. Reaching the threshold within the window trips a closed
// circuit; any half-open trial failure reopens immediately.
func (r *Registry) RecordFailure(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(key)
	c.failCount++
	now := r.now()

	switch c.state {
	case StateClosed:
		c.failures = append(c.failures, now)
		r.pruneLocked(c, now)
		if len(c.failures) >= r.cfg.FailureThreshold {
			r.openLocked(c, now)
		}
	case StateHalfOpen:
		r.openLocked(c, now)
	case StateOpen:
		// Late failure from a call admitted before the trip; the
		// circuit is already open.
	}
	return c.state
}

// Do runs fn under the circuit for key: fast-failed when open,
// recorded as success or failure afterwards.
func (r *Registry) Do(key string, fn func() error) error {
	if err := r.Allow(key); err != nil {
		return err
	}
	if err := fn(); err != nil {
		r.RecordFailure(key)
		return err
	}
	r.RecordSuccess(key)
	return nil
}

// State returns the current state for key. A key that was never used
// reports closed.
func (r *Registry) State(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[key]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Stats returns a snapshot of the circuit for key.
func (r *Registry) Stats(key string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitLocked(key)
	r.pruneLocked(c, r.now())
	return Stats{
		Key:            key,
		State:          c.state,
		RecentFailures: len(c.failures),
		Successes:      c.successes,
		Failures:       c.failCount,
		Rejections:     c.rejections,
		LastTransition: c.lastTransition,
	}
}

// circuitLocked returns the circuit for key, creating it closed on
// first use. Assumes the lock is held.
func (r *Registry) circuitLocked(key string) *circuit {
	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed, lastTransition: r.now()}
		r.circuits[key] = c
	}
	return c
}

// openLocked trips the circuit open. Assumes the lock is held.
func (r *Registry) openLocked(c *circuit, now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.trialSuccesses = 0
	c.lastTransition = now
}

// pruneLocked drops failures older than the rolling window. Assumes
// the lock is held.
func (r *Registry) pruneLocked(c *circuit, now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(c.failures) && c.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.failures = append(c.failures[:0], c.failures[i:]...)
	}
}
