package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Emitter fans orchestrator events out to a single consumer channel.
// Emission never blocks the scheduling loop: when the consumer falls
// behind, events are dropped and counted.
type Emitter struct {
	events       chan Event
	log          *zap.Logger
	droppedCount atomic.Uint64
	closeOnce    sync.Once
}

// NewEmitter creates a new Emitter with the given buffer size.
func NewEmitter(bufferSize int, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		events: make(chan Event, bufferSize),
		log:    log,
	}
}

// Emit sends an event to the events channel, dropping it when the
// buffer is full.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.events <- event:
	default:
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			e.log.Warn("event channel full, dropping events",
				zap.String("type", string(event.Type)),
				zap.Uint64("total_dropped", count))
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
// This is used by subscribers (e.g., the TUI) to receive updates.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call only after all emitting
// goroutines have stopped.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.events)
	})
}
