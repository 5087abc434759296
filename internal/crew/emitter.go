package crew

import (
	"log"
	"sync/atomic"
	"time"
)

// emitTimeout is how long Emit waits on a full channel before dropping.
const emitTimeout = 100 * time.Millisecond

// EventEmitter fans crew events out to a subscriber channel.
// Emission never blocks the run: a full channel drops the event after a
// short grace period and counts the drop.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the subscriber channel. If the channel is full it
// retries briefly, then drops the event rather than stall the run.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(emitTimeout):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[crew] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only subscriber channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the subscriber channel. Call only after the run terminates.
func (e *EventEmitter) Close() {
	close(e.events)
}
