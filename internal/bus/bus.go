// Package bus routes messages between the coordinator and workers.
//
// Each recipient owns an independent FIFO queue. Receive blocks up to a
// caller-supplied timeout so the coordinator loop and idle workers never
// busy-wait. The bus keeps a bounded history ring for diagnostics.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewkit/crewkit/pkg/models"
)

// ErrTimeout is returned by Receive when no message arrives in time.
// Callers treat it as "no message", not as a failure.
var ErrTimeout = errors.New("bus: receive timed out")

// ErrClosed is returned when publishing to or receiving from a closed bus.
var ErrClosed = errors.New("bus: closed")

// defaultHistorySize bounds the diagnostic history ring.
const defaultHistorySize = 200

// queueCapacity bounds each recipient's channel. Deep enough that a
// publisher never blocks in practice; Publish fails loudly if it fills.
const queueCapacity = 256

// Bus is a concurrency-safe per-recipient message router.
type Bus struct {
	mu      sync.Mutex
	queues  map[string]chan *models.Message
	history []*models.Message
	histMax int
	closed  bool
}

// New creates an empty bus. Recipients must Register before they can
// receive; publishing to an unregistered recipient is an error.
func New() *Bus {
	return &Bus{
		queues:  make(map[string]chan *models.Message),
		histMax: defaultHistorySize,
	}
}

// Register creates the queue for a recipient. Registering twice is a no-op.
func (b *Bus) Register(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.queues[recipient]; !ok {
		b.queues[recipient] = make(chan *models.Message, queueCapacity)
	}
}

// Unregister removes a recipient's queue. Pending messages are dropped.
func (b *Bus) Unregister(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, recipient)
}

// Publish routes msg to its recipient's queue, or to every registered
// queue except the sender's when the recipient is models.RecipientBroadcast.
// The message ID and timestamp are filled in if missing.
func (b *Bus) Publish(msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()[:8]
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	b.record(msg)

	if msg.Recipient == models.RecipientBroadcast {
		for name, q := range b.queues {
			if name == msg.Sender {
				continue
			}
			select {
			case q <- msg:
			default:
				return errors.New("bus: queue full for " + name)
			}
		}
		return nil
	}

	q, ok := b.queues[msg.Recipient]
	if !ok {
		return errors.New("bus: unknown recipient " + msg.Recipient)
	}
	select {
	case q <- msg:
		return nil
	default:
		return errors.New("bus: queue full for " + msg.Recipient)
	}
}

// Receive returns the next message for recipient, blocking up to timeout.
// A zero or negative timeout polls without blocking.
func (b *Bus) Receive(recipient string, timeout time.Duration) (*models.Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	q, ok := b.queues[recipient]
	b.mu.Unlock()
	if !ok {
		return nil, errors.New("bus: unknown recipient " + recipient)
	}

	if timeout <= 0 {
		select {
		case msg := <-q:
			return msg, nil
		default:
			return nil, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q:
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Depth returns the number of queued messages for a recipient.
func (b *Bus) Depth(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[recipient]; ok {
		return len(q)
	}
	return 0
}

// History returns a copy of the most recent messages, oldest first.
func (b *Bus) History() []*models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Message, len(b.history))
	copy(out, b.history)
	return out
}

// Close marks the bus closed. Subsequent Publish and Receive calls fail
// with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// record appends to the history ring, evicting the oldest entry when full.
// Caller holds b.mu.
func (b *Bus) record(msg *models.Message) {
	if len(b.history) >= b.histMax {
		b.history = b.history[1:]
	}
	b.history = append(b.history, msg)
}
