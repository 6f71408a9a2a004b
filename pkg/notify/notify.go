// Package notify is the fire-and-forget change-event port. After a
// drone or task mutation the owning component publishes an event; an
// external real-time broadcaster (out of scope here) relays it to
// subscribers. Delivery is best-effort: a slow subscriber loses events
// rather than blocking a mutation.
package notify

import (
	"io"
	"log/slog"
	"sync"
)

// EntityKind says which aggregate changed.
type EntityKind string

const (
	EntityDrone    EntityKind = "drone"
	EntityMainTask EntityKind = "main_task"
	EntitySubTask  EntityKind = "sub_task"
)

// Action is the kind of mutation.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionDeleted   Action = "deleted"
	ActionAssigned  Action = "assigned"
	ActionCompleted Action = "completed"
)

// Event describes one mutation.
type Event struct {
	Entity EntityKind `json:"entity"`
	Action Action     `json:"action"`
	ID     string     `json:"id"`
}

// Notifier publishes change events. Implementations must not block.
type Notifier interface {
	Publish(event Event)
}

// Discard is a Notifier that drops everything.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Broadcaster fans events out to subscriber channels in-process.
type Broadcaster struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster returns an empty Broadcaster. A nil logger discards
// log output.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		logger: logger.With("component", "notify"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a buffered subscriber channel and returns it
// with a cancel function. Events published while the buffer is full
// are dropped for that subscriber.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers event to every subscriber that has buffer room.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("subscriber full, event dropped",
				"entity", event.Entity, "action", event.Action, "id", event.ID)
		}
	}
}
