package reconcile

import (
	"sync"

	"github.com/krata-zone/kratad/internal/model"
)

// EventBusCapacity bounds both the publish buffer and each subscriber's
// queue, matching WatchEventsRequest's capacity-1000 event stream.
const EventBusCapacity = 1000

// EventBus fans ZoneChanged events out to every WatchEvents subscriber.
// A slow subscriber drops events rather than blocking the reconciler.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan model.ZoneChanged
	next int
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan model.ZoneChanged)}
}

// Subscribe registers a new listener and returns its channel plus a
// cancel function removing it.
func (b *EventBus) Subscribe() (<-chan model.ZoneChanged, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan model.ZoneChanged, EventBusCapacity)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

// Publish delivers ev to every subscriber, dropping on a full queue.
func (b *EventBus) Publish(ev model.ZoneChanged) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
