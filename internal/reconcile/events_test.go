package reconcile

import (
	"testing"
	"time"

	"github.com/krata-zone/kratad/internal/model"
)

func TestEventBusPublishDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(model.ZoneChanged{UUID: "zone-1"})

	select {
	case ev := <-ch:
		if ev.UUID != "zone-1" {
			t.Fatalf("got %q, want zone-1", ev.UUID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEventBusCancelStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe()
	cancel()

	bus.Publish(model.ZoneChanged{UUID: "zone-1"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestEventBusDropsOnFullQueueRatherThanBlocking(t *testing.T) {
	bus := NewEventBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < EventBusCapacity+10; i++ {
		bus.Publish(model.ZoneChanged{UUID: "zone-1"})
	}
	// No assertion beyond "this returns promptly" — Publish must never
	// block on a full subscriber queue.
}
