package events

import (
	"sync"
	"testing"

	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// recordingSub collects every event it is notified with.
type recordingSub struct {
	mu     sync.Mutex
	events []Event
	refuse bool
}

func (r *recordingSub) Notify(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recordingSub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishReachesOnlySubscribed(t *testing.T) {
	bus := NewBus(nil)
	callSub := &recordingSub{}
	sysSub := &recordingSub{}

	bus.Subscribe(callSub, protocol.CategoryCall)
	bus.Subscribe(sysSub, protocol.CategorySystem)

	if got := bus.Publish(protocol.CategoryCall, "ring"); got != 1 {
		t.Fatalf("Publish() delivered = %d, want 1", got)
	}
	if callSub.count() != 1 {
		t.Fatalf("call subscriber got %d events, want 1", callSub.count())
	}
	if sysSub.count() != 0 {
		t.Fatalf("system subscriber got %d events, want 0", sysSub.count())
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	sub := &recordingSub{}

	bus.Subscribe(sub, protocol.CategoryMessage)
	bus.Subscribe(sub, protocol.CategoryMessage)

	bus.Publish(protocol.CategoryMessage, "hello")
	if sub.count() != 1 {
		t.Fatalf("got %d copies, want exactly 1", sub.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	sub := &recordingSub{}

	bus.Subscribe(sub, protocol.CategoryCall, protocol.CategoryMessage)
	bus.Unsubscribe(sub, protocol.CategoryCall)

	bus.Publish(protocol.CategoryCall, "ring")
	bus.Publish(protocol.CategoryMessage, "hello")

	if sub.count() != 1 {
		t.Fatalf("got %d events, want 1 (message only)", sub.count())
	}
	if sub.events[0].Category != protocol.CategoryMessage {
		t.Fatalf("got category %q", sub.events[0].Category)
	}
}

func TestDropRemovesAllRegistrations(t *testing.T) {
	bus := NewBus(nil)
	sub := &recordingSub{}

	bus.Subscribe(sub, protocol.CategoryCall, protocol.CategorySystem, protocol.CategoryNotification)
	bus.Drop(sub)

	for _, cat := range protocol.Categories {
		if n := bus.Subscribers(cat); n != 0 {
			t.Fatalf("category %s still has %d subscribers", cat, n)
		}
		bus.Publish(cat, "x")
	}
	if sub.count() != 0 {
		t.Fatalf("dropped subscriber still received %d events", sub.count())
	}
}

func TestRefusedDeliveryIsCounted(t *testing.T) {
	bus := NewBus(nil)
	sub := &recordingSub{refuse: true}

	bus.Subscribe(sub, protocol.CategoryNotification)
	if got := bus.Publish(protocol.CategoryNotification, "n"); got != 0 {
		t.Fatalf("Publish() delivered = %d, want 0", got)
	}
	if bus.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", bus.Dropped())
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(nil)
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := &recordingSub{}
			bus.Subscribe(sub, protocol.CategorySystem)
			bus.Drop(sub)
		}()
		go func() {
			defer wg.Done()
			bus.Publish(protocol.CategorySystem, "tick")
		}()
	}
	wg.Wait()
}
