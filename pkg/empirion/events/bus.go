// Package events implements the gateway's in-process event bus. Producers
// (phone pollers, store watchers, the status monitor) publish categorized
// events; sessions register per category and receive a fan-out copy through
// their own bounded outbound queue. The bus itself never blocks on a slow
// subscriber — delivery is a non-blocking Notify and the subscriber owns
// the drop policy.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// Event is one published occurrence. Events are ephemeral: delivered to the
// sessions registered at publish time, never persisted or replayed.
type Event struct {
	Category protocol.EventCategory
	Payload  any
	At       time.Time
}

// Subscriber receives fan-out copies of published events.
type Subscriber interface {
	// Notify must not block. It returns false when the event was dropped,
	// which the bus records but does not retry.
	Notify(ev Event) bool
}

// Bus fans events out to registered subscribers by category. All methods
// are safe for concurrent use; the subscriber map is the only state in the
// gateway shared across sessions.
type Bus struct {
	mu      sync.RWMutex
	subs    map[protocol.EventCategory]map[Subscriber]struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[protocol.EventCategory]map[Subscriber]struct{}),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers sub for the given categories. Subscribing to a
// category it already holds is a no-op.
func (b *Bus) Subscribe(sub Subscriber, cats ...protocol.EventCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cat := range cats {
		set, ok := b.subs[cat]
		if !ok {
			set = make(map[Subscriber]struct{})
			b.subs[cat] = set
		}
		set[sub] = struct{}{}
	}
}

// Unsubscribe removes sub from the given categories. Removing a
// registration it does not hold is a no-op.
func (b *Bus) Unsubscribe(sub Subscriber, cats ...protocol.EventCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cat := range cats {
		delete(b.subs[cat], sub)
	}
}

// Drop removes every registration held by sub. Called on session teardown
// so the bus never accumulates dangling subscribers.
func (b *Bus) Drop(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		delete(set, sub)
	}
}

// Publish delivers an event to every subscriber currently registered for
// the category and returns how many copies were delivered. Fan-out order
// across subscribers is unspecified.
func (b *Bus) Publish(cat protocol.EventCategory, payload any) int {
	ev := Event{Category: cat, Payload: payload, At: time.Now()}

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs[cat]))
	for sub := range b.subs[cat] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Notify(ev) {
			delivered++
		} else {
			b.dropped.Add(1)
		}
	}
	if len(targets) > 0 {
		b.logger.Debug("event published",
			"category", cat, "subscribers", len(targets), "delivered", delivered)
	}
	return delivered
}

// Subscribers reports how many subscribers hold the category.
func (b *Bus) Subscribers(cat protocol.EventCategory) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[cat])
}

// Dropped reports the total number of deliveries refused by subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
