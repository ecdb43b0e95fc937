package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/empirion-ai/empirion/pkg/empirion/events"
	"github.com/empirion-ai/empirion/pkg/empirion/gateway"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

type fixedStats struct{ stats gateway.Stats }

func (f *fixedStats) Stats() gateway.Stats { return f.stats }

type captureSub struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSub) Notify(ev events.Event) bool {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return true
}

func (c *captureSub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := New(&fixedStats{}, events.NewBus(nil), "not a schedule", nil)
	if err := m.Start(); err == nil {
		t.Fatal("Start() expected error for invalid schedule")
	}
}

func TestPublishesStatusOnSchedule(t *testing.T) {
	bus := events.NewBus(nil)
	sub := &captureSub{}
	bus.Subscribe(sub, protocol.CategorySystem)

	source := &fixedStats{stats: gateway.Stats{Connections: 2, Authenticated: 1, UptimeSeconds: 9}}
	m := New(source, bus, "@every 50ms", nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sub.count() == 0 {
		t.Fatal("no status event published")
	}

	sub.mu.Lock()
	ev := sub.events[0]
	sub.mu.Unlock()
	if ev.Category != protocol.CategorySystem {
		t.Fatalf("category = %q", ev.Category)
	}
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T", ev.Payload)
	}
	if payload["connections"] != 2 || payload["authenticated"] != 1 {
		t.Fatalf("payload = %v", payload)
	}
}
