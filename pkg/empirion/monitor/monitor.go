// Package monitor periodically publishes a server status snapshot on the
// event bus so subscribed clients can watch gateway health without polling.
package monitor

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/empirion-ai/empirion/pkg/empirion/events"
	"github.com/empirion-ai/empirion/pkg/empirion/gateway"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// StatsSource provides the snapshot the monitor publishes.
type StatsSource interface {
	Stats() gateway.Stats
}

// Monitor runs a cron schedule that publishes system status events.
type Monitor struct {
	source   StatsSource
	bus      *events.Bus
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a monitor. The schedule accepts cron expressions and the
// @every shorthand; empty means every 30 seconds.
func New(source StatsSource, bus *events.Bus, schedule string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &Monitor{
		source:   source,
		bus:      bus,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "monitor"),
	}
}

// Start registers the schedule and begins publishing.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, m.publish); err != nil {
		return fmt.Errorf("invalid monitor schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	m.logger.Info("monitor started", "schedule", m.schedule)
	return nil
}

// Stop halts the schedule. Running publishes are waited for.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) publish() {
	stats := m.source.Stats()
	m.bus.Publish(protocol.CategorySystem, map[string]any{
		"status":         "running",
		"connections":    stats.Connections,
		"authenticated":  stats.Authenticated,
		"uptime_seconds": stats.UptimeSeconds,
		"events_dropped": stats.EventsDropped,
	})
	m.logger.Debug("status published",
		"connections", stats.Connections, "authenticated", stats.Authenticated)
}
