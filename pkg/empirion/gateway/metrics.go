package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the gateway's Prometheus collectors. Each server carries
// its own registry so tests can run servers side by side.
type metrics struct {
	activeConnections   prometheus.Gauge
	rejectedConnections prometheus.Counter
	framesIn            *prometheus.CounterVec
	framesOut           *prometheus.CounterVec
	decodeErrors        prometheus.Counter
	authFailures        prometheus.Counter
	droppedEvents       prometheus.Counter
	dispatchSeconds     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "empirion_gateway_active_connections",
			Help: "Currently open client connections.",
		}),
		rejectedConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "empirion_gateway_rejected_connections_total",
			Help: "Connections rejected because the connection limit was reached.",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "empirion_gateway_frames_in_total",
			Help: "Decoded inbound frames by type.",
		}, []string{"type"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "empirion_gateway_frames_out_total",
			Help: "Written outbound frames by type.",
		}, []string{"type"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "empirion_gateway_decode_errors_total",
			Help: "Inbound frames that failed to decode.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "empirion_gateway_auth_failures_total",
			Help: "Rejected authentication attempts.",
		}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "empirion_gateway_dropped_events_total",
			Help: "Event frames dropped because a session's outbound queue was full.",
		}),
		dispatchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "empirion_gateway_dispatch_seconds",
			Help:    "Capability dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
