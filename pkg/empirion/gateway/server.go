// Package gateway implements the Empirion connection layer: a WebSocket
// server that owns each client's session lifecycle, routes authenticated
// requests to capability handlers, and fans subscribed events back out.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/empirion-ai/empirion/pkg/empirion/assistant"
	"github.com/empirion-ai/empirion/pkg/empirion/auth"
	"github.com/empirion-ai/empirion/pkg/empirion/events"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// Config parameterizes the gateway server.
type Config struct {
	Host string
	Port int

	// MaxConnections caps concurrent sessions. Further connections get a
	// terminal error frame and are closed.
	MaxConnections int

	// HeartbeatInterval is the liveness window: sessions producing no
	// traffic (inbound frames or answered pings) within it are closed.
	HeartbeatInterval time.Duration

	// RequestTimeout is the deadline for one capability call.
	RequestTimeout time.Duration

	// OutboundQueueSize bounds each session's outbound queue.
	OutboundQueueSize int

	// MaxAuthFailures closes a session after this many rejected attempts.
	MaxAuthFailures int

	// Capabilities is announced in the connection frame.
	Capabilities []string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8765
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = 5
	}
	return c
}

// Stats is a point-in-time summary of the server, reported on the status
// frame and published by the monitor.
type Stats struct {
	Connections   int   `json:"connections"`
	Authenticated int   `json:"authenticated"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	EventsDropped int64 `json:"events_dropped"`
}

// Server accepts WebSocket connections and owns the session registry. The
// registry and connection count are the only cross-session state it
// mutates, guarded by its mutex; everything else lives in the sessions.
type Server struct {
	cfg           Config
	authenticator auth.Authenticator
	router        *assistant.Router
	bus           *events.Bus
	logger        *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*Session

	startedAt time.Time
}

// New creates a gateway server. All collaborators are required except the
// logger.
func New(cfg Config, authenticator auth.Authenticator, router *assistant.Router, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	return &Server{
		cfg:           cfg.withDefaults(),
		authenticator: authenticator,
		router:        router,
		bus:           bus,
		logger:        logger.With("component", "gateway"),
		registry:      registry,
		metrics:       newMetrics(registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients serve the control page from anywhere local.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Handler returns the HTTP handler serving /ws, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", "error", err)
		}
	}()
	s.logger.Info("gateway started",
		"address", addr, "max_connections", s.cfg.MaxConnections)
	return nil
}

// Stop announces shutdown to subscribed clients, closes every session, and
// shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("gateway stopping...")
	s.bus.Publish(protocol.CategorySystem, map[string]string{
		"message": "server is shutting down",
		"action":  "shutdown",
	})

	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.close()
	}

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Stats returns a point-in-time summary.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	total := len(s.sessions)
	authed := 0
	for _, sess := range s.sessions {
		if sess.authenticated() {
			authed++
		}
	}
	s.mu.Unlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return Stats{
		Connections:   total,
		Authenticated: authed,
		UptimeSeconds: uptime,
		EventsDropped: s.bus.Dropped(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.rejectOverCapacity(conn)
		return
	}
	sess := newSession(s, conn)
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.activeConnections.Inc()

	// The handler goroutine is the session's read loop.
	sess.run()
}

// rejectOverCapacity sends the terminal error frame required when the
// connection limit is reached, then closes the socket. Existing sessions
// are unaffected.
func (s *Server) rejectOverCapacity(conn *websocket.Conn) {
	s.metrics.rejectedConnections.Inc()
	s.logger.Warn("rejecting connection, limit reached", "max_connections", s.cfg.MaxConnections)

	data, err := protocol.Encode(protocol.NewErrorFrame("", "connection limit reached"))
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	_, present := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if present {
		s.metrics.activeConnections.Dec()
	}
}
