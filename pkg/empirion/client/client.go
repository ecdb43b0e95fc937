// Package client is the Go client for an Empirion gateway. It maintains a
// single authenticated WebSocket connection, reconnecting with capped
// exponential backoff when it drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrClosed is returned from calls made after Close.
var ErrClosed = errors.New("client closed")

// Config parameterizes the client.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://host:8765/ws.
	URL    string
	UserID string
	Token  string

	// RequestTimeout bounds one Request call. Zero means 30s.
	RequestTimeout time.Duration

	// MaxBackoff caps the reconnect delay. Zero means 30s.
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Client talks to one gateway. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  map[string]chan *protocol.Frame
	subs     []string
	clientID string
	closed   bool

	events chan *protocol.Frame
	done   chan struct{}
}

// New creates a client. Connect must be called before use.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "client"),
		pending: make(map[string]chan *protocol.Frame),
		events:  make(chan *protocol.Frame, 32),
		done:    make(chan struct{}),
	}
}

// Connect dials the gateway and completes the auth handshake. On success a
// background read loop starts; if the connection later drops, the client
// reconnects on its own until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()

	go c.readLoop(conn)

	// Restore subscriptions from before a reconnect.
	if len(subs) > 0 {
		if err := c.writeFrame(&protocol.Frame{Type: protocol.FrameSubscribe, Events: subs}); err != nil {
			return err
		}
	}
	return nil
}

// dial performs the connect, welcome, and auth exchange on a fresh socket.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	welcome, err := c.readHandshakeFrame(ctx, conn, protocol.FrameConnection)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.mu.Lock()
	c.clientID = welcome.ClientID
	c.mu.Unlock()

	authFrame := &protocol.Frame{
		Type: protocol.FrameAuth,
		Auth: &protocol.AuthData{UserID: c.cfg.UserID, Token: c.cfg.Token},
	}
	data, err := protocol.Encode(authFrame)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	resp, err := c.readHandshakeFrame(ctx, conn, protocol.FrameAuthResponse)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Success == nil || !*resp.Success {
		conn.Close()
		return nil, fmt.Errorf("authentication rejected: %s", resp.Message)
	}

	c.logger.Info("connected", "client_id", welcome.ClientID)
	return conn, nil
}

func (c *Client) readHandshakeFrame(ctx context.Context, conn *websocket.Conn, want protocol.FrameType) (*protocol.Frame, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("awaiting %s frame: %w", want, err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if f.Type != want {
		if f.Type == protocol.FrameError {
			return nil, fmt.Errorf("server error: %s", f.Message)
		}
		return nil, fmt.Errorf("unexpected %s frame during handshake", f.Type)
	}
	return f, nil
}

// readLoop routes inbound frames until the connection drops, then kicks off
// reconnection unless the client was closed.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable server frame", "error", err)
			continue
		}
		c.route(f)
	}

	conn.Close()
	c.failPending(errors.New("connection lost"))

	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if !closed {
		go c.reconnect()
	}
}

func (c *Client) route(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameResponse, protocol.FrameError:
		if f.RequestID == "" {
			if f.Type == protocol.FrameError {
				c.logger.Warn("server error", "message", f.Message)
			}
			return
		}
		c.mu.Lock()
		ch := c.pending[f.RequestID]
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}

	case protocol.FrameEvent:
		select {
		case c.events <- f:
		default:
			c.logger.Debug("event dropped, consumer too slow", "event_type", f.EventType)
		}

	case protocol.FrameSubscribed, protocol.FramePong, protocol.FrameStatusResponse:
		// Informational; nothing waits on these outside the handshake.

	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// reconnect retries Connect with exponential backoff until it succeeds or
// the client is closed.
func (c *Client) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.logger.Info("reconnecting", "backoff", backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn("reconnect failed", "error", err)
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id assigned by the gateway, empty before the first
// successful handshake.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Events delivers event frames for subscribed categories.
func (c *Client) Events() <-chan *protocol.Frame {
	return c.events
}

// Request sends one capability request and waits for its terminal response.
func (c *Client) Request(ctx context.Context, reqType protocol.RequestType, content string, metadata map[string]any) (*protocol.Frame, error) {
	requestID := uuid.NewString()
	ch := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	f := &protocol.Frame{
		Type:      protocol.FrameRequest,
		RequestID: requestID,
		Request:   &protocol.RequestPayload{Type: reqType, Content: content, Metadata: metadata},
	}
	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, err
	}

	timeout := c.cfg.RequestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Type == protocol.FrameError {
			return nil, fmt.Errorf("request rejected: %s", resp.Message)
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("request %s timed out after %s", requestID, timeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Subscribe registers for event categories. Subscriptions survive
// reconnects.
func (c *Client) Subscribe(categories ...string) error {
	if len(categories) == 0 {
		return nil
	}
	c.mu.Lock()
	existing := make(map[string]struct{}, len(c.subs))
	for _, s := range c.subs {
		existing[s] = struct{}{}
	}
	for _, cat := range categories {
		if _, ok := existing[cat]; !ok {
			c.subs = append(c.subs, cat)
		}
	}
	c.mu.Unlock()

	return c.writeFrame(&protocol.Frame{Type: protocol.FrameSubscribe, Events: categories})
}

// Ping sends a liveness probe. The pong is consumed by the read loop.
func (c *Client) Ping() error {
	return c.writeFrame(&protocol.Frame{Type: protocol.FramePing})
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return errors.New("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Frame)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- protocol.NewErrorFrame(id, err.Error())
	}
}

// Close tears the connection down and stops reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}
