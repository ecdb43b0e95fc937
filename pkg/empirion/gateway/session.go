package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/empirion-ai/empirion/pkg/empirion/assistant"
	"github.com/empirion-ai/empirion/pkg/empirion/events"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// maxMessageSize bounds one inbound frame. Voice requests carry
	// base64 audio, so this is generous.
	maxMessageSize = 1 << 20

	// flushWait bounds how long teardown waits for the write pump to
	// drain queued frames.
	flushWait = 2 * time.Second
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// Session owns the server-side state for one client connection: auth state,
// the subscription set, the in-flight request table, and the bounded
// outbound queue that is the only path to the wire. Inbound frames are
// processed one at a time by the read loop; dispatch results and bus
// events arrive asynchronously through the queue.
type Session struct {
	id   string
	srv  *Server
	conn *websocket.Conn

	mu        sync.Mutex
	state     sessionState
	userID    string
	pending   map[string]time.Time
	subs      map[protocol.EventCategory]struct{}
	authFails int

	out        chan *protocol.Frame
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	logger *slog.Logger
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		srv:        srv,
		conn:       conn,
		pending:    make(map[string]time.Time),
		subs:       make(map[protocol.EventCategory]struct{}),
		out:        make(chan *protocol.Frame, srv.cfg.OutboundQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     srv.logger.With("client_id", id),
	}
}

// ID returns the generated client id.
func (s *Session) ID() string { return s.id }

// run drives the connection until it closes. It blocks for the life of the
// session; the caller's goroutine is the read loop.
func (s *Session) run() {
	s.logger.Info("client connected", "remote", s.conn.RemoteAddr().String())
	go s.writePump()

	s.send(protocol.NewConnectionFrame(s.id, s.srv.cfg.Capabilities))
	s.readLoop()
	s.close()

	// Give the write pump a chance to flush queued responses.
	select {
	case <-s.writerDone:
	case <-time.After(flushWait):
	}
	s.conn.Close()

	s.srv.bus.Drop(s)
	s.srv.removeSession(s)

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.logger.Info("client disconnected")
}

// close moves the session to Closing exactly once and wakes both pumps.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) readLoop() {
	liveness := s.srv.cfg.HeartbeatInterval
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(liveness))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("read loop ended", "error", err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(liveness))

		f, err := protocol.Decode(data)
		if err != nil {
			// Decode failures are connection-fatal: report once, then close.
			s.srv.metrics.decodeErrors.Inc()
			s.logger.Warn("dropping client after decode error", "error", err)
			s.send(protocol.NewErrorFrame("", err.Error()))
			return
		}
		s.srv.metrics.framesIn.WithLabelValues(string(f.Type)).Inc()
		s.handleFrame(f)
	}
}

// handleFrame processes one inbound frame. Only auth is allowed before
// authentication; everything else is a protocol error that keeps the
// connection open.
func (s *Session) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameAuth:
		s.handleAuth(f.Auth)

	case protocol.FrameRequest:
		if !s.requireAuth(f.RequestID) {
			return
		}
		s.handleRequest(f.RequestID, f.Request)

	case protocol.FrameSubscribe:
		if !s.requireAuth("") {
			return
		}
		s.handleSubscribe(f.Events)

	case protocol.FramePing:
		if !s.requireAuth("") {
			return
		}
		s.send(&protocol.Frame{Type: protocol.FramePong})

	case protocol.FrameStatus:
		if !s.requireAuth("") {
			return
		}
		s.send(&protocol.Frame{
			Type:    protocol.FrameStatusResponse,
			Content: s.srv.Stats(),
		})

	default:
		// A structurally valid frame that only the server may send.
		s.send(protocol.NewErrorFrame("", fmt.Sprintf("unexpected frame type %q", f.Type)))
	}
}

// requireAuth reports whether the session is authenticated, emitting a
// protocol error frame when it is not.
func (s *Session) requireAuth(requestID string) bool {
	s.mu.Lock()
	ok := s.state == stateAuthenticated
	s.mu.Unlock()
	if !ok {
		s.send(protocol.NewErrorFrame(requestID, "authentication required"))
	}
	return ok
}

func (s *Session) handleAuth(a *protocol.AuthData) {
	s.mu.Lock()
	if s.state == stateAuthenticated {
		s.mu.Unlock()
		s.send(protocol.NewErrorFrame("", "already authenticated"))
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if err := s.srv.authenticator.Authenticate(ctx, a.UserID, a.Token); err != nil {
		s.srv.metrics.authFailures.Inc()

		s.mu.Lock()
		s.authFails++
		fails := s.authFails
		s.mu.Unlock()

		s.logger.Warn("authentication failed", "user_id", a.UserID, "attempts", fails)
		s.send(protocol.NewAuthResponseFrame(false, "invalid credentials"))
		if fails >= s.srv.cfg.MaxAuthFailures {
			s.logger.Warn("closing client after repeated auth failures", "attempts", fails)
			s.close()
		}
		return
	}

	s.mu.Lock()
	s.state = stateAuthenticated
	s.userID = a.UserID
	s.mu.Unlock()

	s.logger.Info("client authenticated", "user_id", a.UserID)
	s.send(protocol.NewAuthResponseFrame(true, ""))
}

func (s *Session) handleRequest(requestID string, req *protocol.RequestPayload) {
	s.mu.Lock()
	if _, inFlight := s.pending[requestID]; inFlight {
		s.mu.Unlock()
		s.send(protocol.NewErrorFrame(requestID, "request id already in flight"))
		return
	}
	s.pending[requestID] = time.Now()
	userID := s.userID
	s.mu.Unlock()

	// Dispatch off the read loop so one slow capability call does not
	// stall this session's inbound processing or any other session.
	go s.dispatch(userID, requestID, *req)
}

func (s *Session) dispatch(userID, requestID string, req protocol.RequestPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.RequestTimeout)
	defer cancel()

	timer := prometheus.NewTimer(s.srv.metrics.dispatchSeconds)
	resCh := make(chan *assistant.Result, 1)
	go func() {
		resCh <- s.srv.router.Dispatch(ctx, userID, req)
	}()

	// The deadline is authoritative: a handler that ignores its context is
	// abandoned, the id freed, and the timeout reported as the terminal
	// outcome.
	var res *assistant.Result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		s.logger.Warn("abandoning capability call at deadline",
			"request_id", requestID, "type", req.Type)
		res = &assistant.Result{
			Status:  assistant.StatusError,
			Content: map[string]string{"message": "request timed out"},
		}
	}
	timer.ObserveDuration()

	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()

	s.send(protocol.NewResponseFrame(requestID, res.Status, res.Content))
}

func (s *Session) handleSubscribe(names []string) {
	var cats []protocol.EventCategory
	var unknown []string
	for _, name := range names {
		cat, ok := protocol.ParseCategory(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		cats = append(cats, cat)
	}

	if len(unknown) > 0 {
		s.send(protocol.NewErrorFrame("", "unknown event categories: "+strings.Join(unknown, ", ")))
	}
	if len(cats) == 0 {
		return
	}

	s.srv.bus.Subscribe(s, cats...)

	s.mu.Lock()
	for _, cat := range cats {
		s.subs[cat] = struct{}{}
	}
	current := make([]string, 0, len(s.subs))
	for cat := range s.subs {
		current = append(current, string(cat))
	}
	s.mu.Unlock()
	sort.Strings(current)

	s.send(&protocol.Frame{Type: protocol.FrameSubscribed, Events: current})
}

// Notify implements events.Subscriber. Events are droppable: when the
// outbound queue is full the event is counted and discarded rather than
// stalling the publisher or the session.
func (s *Session) Notify(ev events.Event) bool {
	f, err := protocol.NewEventFrame(ev.Category, ev.Payload)
	if err != nil {
		s.logger.Warn("unencodable event payload", "category", ev.Category, "error", err)
		return false
	}
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	default:
		s.srv.metrics.droppedEvents.Inc()
		s.logger.Debug("event dropped, outbound queue full", "category", ev.Category)
		return false
	}
}

// send enqueues a frame that must not be silently dropped (responses,
// auth responses, errors). A full queue blocks the caller until the write
// pump makes room; a closing session discards the frame instead.
func (s *Session) send(f *protocol.Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) writePump() {
	defer close(s.writerDone)

	pingPeriod := s.srv.cfg.HeartbeatInterval * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			if err := s.writeFrame(f); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.close()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}

		case <-s.done:
			// Flush whatever is queued, then say goodbye.
			for {
				select {
				case f := <-s.out:
					if err := s.writeFrame(f); err != nil {
						return
					}
				default:
					deadline := time.Now().Add(writeWait)
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
					return
				}
			}
		}
	}
}

func (s *Session) writeFrame(f *protocol.Frame) error {
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := protocol.Encode(f)
	if err != nil {
		// A caller put an unmarshalable value in a frame. Skip the frame
		// rather than killing the connection.
		s.logger.Error("frame encode failed", "type", f.Type, "error", err)
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.srv.metrics.framesOut.WithLabelValues(string(f.Type)).Inc()
	return nil
}

// authenticated reports whether the session has completed auth.
func (s *Session) authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAuthenticated
}
