package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/empirion-ai/empirion/pkg/empirion/assistant"
	"github.com/empirion-ai/empirion/pkg/empirion/auth"
	"github.com/empirion-ai/empirion/pkg/empirion/events"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// tokenAuth accepts exactly one token for any user.
type tokenAuth struct{ token string }

func (a *tokenAuth) Authenticate(_ context.Context, _, token string) error {
	if token != a.token {
		return auth.ErrInvalidCredentials
	}
	return nil
}

type testEnv struct {
	srv *Server
	bus *events.Bus
	ts  *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	bus := events.NewBus(nil)
	router := assistant.NewRouter(nil)
	router.Register(protocol.RequestText, assistant.HandlerFunc(
		func(_ context.Context, _, content string, _ map[string]any) (*assistant.Result, error) {
			return &assistant.Result{Status: assistant.StatusSuccess, Content: map[string]string{"echo": content}}, nil
		}))

	srv := New(cfg, &tokenAuth{token: "good"}, router, bus, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		ts.Close()
	})
	return &testEnv{srv: srv, bus: bus, ts: ts}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v (raw %s)", err, data)
	}
	return f
}

func writeJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// authenticate dials, consumes the welcome frame, and completes auth.
func (e *testEnv) authenticate(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := e.dial(t)
	welcome := readFrame(t, conn)
	if welcome.Type != protocol.FrameConnection || welcome.ClientID == "" {
		t.Fatalf("welcome frame = %+v", welcome)
	}
	writeJSON(t, conn, `{"type":"auth","data":{"user_id":"u1","token":"good"}}`)
	resp := readFrame(t, conn)
	if resp.Type != protocol.FrameAuthResponse || resp.Success == nil || !*resp.Success {
		t.Fatalf("auth response = %+v", resp)
	}
	return conn
}

func TestWelcomeFrameCarriesClientID(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)

	f := readFrame(t, conn)
	if f.Type != protocol.FrameConnection {
		t.Fatalf("first frame type = %q", f.Type)
	}
	if f.ClientID == "" {
		t.Fatal("welcome frame missing client_id")
	}
}

func TestUnauthenticatedFramesAreRejectedButConnectionSurvives(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	for _, raw := range []string{
		`{"type":"request","request_id":"r1","data":{"type":"text","content":"hi"}}`,
		`{"type":"subscribe","events":["call"]}`,
		`{"type":"ping"}`,
	} {
		writeJSON(t, conn, raw)
		f := readFrame(t, conn)
		if f.Type != protocol.FrameError {
			t.Fatalf("frame %s: got type %q, want error", raw, f.Type)
		}
	}

	// The connection is still usable: auth succeeds afterwards.
	writeJSON(t, conn, `{"type":"auth","data":{"user_id":"u1","token":"good"}}`)
	f := readFrame(t, conn)
	if f.Type != protocol.FrameAuthResponse || !*f.Success {
		t.Fatalf("auth after protocol errors = %+v", f)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"request","request_id":"r1","data":{"type":"text","content":"hi"}}`)
	f := readFrame(t, conn)
	if f.Type != protocol.FrameResponse || f.RequestID != "r1" {
		t.Fatalf("response = %+v", f)
	}
	if f.Status != assistant.StatusSuccess {
		t.Fatalf("status = %q", f.Status)
	}
	content, _ := f.Content.(map[string]any)
	if content["echo"] != "hi" {
		t.Fatalf("content = %v", f.Content)
	}
}

func TestAuthFailureThresholdClosesConnection(t *testing.T) {
	env := newTestEnv(t, Config{MaxAuthFailures: 2})
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	for i := 0; i < 2; i++ {
		writeJSON(t, conn, `{"type":"auth","data":{"user_id":"u1","token":"bad"}}`)
		f := readFrame(t, conn)
		if f.Type != protocol.FrameAuthResponse || *f.Success {
			t.Fatalf("attempt %d: frame = %+v", i, f)
		}
	}

	// Past the threshold the server closes the socket.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close after repeated auth failures")
	}
}

func TestDuplicateRequestIDRejectedWhilePending(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, Config{})
	env.srv.router.Register(protocol.RequestAction, assistant.HandlerFunc(
		func(ctx context.Context, _, _ string, _ map[string]any) (*assistant.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &assistant.Result{Status: assistant.StatusSuccess, Content: "done"}, nil
		}))

	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"request","request_id":"r1","data":{"type":"action","content":"wait"}}`)
	writeJSON(t, conn, `{"type":"request","request_id":"r1","data":{"type":"action","content":"wait"}}`)

	f := readFrame(t, conn)
	if f.Type != protocol.FrameError || f.RequestID != "r1" {
		t.Fatalf("duplicate request frame = %+v", f)
	}

	close(release)
	f = readFrame(t, conn)
	if f.Type != protocol.FrameResponse || f.RequestID != "r1" {
		t.Fatalf("terminal response = %+v", f)
	}

	// The id is free again once the terminal response arrived.
	writeJSON(t, conn, `{"type":"request","request_id":"r1","data":{"type":"text","content":"again"}}`)
	f = readFrame(t, conn)
	if f.Type != protocol.FrameResponse || f.RequestID != "r1" {
		t.Fatalf("reused id response = %+v", f)
	}
}

func TestRequestTimeoutYieldsErrorResponse(t *testing.T) {
	env := newTestEnv(t, Config{RequestTimeout: 50 * time.Millisecond})
	env.srv.router.Register(protocol.RequestAction, assistant.HandlerFunc(
		func(ctx context.Context, _, _ string, _ map[string]any) (*assistant.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	conn := env.authenticate(t)
	writeJSON(t, conn, `{"type":"request","request_id":"slow","data":{"type":"action","content":"wait"}}`)

	f := readFrame(t, conn)
	if f.Type != protocol.FrameResponse || f.RequestID != "slow" {
		t.Fatalf("timeout frame = %+v", f)
	}
	if f.Status != assistant.StatusError {
		t.Fatalf("status = %q, want error", f.Status)
	}
}

func TestDeadlineAbandonsHandlerIgnoringContext(t *testing.T) {
	block := make(chan struct{})
	env := newTestEnv(t, Config{RequestTimeout: 50 * time.Millisecond})
	env.srv.router.Register(protocol.RequestAction, assistant.HandlerFunc(
		func(_ context.Context, _, _ string, _ map[string]any) (*assistant.Result, error) {
			<-block
			return &assistant.Result{Status: assistant.StatusSuccess, Content: "late"}, nil
		}))
	t.Cleanup(func() { close(block) })

	conn := env.authenticate(t)
	writeJSON(t, conn, `{"type":"request","request_id":"stuck","data":{"type":"action","content":"wait"}}`)

	f := readFrame(t, conn)
	if f.Type != protocol.FrameResponse || f.RequestID != "stuck" {
		t.Fatalf("deadline frame = %+v", f)
	}
	if f.Status != assistant.StatusError {
		t.Fatalf("status = %q, want error", f.Status)
	}

	// The abandoned id is free for reuse immediately.
	writeJSON(t, conn, `{"type":"request","request_id":"stuck","data":{"type":"text","content":"hi"}}`)
	f = readFrame(t, conn)
	if f.Type != protocol.FrameResponse || f.RequestID != "stuck" || f.Status != assistant.StatusSuccess {
		t.Fatalf("reused id response = %+v", f)
	}
}

func TestSubscribeIsIdempotentAndEventsDeliverOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"subscribe","events":["call"]}`)
	if f := readFrame(t, conn); f.Type != protocol.FrameSubscribed {
		t.Fatalf("first subscribe confirmation = %+v", f)
	}
	writeJSON(t, conn, `{"type":"subscribe","events":["call"]}`)
	if f := readFrame(t, conn); f.Type != protocol.FrameSubscribed {
		t.Fatalf("second subscribe confirmation = %+v", f)
	}

	env.bus.Publish(protocol.CategoryCall, map[string]string{"number": "+15551234"})

	f := readFrame(t, conn)
	if f.Type != protocol.FrameEvent || f.EventType != "call" {
		t.Fatalf("event frame = %+v", f)
	}
	var payload map[string]string
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["number"] != "+15551234" {
		t.Fatalf("payload = %v", payload)
	}

	// Exactly one copy: a ping exchange proves nothing else is queued.
	writeJSON(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != protocol.FramePong {
		t.Fatalf("expected pong after single event, got %+v", f)
	}
}

func TestEventsOnlyReachSubscribedCategories(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"subscribe","events":["message"]}`)
	readFrame(t, conn) // confirmation

	env.bus.Publish(protocol.CategoryCall, "ring")
	env.bus.Publish(protocol.CategoryMessage, "hello")

	f := readFrame(t, conn)
	if f.Type != protocol.FrameEvent || f.EventType != "message" {
		t.Fatalf("got %+v, want message event only", f)
	}
}

func TestUnknownSubscribeCategory(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"subscribe","events":["weather","call"]}`)
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("frame = %+v, want error for unknown category", f)
	}
	f = readFrame(t, conn)
	if f.Type != protocol.FrameSubscribed {
		t.Fatalf("frame = %+v, want confirmation for known category", f)
	}
}

func TestMalformedFrameIsConnectionFatal(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)
	readFrame(t, conn) // welcome

	writeJSON(t, conn, `{{{not json`)

	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("frame = %+v, want error", f)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close after decode error")
	}
}

func TestMaxConnectionsRejectsExtraClient(t *testing.T) {
	env := newTestEnv(t, Config{MaxConnections: 2})

	first := env.dial(t)
	readFrame(t, first)
	second := env.dial(t)
	readFrame(t, second)

	third := env.dial(t)
	f := readFrame(t, third)
	if f.Type != protocol.FrameError {
		t.Fatalf("over-limit frame = %+v, want terminal error", f)
	}
	third.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := third.ReadMessage(); err == nil {
		t.Fatal("expected over-limit connection to be closed")
	}

	// Existing connections are unaffected.
	writeJSON(t, first, `{"type":"auth","data":{"user_id":"u1","token":"good"}}`)
	if f := readFrame(t, first); f.Type != protocol.FrameAuthResponse || !*f.Success {
		t.Fatalf("existing connection broken: %+v", f)
	}
}

func TestDisconnectRemovesBusRegistrations(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"subscribe","events":["system"]}`)
	readFrame(t, conn)

	if n := env.bus.Subscribers(protocol.CategorySystem); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env.bus.Subscribers(protocol.CategorySystem) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bus registration survived disconnect")
}

func TestStatusFrameReportsStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.authenticate(t)

	writeJSON(t, conn, `{"type":"status"}`)
	f := readFrame(t, conn)
	if f.Type != protocol.FrameStatusResponse {
		t.Fatalf("frame = %+v", f)
	}
	stats, _ := f.Content.(map[string]any)
	if stats["connections"] != float64(1) {
		t.Fatalf("stats = %v", f.Content)
	}
}
