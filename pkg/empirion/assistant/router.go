// Package assistant routes authenticated client requests to capability
// handlers. The router is stateless per call: it owns the mapping from
// request type to handler and converts every handler failure into a
// well-formed error result so the calling session can always emit a
// response frame.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// Result status values mirrored onto the response frame.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the terminal outcome of one dispatched request.
type Result struct {
	Status  string `json:"status"`
	Content any    `json:"content"`
}

// Handler performs one category of capability work (chat completion, voice
// transcription, device action). Implementations must honor ctx; a call
// exceeding the session's request deadline is abandoned by the caller.
type Handler interface {
	Handle(ctx context.Context, userID, content string, metadata map[string]any) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, userID, content string, metadata map[string]any) (*Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, userID, content string, metadata map[string]any) (*Result, error) {
	return f(ctx, userID, content, metadata)
}

// Router maps request types to capability handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.RequestType]Handler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[protocol.RequestType]Handler),
		logger:   logger.With("component", "router"),
	}
}

// Register binds a handler to a request type, replacing any previous one.
func (r *Router) Register(t protocol.RequestType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Capabilities returns the registered request types, sorted. The gateway
// announces them in the connection frame.
func (r *Router) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		caps = append(caps, string(t))
	}
	sort.Strings(caps)
	return caps
}

// Dispatch routes one request to its handler and always returns a result:
// unknown types, handler errors, and deadline expiry all come back as
// Status == StatusError rather than propagating.
func (r *Router) Dispatch(ctx context.Context, userID string, req protocol.RequestPayload) *Result {
	r.mu.RLock()
	h, ok := r.handlers[req.Type]
	r.mu.RUnlock()
	if !ok {
		return errorResult(fmt.Sprintf("unsupported request type %q", req.Type))
	}

	start := time.Now()
	res, err := h.Handle(ctx, userID, req.Content, req.Metadata)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.logger.Warn("capability call timed out",
			"type", req.Type, "user_id", userID, "elapsed", elapsed)
		return errorResult("request timed out")
	case err != nil:
		r.logger.Warn("capability call failed",
			"type", req.Type, "user_id", userID, "error", err)
		return errorResult(err.Error())
	case res == nil:
		return errorResult("handler returned no result")
	}

	if res.Status == "" {
		res.Status = StatusSuccess
	}
	r.logger.Debug("request dispatched",
		"type", req.Type, "user_id", userID, "status", res.Status, "elapsed", elapsed)
	return res
}

func errorResult(message string) *Result {
	return &Result{Status: StatusError, Content: map[string]string{"message": message}}
}
