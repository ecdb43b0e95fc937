package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Completer produces a chat completion for a user prompt. The gateway treats
// the model behind it as an external collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []Message) (string, error)
}

// ChatHandler serves text requests: it replays recent conversation history
// to the completer and records both sides of the exchange.
type ChatHandler struct {
	completer    Completer
	history      *HistoryStore
	historyDepth int
	logger       *slog.Logger
}

// NewChatHandler creates a chat handler. history may be nil, in which case
// every request is answered without context.
func NewChatHandler(completer Completer, history *HistoryStore, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		completer:    completer,
		history:      history,
		historyDepth: 20,
		logger:       logger.With("component", "chat"),
	}
}

// Handle implements Handler for text requests.
func (c *ChatHandler) Handle(ctx context.Context, userID, content string, _ map[string]any) (*Result, error) {
	var past []Message
	if c.history != nil {
		var err error
		past, err = c.history.Recent(userID, c.historyDepth)
		if err != nil {
			// History is context, not correctness. Answer without it.
			c.logger.Warn("loading history failed", "user_id", userID, "error", err)
		}
	}

	reply, err := c.completer.Complete(ctx, content, past)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if c.history != nil {
		if err := c.history.Append(userID, "user", content); err != nil {
			c.logger.Warn("recording user turn failed", "error", err)
		}
		if err := c.history.Append(userID, "assistant", reply); err != nil {
			c.logger.Warn("recording assistant turn failed", "error", err)
		}
	}

	return &Result{
		Status:  StatusSuccess,
		Content: map[string]string{"response": reply},
	}, nil
}

// HTTPCompleter calls an OpenAI-compatible chat completions endpoint.
type HTTPCompleter struct {
	baseURL string
	apiKey  string
	model   string
	system  string
	client  *http.Client
}

// NewHTTPCompleter creates a completer for an OpenAI-compatible API.
// Per-call deadlines come from the request context, so the HTTP client
// carries no global timeout.
func NewHTTPCompleter(baseURL, apiKey, model, systemPrompt string) *HTTPCompleter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPCompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		system:  systemPrompt,
		client:  &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete implements Completer.
func (h *HTTPCompleter) Complete(ctx context.Context, prompt string, history []Message) (string, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	if h.system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: h.system})
	}
	for _, m := range history {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(map[string]any{
		"model":    h.model,
		"messages": msgs,
	})
	if err != nil {
		return "", fmt.Errorf("encoding completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling completion API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion API returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion API returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
