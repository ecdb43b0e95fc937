package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/empirion-ai/empirion/pkg/empirion/assistant"
)

// HTTPStore talks to the app-store service over its JSON API.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(baseURL string, logger *slog.Logger) *HTTPStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger.With("component", "store"),
	}
}

// SearchApps implements assistant.Store.
func (s *HTTPStore) SearchApps(ctx context.Context, query string, limit int) ([]assistant.App, error) {
	u := s.baseURL + "/api/apps/search?q=" + url.QueryEscape(query) + "&limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Results []assistant.App `json:"results"`
	}
	if err := s.do(req, &body); err != nil {
		return nil, fmt.Errorf("search apps: %w", err)
	}
	return body.Results, nil
}

// InstallApp implements assistant.Store.
func (s *HTTPStore) InstallApp(ctx context.Context, packageName string) error {
	return s.post(ctx, "/api/apps/install", packageName)
}

// UninstallApp implements assistant.Store.
func (s *HTTPStore) UninstallApp(ctx context.Context, packageName string) error {
	return s.post(ctx, "/api/apps/uninstall", packageName)
}

func (s *HTTPStore) post(ctx context.Context, path, packageName string) error {
	payload, err := json.Marshal(map[string]string{"package_name": packageName})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	s.logger.Info("store operation", "path", path, "package_name", packageName)
	return s.do(req, nil)
}

func (s *HTTPStore) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
