package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a running audetic's loopback control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Report mirrors the update run report the service returns.
type Report struct {
	RunID           string `json:"run_id"`
	Outcome         string `json:"outcome"`
	Phase           string `json:"phase"`
	Channel         string `json:"channel,omitempty"`
	CurrentVersion  string `json:"current_version"`
	RemoteVersion   string `json:"remote_version,omitempty"`
	NotesURL        string `json:"notes_url,omitempty"`
	Message         string `json:"message"`
	RestartRequired bool   `json:"restart_required"`
}

type InstallRequest struct {
	Channel string `json:"channel,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

type AutoUpdateResponse struct {
	Success    bool   `json:"success"`
	AutoUpdate bool   `json:"auto_update"`
	Message    string `json:"message"`
}

type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Error is a non-2xx reply.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("audetic API returned %d: %s", e.StatusCode, e.Message)
}

// NewClient targets addr, e.g. 127.0.0.1:7337.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{
		baseURL: "http://" + addr,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	// /health answers 503 with a body when a component is unhealthy.
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Check(ctx context.Context) (*Report, error) {
	var rep Report
	if err := c.do(ctx, http.MethodGet, "/update/check", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) Install(ctx context.Context, req InstallRequest) (*Report, error) {
	var rep Report
	if err := c.do(ctx, http.MethodPost, "/update/install", req, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) SetAutoUpdate(ctx context.Context, enabled bool) (*AutoUpdateResponse, error) {
	var resp AutoUpdateResponse
	body := map[string]bool{"enabled": enabled}
	if err := c.do(ctx, http.MethodPut, "/update/auto", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, okStatus ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range okStatus {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		var e struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = string(raw)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
