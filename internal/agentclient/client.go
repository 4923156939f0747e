// Package agentclient is the typed HTTP client for the agent's local
// control-plane API.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tracklet/tracklet/internal/api"
)

const (
	headerAgentToken    = "X-Agent-Token"
	defaultUnaryTimeout = 10 * time.Second
)

// ErrUnauthorized marks a shared-secret failure. Callers must treat it as
// fatal and stop instead of retrying against a misconfigured endpoint.
var ErrUnauthorized = errors.New("agent token rejected")

type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(baseURL, token string) *Client {
	return NewWithClient(baseURL, token, nil)
}

func NewWithClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.request(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Version(ctx context.Context) (api.VersionResponse, error) {
	var out api.VersionResponse
	err := c.request(ctx, http.MethodGet, "/version", nil, &out)
	return out, err
}

func (c *Client) Diag(ctx context.Context) (api.DiagResponse, error) {
	var out api.DiagResponse
	err := c.request(ctx, http.MethodGet, "/diag", nil, &out)
	return out, err
}

func (c *Client) PostIdle(ctx context.Context, req api.IdleEventRequest) error {
	return c.request(ctx, http.MethodPost, "/events/idle", req, nil)
}

func (c *Client) PostAppFocus(ctx context.Context, req api.AppFocusEventRequest) error {
	return c.request(ctx, http.MethodPost, "/events/app-focus", req, nil)
}

func (c *Client) PostWebEvent(ctx context.Context, req api.WebEventRequest) error {
	return c.request(ctx, http.MethodPost, "/events/web", req, nil)
}

func (c *Client) request(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(headerAgentToken, c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		var envelope api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			reqErr.Code = envelope.Error.Code
			reqErr.Message = envelope.Error.Message
		}
		return reqErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
