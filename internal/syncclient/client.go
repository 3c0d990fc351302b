package syncclient

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

	"github.com/roach88/tillguard/internal/reconcile"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 15 * time.Second

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sync server returned %d", e.Status)
	}
	return fmt.Sprintf("sync server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client calls the server sync endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for baseURL authenticating with token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewClientWithHTTP(baseURL, token, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP uses hc for transport.
func NewClientWithHTTP(baseURL, token string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// Push sends a batch.
func (c *Client) Push(ctx context.Context, req reconcile.PushRequest) (reconcile.PushResult, error) {
	var out reconcile.PushResult
	err := c.post(ctx, "/v1/sync/push", req, &out)
	return out, err
}

// Pull fetches one page of server events.
func (c *Client) Pull(ctx context.Context, req reconcile.PullRequest) (reconcile.PullResult, error) {
	var out reconcile.PullResult
	err := c.post(ctx, "/v1/sync/pull", req, &out)
	return out, err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &StatusError{Status: resp.StatusCode}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		se := &StatusError{Status: resp.StatusCode}
		if env.Error != nil {
			se.Code, se.Message = env.Error.Code, env.Error.Message
		}
		return se
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

// unreachable reports whether err means the server could not be reached
// or is temporarily unable to serve.
func unreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
