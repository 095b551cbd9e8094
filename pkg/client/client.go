// Package client is a thin Go client for the syncd node API. Register
// clients (tills, fuel controllers, back-office tools) use it to submit
// mutations and to inspect sync, conflict, and credit state without
// speaking HTTP directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a single syncd node.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a Client for the node at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError carries the problem detail returned by the node.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("syncd: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("syncd: %s (status %d)", e.Detail, e.StatusCode)
}

// Health returns the node's public health status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitMutation queues a mutation on the node. The returned ack carries
// the operation ID to reuse as an idempotency key on retries.
func (c *Client) SubmitMutation(ctx context.Context, m Mutation) (*EnqueueAck, error) {
	var out EnqueueAck
	if err := c.do(ctx, http.MethodPost, "/api/v1/mutations", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncState returns the synchronization status of the given node.
func (c *Client) SyncState(ctx context.Context, nodeID string) (*SyncState, error) {
	var out SyncState
	path := "/api/v1/sync/state/" + url.PathEscape(nodeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerResync requeues failed operations and starts a sync cycle.
// It returns the number of operations returned to the queue.
func (c *Client) TriggerResync(ctx context.Context) (int64, error) {
	var out struct {
		Requeued int64 `json:"requeued"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/trigger", nil, &out); err != nil {
		return 0, err
	}
	return out.Requeued, nil
}

// SetConnectivity reports a connectivity change to the node.
func (c *Client) SetConnectivity(ctx context.Context, connected bool) error {
	body := map[string]bool{"connected": connected}
	return c.do(ctx, http.MethodPost, "/api/v1/connectivity", body, nil)
}

// Conflicts lists recorded conflicts, optionally only unresolved ones.
func (c *Client) Conflicts(ctx context.Context, pendingOnly bool) ([]Conflict, error) {
	path := "/api/v1/conflicts"
	if pendingOnly {
		path += "?status=pending"
	}
	var out struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

// ResolveConflict applies an operator's decision to a pending conflict.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, res Resolution) error {
	path := "/api/v1/conflicts/" + url.PathEscape(conflictID) + "/resolve"
	return c.do(ctx, http.MethodPost, path, res, nil)
}

// FlaggedCredit lists offline charges that failed verification. An empty
// accountID lists all accounts.
func (c *Client) FlaggedCredit(ctx context.Context, accountID string) ([]FlaggedCharge, error) {
	path := "/api/v1/credit/flagged"
	if accountID != "" {
		path += "?account_id=" + url.QueryEscape(accountID)
	}
	var out struct {
		Flagged []FlaggedCharge `json:"flagged"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Flagged, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError extracts the RFC 7807 detail, falling back to the raw body.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var problem struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	detail := ""
	if err := json.Unmarshal(raw, &problem); err == nil {
		detail = problem.Detail
		if detail == "" {
			detail = problem.Title
		}
	}
	if detail == "" && len(bytes.TrimSpace(raw)) > 0 {
		detail = strconv.Quote(string(bytes.TrimSpace(raw)))
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}
