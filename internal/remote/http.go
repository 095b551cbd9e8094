package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/forecourt/syncd/internal/types"
)

// Client is the HTTP implementation of Authority, talking to the central
// system (or a peer node acting as one). Transient failures inside a
// single attempt are retried briefly with exponential backoff; anything
// still failing is reported to the orchestrator, whose queue-level backoff
// owns the long game.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryBase  time.Duration
	maxRetries uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAttemptRetries tunes the in-attempt retry budget.
func WithAttemptRetries(max uint64, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBase = base
	}
}

// NewClient creates an authority client for the given base URL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryBase:  200 * time.Millisecond,
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks the authority's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Apply submits one queued operation for remote application.
func (c *Client) Apply(ctx context.Context, op types.SyncOperation) (*ApplyResult, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/sync/apply", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result ApplyResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode apply result: %w", err)
		}
		return &result, nil
	case http.StatusConflict:
		var remote types.EntityVersion
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
			return nil, fmt.Errorf("decode conflict version: %w", err)
		}
		return nil, &ConflictError{Remote: remote}
	default:
		return nil, statusError(resp)
	}
}

// FetchVersion reads the authority's current version of an entity.
func (c *Client) FetchVersion(ctx context.Context, entityType, entityID string) (*types.EntityVersion, error) {
	path := fmt.Sprintf("/api/v1/entities/%s/%s/version",
		url.PathEscape(entityType), url.PathEscape(entityID))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var v types.EntityVersion
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("decode entity version: %w", err)
		}
		return &v, nil
	case http.StatusNotFound:
		return nil, ErrEntityNotFound
	default:
		return nil, statusError(resp)
	}
}

// PutResolved writes a conflict-resolved version back to the authority.
func (c *Client) PutResolved(ctx context.Context, v types.EntityVersion) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode entity version: %w", err)
	}

	path := fmt.Sprintf("/api/v1/entities/%s/%s",
		url.PathEscape(v.EntityType), url.PathEscape(v.EntityID))
	resp, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// AccountBalance reads the authoritative credit position of an account.
func (c *Client) AccountBalance(ctx context.Context, accountID string) (*types.AccountSnapshot, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s/balance", url.PathEscape(accountID))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var snap types.AccountSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode account balance: %w", err)
		}
		return &snap, nil
	case http.StatusNotFound:
		return nil, ErrAccountNotFound
	default:
		return nil, statusError(resp)
	}
}

// do issues a request, retrying transient failures (network errors and
// 5xx) with exponential backoff inside the caller's deadline. Non-5xx
// responses return immediately; the caller interprets the status.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))

	var resp *http.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrUnavailable, r.StatusCode))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(data))
}
