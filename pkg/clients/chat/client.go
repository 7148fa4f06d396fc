// Package chat is the client for the chat service's conversation endpoints.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chatrelay/pkg/clients"

	"github.com/failsafe-go/failsafe-go"
)

// APIError is returned for non-2xx read-receipt responses.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat service returned status: %d", e.StatusCode)
}

type Client struct {
	baseURL      string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
	// single-attempt path guarded by the breaker only
	writeExecutor failsafe.Executor[*http.Response]
}

type Option func(*Client)

// NewClient builds a client whose authorization probes retry and trip the
// default breaker. Read receipts share the breaker but are never retried.
func NewClient(baseURL string, opts ...Option) *Client {
	cfg := clients.DefaultHTTPExecutorConfig("chat")
	breaker := clients.DefaultBreakerConfig()
	cfg.Breaker = &breaker

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  clients.NewHTTPClient(0),
	}
	c.applyExecutorConfig(cfg)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) applyExecutorConfig(cfg clients.HTTPExecutorConfig) {
	c.shouldRetry = cfg.ShouldRetry
	if c.shouldRetry == nil {
		c.shouldRetry = clients.DefaultShouldRetry
	}
	if cfg.Breaker == nil {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.writeExecutor = nil
		return
	}
	breaker := clients.NewHTTPBreaker(cfg)
	c.httpExecutor = failsafe.With[*http.Response](clients.NewHTTPRetryPolicy(cfg), breaker)
	c.writeExecutor = failsafe.With[*http.Response](breaker)
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.applyExecutorConfig(cfg)
	}
}

func (c *Client) conversationURL(conversationID, suffix string) string {
	return c.baseURL + "/api/v2/chat/conversations/" + url.PathEscape(conversationID) + suffix
}

// CanAccessConversation probes the resync endpoint with a page size of one.
// Any 2xx means subject is a member; every other status is a denial. Errors
// are returned only when no response was obtained.
func (c *Client) CanAccessConversation(ctx context.Context, subject, conversationID string) (bool, error) {
	target := c.conversationURL(conversationID, "/resync?limit=1")

	resp, err := clients.Do(ctx, c.client, c.httpExecutor, c.shouldRetry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(clients.SubjectHeader, subject)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return false, fmt.Errorf("conversation access probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

type readReceiptRequest struct {
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
}

// MarkRead posts a read receipt. It is attempted once.
func (c *Client) MarkRead(ctx context.Context, subject, conversationID, lastReadMessageID string) error {
	target := c.conversationURL(conversationID, "/read-receipt")

	body, err := json.Marshal(readReceiptRequest{LastReadMessageID: lastReadMessageID})
	if err != nil {
		return err
	}

	resp, err := clients.Do(ctx, c.client, c.writeExecutor, nil, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set(clients.SubjectHeader, subject)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}
