// Package identity is the client for the identity service, which maps
// identity-provider subjects to internal user ids.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatrelay/pkg/clients"

	"github.com/failsafe-go/failsafe-go"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity service returned status: %d", e.StatusCode)
}

// ErrMissingUserID is returned when a 2xx response carries no data.id.
var ErrMissingUserID = errors.New("identity service response has no user id")

type Client struct {
	baseURL      string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

func NewClient(baseURL string, opts ...Option) *Client {
	defaultConfig := clients.DefaultHTTPExecutorConfig("identity")
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       clients.NewHTTPClient(0),
		httpExecutor: clients.NewHTTPExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
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
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
		if c.shouldRetry == nil {
			c.shouldRetry = clients.DefaultShouldRetry
		}
	}
}

type currentUserResponse struct {
	Data *struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CurrentUserID calls GET /api/v2/users/me on behalf of subject and returns
// data.id. Non-2xx responses yield *APIError.
func (c *Client) CurrentUserID(ctx context.Context, subject string) (string, error) {
	url := c.baseURL + "/api/v2/users/me"

	resp, err := clients.Do(ctx, c.client, c.httpExecutor, c.shouldRetry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(clients.SubjectHeader, subject)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("identity lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode}
	}

	var body currentUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", ErrMissingUserID
	}
	if body.Data == nil || body.Data.ID == "" {
		return "", ErrMissingUserID
	}
	return body.Data.ID, nil
}
