package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/failsafe-go/failsafe-go"

	"chatrelay/pkg/clients"
)

// DirectoryClient asks a tenant's user directory whether a subject still
// resolves to an active principal.
type DirectoryClient struct {
	baseURL      string
	token        string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type directoryUser struct {
	Status   string `json:"status"`
	Deleted  bool   `json:"deleted"`
	Banned   bool   `json:"banned"`
	Disabled bool   `json:"disabled"`
}

func (u directoryUser) active() bool {
	if u.Deleted || u.Banned || u.Disabled {
		return false
	}
	switch strings.ToLower(u.Status) {
	case "deleted", "banned", "disabled", "suspended":
		return false
	}
	return true
}

// NewDirectoryClient builds a client for GET {baseURL}/users/{subject}.
func NewDirectoryClient(baseURL, token string, httpClient *http.Client, cfg clients.HTTPExecutorConfig) *DirectoryClient {
	if httpClient == nil {
		httpClient = clients.NewHTTPClient(0)
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = clients.DefaultShouldRetry
	}
	return &DirectoryClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		client:       httpClient,
		httpExecutor: clients.NewHTTPExecutor(cfg),
		shouldRetry:  shouldRetry,
	}
}

// IsActive returns false for unknown (404/410) or deleted/banned subjects.
func (d *DirectoryClient) IsActive(ctx context.Context, subject string) (bool, error) {
	target := d.baseURL + "/users/" + url.PathEscape(subject)

	resp, err := clients.Do(ctx, d.client, d.httpExecutor, d.shouldRetry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if d.token != "" {
			req.Header.Set("Authorization", "Bearer "+d.token)
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("directory returned status: %d", resp.StatusCode)
	}

	var user directoryUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return false, fmt.Errorf("decode directory user: %w", err)
	}
	return user.active(), nil
}
