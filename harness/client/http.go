package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TestUser is a synthetic user identity for one test session. The token is
// opaque to the harness; services under test run with TESTING=1 and accept
// it as a bearer credential.
type TestUser struct {
	ID    string
	Email string
	Token string
}

// NewTestUser mints a fresh synthetic user.
func NewTestUser() TestUser {
	id := uuid.NewString()
	return TestUser{
		ID:    id,
		Email: fmt.Sprintf("e2e-%s@test.local", id[:8]),
		Token: "test-" + uuid.NewString(),
	}
}

// Client is an authenticated HTTP client bound to one service base URL and
// one synthetic test user.
type Client struct {
	baseURL string
	user    TestUser
	http    *http.Client
	log     logrus.FieldLogger
}

// New creates a client for the given base URL and user.
func New(baseURL string, user TestUser, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.WithField("component", "test-client"),
	}
}

// User returns the synthetic user the client authenticates as.
func (c *Client) User() TestUser {
	return c.user
}

// Request issues an HTTP request against the service. A non-nil body is
// JSON-encoded. The bearer token is always attached.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.user.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Request(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Request(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// DecodeResponse reads and JSON-decodes a response body into target, closing
// the body.
func DecodeResponse(resp *http.Response, target interface{}) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode response: %w (body: %s)", err, string(data))
	}
	return nil
}
