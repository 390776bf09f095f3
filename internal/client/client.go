// Package client talks to a deployed token issuer over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxResponseBodySize is the maximum size of response body to read (1MB)
const MaxResponseBodySize = 1 << 20 // 1MB

// Client issues tokens through a remote issuer endpoint.
type Client struct {
	baseURL    string
	issuePath  string
	httpClient *http.Client
	apiKey     string
	keyHeader  string
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. A nil client is ignored.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithAPIKey sets the API key sent with issue requests.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithAPIKeyHeader overrides the header carrying the API key.
func WithAPIKeyHeader(header string) Option {
	return func(c *Client) {
		if header != "" {
			c.keyHeader = header
		}
	}
}

// WithIssuePath sets the path of the issue endpoint relative to the base URL.
func WithIssuePath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.issuePath = path
		}
	}
}

// WithTimeout sets the timeout for HTTP requests.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// New creates a client for the issuer at baseURL.
func New(baseURL string, opts ...Option) *Client {
	client := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		issuePath: "/",
		keyHeader: "X-API-Key",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// APIError is a non-200 answer from the issuer.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("issuer returned status %d: %s", e.StatusCode, e.Message)
}

type issueRequest struct {
	ServiceAccountInfo json.RawMessage `json:"service_account_info"`
}

type issueResponse struct {
	JWT   string `json:"jwt"`
	Error string `json:"error"`
}

// Issue posts the key document and returns the minted token. Non-200 answers
// are returned as *APIError carrying the server's message.
func (c *Client) Issue(ctx context.Context, serviceAccountInfo json.RawMessage) (string, error) {
	body, err := json.Marshal(issueRequest{ServiceAccountInfo: serviceAccountInfo})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.issuePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("issue request failed: %w", err)
	}
	defer resp.Body.Close()

	// Limit body read to prevent DoS
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var decoded issueResponse
	decodeErr := json.Unmarshal(data, &decoded)

	if resp.StatusCode != http.StatusOK {
		msg := decoded.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode issue response: %w", decodeErr)
	}
	if decoded.JWT == "" {
		return "", fmt.Errorf("issue response did not contain a token")
	}

	return decoded.JWT, nil
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health performs a health check on the issuer.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseBodySize)).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	return &health, nil
}

// Close closes the client and cleans up resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
