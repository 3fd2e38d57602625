// Package httpclient provides the HTTP client used by the API fetcher and
// the webhook signal emitter.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is used when a zero timeout is given
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize bounds the body read from a response
	MaxResponseSize = 50 * 1024 * 1024

	// UserAgent is sent with every request
	UserAgent = "toolhive-bundle-server/1.0"

	maxErrorBody = 512
)

// Client performs HTTP requests returning the response body
type Client interface {
	// Get fetches url and returns the body of a 2xx response
	Get(ctx context.Context, url string) ([]byte, error)

	// Post sends body as JSON to url and returns the body of a 2xx response
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

// Option configures the default client
type Option func(*defaultClient)

// WithHeader adds a header sent with every request
func WithHeader(key, value string) Option {
	return func(c *defaultClient) {
		if value != "" {
			c.headers.Set(key, value)
		}
	}
}

// WithBearerToken authenticates every request with token, if non-empty
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", bearer(token))
}

// WithTransport replaces the HTTP transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *defaultClient) {
		c.client.Transport = rt
	}
}

type defaultClient struct {
	client  *http.Client
	headers http.Header
}

// NewDefaultClient creates a client with the given timeout; zero means DefaultTimeout
func NewDefaultClient(timeout time.Duration, opts ...Option) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &defaultClient{
		client:  &http.Client{Timeout: timeout},
		headers: http.Header{},
	}
	c.headers.Set("User-Agent", UserAgent)
	c.headers.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *defaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *defaultClient) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *defaultClient) do(req *http.Request) ([]byte, error) {
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	url := req.URL.String()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, newHTTPErrorFromResponse(resp, url, string(bytes.TrimSpace(msg)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response body from %s exceeds %d bytes", url, MaxResponseSize)
	}
	return data, nil
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}
