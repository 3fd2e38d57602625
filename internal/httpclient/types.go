package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// HTTPError represents a non-2xx response
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string

	// RetryAfter is parsed from the Retry-After header, if present
	RetryAfter time.Duration

	// RateLimited is set for 429 responses and for 403 responses that report
	// an exhausted rate limit
	RateLimited bool
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

func newHTTPErrorFromResponse(resp *http.Response, url, message string) *HTTPError {
	e := &HTTPError{
		StatusCode: resp.StatusCode,
		URL:        url,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		e.RateLimited = true
	case http.StatusForbidden:
		e.RateLimited = resp.Header.Get("X-RateLimit-Remaining") == "0"
	}
	return e
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(value + "s"); err == nil && seconds >= 0 {
		return seconds
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
