package httpclient_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bundle-server/internal/httpclient"
)

// newTestServer disables keep-alives so that closing one server does not
// disturb parallel tests sharing the default transport.
func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)
	return server
}

func TestDefaultClient_Get(t *testing.T) {
	t.Parallel()

	var headers http.Header
	server := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_, _ = w.Write([]byte(`{"message":"success"}`))
	}))

	client := httpclient.NewDefaultClient(5*time.Second, httpclient.WithBearerToken("s3cret"))
	data, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)

	assert.JSONEq(t, `{"message":"success"}`, string(data))
	assert.Equal(t, httpclient.UserAgent, headers.Get("User-Agent"))
	assert.Equal(t, "application/json", headers.Get("Accept"))
	assert.Equal(t, "Bearer s3cret", headers.Get("Authorization"))
}

func TestDefaultClient_NoTokenNoAuthorization(t *testing.T) {
	t.Parallel()

	var auth string
	server := newTestServer(t, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))

	_, err := httpclient.NewDefaultClient(0, httpclient.WithBearerToken("")).Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Empty(t, auth)
}

func TestDefaultClient_Post(t *testing.T) {
	t.Parallel()

	var (
		method      string
		contentType string
		body        []byte
	)
	server := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))

	_, err := httpclient.NewDefaultClient(0).Post(context.Background(), server.URL, []byte(`{"subject":"alice"}`))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", contentType)
	assert.JSONEq(t, `{"subject":"alice"}`, string(body))
}

func TestDefaultClient_HTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		statusCode      int
		headers         map[string]string
		wantRateLimited bool
		wantRetryAfter  time.Duration
	}{
		{name: "not found", statusCode: http.StatusNotFound},
		{name: "server error", statusCode: http.StatusInternalServerError},
		{name: "unauthorized", statusCode: http.StatusUnauthorized},
		{name: "forbidden", statusCode: http.StatusForbidden},
		{
			name:            "forbidden with exhausted rate limit",
			statusCode:      http.StatusForbidden,
			headers:         map[string]string{"X-RateLimit-Remaining": "0"},
			wantRateLimited: true,
		},
		{
			name:            "too many requests",
			statusCode:      http.StatusTooManyRequests,
			headers:         map[string]string{"Retry-After": "7"},
			wantRateLimited: true,
			wantRetryAfter:  7 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte("  details  "))
			}))

			_, err := httpclient.NewDefaultClient(0).Get(context.Background(), server.URL)
			require.Error(t, err)

			var httpErr *httpclient.HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.statusCode, httpErr.StatusCode)
			assert.Equal(t, "details", httpErr.Message)
			assert.Equal(t, tt.wantRateLimited, httpErr.RateLimited)
			assert.Equal(t, tt.wantRetryAfter, httpErr.RetryAfter)
			assert.Contains(t, err.Error(), "HTTP ")
		})
	}
}

func TestDefaultClient_RequestErrors(t *testing.T) {
	t.Parallel()

	client := httpclient.NewDefaultClient(time.Second)

	_, err := client.Get(context.Background(), "://invalid-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create request")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	server := newTestServer(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	_, err = client.Get(ctx, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute request")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHTTPError(t *testing.T) {
	t.Parallel()

	err := httpclient.NewHTTPError(http.StatusBadGateway, "http://upstream", "bad gateway")
	assert.EqualError(t, err, "HTTP 502 for URL http://upstream: bad gateway")
}
