package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
)

// retryPolicy bounds the retries of a single fetcher call
type retryPolicy struct {
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// withRetry calls op until it succeeds, fails with a non-retryable kind or
// the attempts are exhausted. The last error is returned.
func withRetry[T any](ctx context.Context, policy retryPolicy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.initialInterval
	b.MaxInterval = policy.maxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !fetcher.KindOf(err).Retryable() {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.maxAttempts))
}
