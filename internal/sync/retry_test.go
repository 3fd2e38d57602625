package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
)

func TestWithRetry(t *testing.T) {
	t.Parallel()

	policy := retryPolicy{maxAttempts: 3, initialInterval: time.Millisecond, maxInterval: 5 * time.Millisecond}
	boom := errors.New("boom")

	tests := []struct {
		name      string
		errs      []error
		wantErr   fetcher.Kind
		wantCalls int
	}{
		{name: "first attempt succeeds", wantCalls: 1},
		{
			name:      "transient then success",
			errs:      []error{fetcher.NewError(fetcher.KindTransient, "alice", "repo1", boom)},
			wantCalls: 2,
		},
		{
			name:      "unclassified errors are transient",
			errs:      []error{boom, boom, boom},
			wantErr:   fetcher.KindTransient,
			wantCalls: 3,
		},
		{
			name: "timeouts are retried",
			errs: []error{
				fetcher.NewError(fetcher.KindTimeout, "alice", "repo1", context.DeadlineExceeded),
				fetcher.NewError(fetcher.KindTimeout, "alice", "repo1", context.DeadlineExceeded),
			},
			wantCalls: 3,
		},
		{
			name:      "not found stops immediately",
			errs:      []error{fetcher.NewError(fetcher.KindNotFound, "alice", "repo1", boom)},
			wantErr:   fetcher.KindNotFound,
			wantCalls: 1,
		},
		{
			name:      "permanent stops immediately",
			errs:      []error{fetcher.NewError(fetcher.KindPermanent, "alice", "repo1", boom)},
			wantErr:   fetcher.KindPermanent,
			wantCalls: 1,
		},
		{
			name:      "cancellation stops immediately",
			errs:      []error{fetcher.NewError(fetcher.KindCanceled, "alice", "repo1", context.Canceled)},
			wantErr:   fetcher.KindCanceled,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			v, err := withRetry(context.Background(), policy, func() (int, error) {
				calls++
				if calls <= len(tt.errs) {
					return 0, tt.errs[calls-1]
				}
				return 42, nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Equal(t, tt.wantErr, fetcher.KindOf(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		})
	}
}

func TestWithRetry_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := retryPolicy{maxAttempts: 10, initialInterval: time.Hour, maxInterval: time.Hour}

	calls := 0
	_, err := withRetry(ctx, policy, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
