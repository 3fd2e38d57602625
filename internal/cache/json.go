package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// GetJSON reads key and decodes its value into a T. The returned pointer is
// nil unless the entry is valid or expired. A value that cannot be decoded
// turns the entry into a StatusError wrapping ErrCorrupt.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, Entry) {
	entry := s.Get(ctx, key)
	if !entry.HasValue() {
		return nil, entry
	}

	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, failed(fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err))
	}
	return &v, entry
}

// SaveJSON encodes v and writes it under key
func SaveJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration, fingerprint digest.Digest) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Save(ctx, key, data, ttl, fingerprint)
}
