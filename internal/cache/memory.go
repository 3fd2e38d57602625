package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// memoryStore keeps entries in a map guarded by a RWMutex. Expired entries
// are kept so that they remain available as a fallback.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]record
	opts    *options
}

// NewMemoryStore creates an in-process store
func NewMemoryStore(opts ...Option) Store {
	return &memoryStore{
		entries: make(map[string]record),
		opts:    newOptions(opts),
	}
}

func (s *memoryStore) Get(_ context.Context, key string) Entry {
	s.mu.RLock()
	rec, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return missing()
	}
	rec.Value = slices.Clone(rec.Value)
	return rec.entry(s.opts.clock.Now())
}

func (s *memoryStore) Save(_ context.Context, key string, value []byte, ttl time.Duration, fingerprint digest.Digest) error {
	if _, err := ParseKey(key); err != nil {
		return err
	}

	rec := newRecord(slices.Clone(value), ttl, fingerprint, s.opts.clock.Now())

	s.mu.Lock()
	s.entries[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) InvalidateUnits(_ context.Context, subject string) error {
	prefix, err := unitPrefix(subject)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

func (*memoryStore) Close() error {
	return nil
}
