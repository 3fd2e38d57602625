package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencontainers/go-digest"

	"github.com/stacklok/toolhive-bundle-server/database"
)

// postgresStore keeps entries in the bundle_cache_entries table
type postgresStore struct {
	pool *pgxpool.Pool
	opts *options
}

// NewPostgresStore creates a store on top of pool and applies the schema
// migration. The store takes ownership of the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	if err := database.MigrateUp(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}
	return &postgresStore{pool: pool, opts: newOptions(opts)}, nil
}

func (s *postgresStore) Get(ctx context.Context, key string) Entry {
	var (
		rec         record
		fingerprint string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, fingerprint, created_at, ttl_ms FROM bundle_cache_entries WHERE cache_key = $1`, key,
	).Scan(&rec.Value, &fingerprint, &rec.CreatedAt, &rec.TTLMillis)
	if errors.Is(err, pgx.ErrNoRows) {
		return missing()
	}
	if err != nil {
		return failed(unavailable("select", err))
	}

	rec.Fingerprint = digest.Digest(fingerprint)
	return rec.entry(s.opts.clock.Now())
}

func (s *postgresStore) Save(ctx context.Context, key string, value []byte, ttl time.Duration, fingerprint digest.Digest) error {
	if _, err := ParseKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	rec := newRecord(value, ttl, fingerprint, s.opts.clock.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundle_cache_entries (cache_key, value, fingerprint, created_at, ttl_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cache_key) DO UPDATE SET
			value = EXCLUDED.value,
			fingerprint = EXCLUDED.fingerprint,
			created_at = EXCLUDED.created_at,
			ttl_ms = EXCLUDED.ttl_ms`,
		key, rec.Value, rec.Fingerprint.String(), rec.CreatedAt, rec.TTLMillis,
	)
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *postgresStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bundle_cache_entries WHERE cache_key = $1`, key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *postgresStore) InvalidateUnits(ctx context.Context, subject string) error {
	prefix, err := unitPrefix(subject)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM bundle_cache_entries WHERE starts_with(cache_key, $1)`, prefix)
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
