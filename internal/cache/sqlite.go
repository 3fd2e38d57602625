package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// openSQLite is a package-level var to allow test injection
var openSQLite = sql.Open

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key   TEXT PRIMARY KEY,
	value       BLOB NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	ttl_ms      INTEGER NOT NULL DEFAULT 0
)`

// sqliteStore keeps entries in a single SQLite table. The database is opened
// with a single connection, so writes are serialized by database/sql.
type sqliteStore struct {
	db   *sql.DB
	opts *options
}

// NewSQLiteStore opens (and creates if needed) a SQLite database at path
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), fileStoreDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := openSQLite("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range append(pragmas, sqliteSchema) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite database: %w", err)
		}
	}

	return &sqliteStore{db: db, opts: newOptions(opts)}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) Entry {
	var (
		rec         record
		fingerprint string
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, fingerprint, created_at, ttl_ms FROM cache_entries WHERE cache_key = ?`, key,
	).Scan(&rec.Value, &fingerprint, &createdAt, &rec.TTLMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return missing()
	}
	if err != nil {
		return failed(unavailable("select", err))
	}

	rec.Fingerprint = digest.Digest(fingerprint)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec.entry(s.opts.clock.Now())
}

func (s *sqliteStore) Save(ctx context.Context, key string, value []byte, ttl time.Duration, fingerprint digest.Digest) error {
	if _, err := ParseKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	rec := newRecord(value, ttl, fingerprint, s.opts.clock.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, value, fingerprint, created_at, ttl_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			value = excluded.value,
			fingerprint = excluded.fingerprint,
			created_at = excluded.created_at,
			ttl_ms = excluded.ttl_ms`,
		key, rec.Value, rec.Fingerprint.String(), rec.CreatedAt.UnixNano(), rec.TTLMillis,
	)
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *sqliteStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *sqliteStore) InvalidateUnits(ctx context.Context, subject string) error {
	prefix, err := unitPrefix(subject)
	if err != nil {
		return err
	}
	// substr keeps the match case-sensitive, unlike LIKE
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(cache_key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
