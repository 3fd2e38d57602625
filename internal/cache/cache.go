// Package cache implements the TTL-aware key/value store holding bundles,
// units and refresh markers.
//
// Keys have the form {kind}:{subject}[:{unitID}]. A read never fails: it
// reports one of four statuses, and an expired entry still carries its value
// so that callers can fall back to it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=cache.go Store

// Kind is the namespace of a cache key
type Kind string

const (
	// KindBundle keys hold merged bundles
	KindBundle Kind = "bundle"
	// KindUnit keys hold individual units
	KindUnit Kind = "unit"
	// KindModel keys hold the last refresh request emitted for a subject
	KindModel Kind = "model"
)

// Status is the outcome of a cache read
type Status string

const (
	// StatusValid means the entry exists and its TTL has not elapsed
	StatusValid Status = "valid"
	// StatusExpired means the entry exists but its TTL has elapsed
	StatusExpired Status = "expired"
	// StatusMissing means no entry exists for the key
	StatusMissing Status = "missing"
	// StatusError means the store could not be read
	StatusError Status = "error"
)

var (
	// ErrUnavailable reports that the backing store cannot be reached
	ErrUnavailable = errors.New("cache store unavailable")

	// ErrCorrupt reports that a stored entry could not be decoded
	ErrCorrupt = errors.New("cache entry corrupt")

	// ErrInvalidKey reports a malformed cache key
	ErrInvalidKey = errors.New("invalid cache key")
)

// Entry is the result of a cache read. Value, Fingerprint, CreatedAt and TTL
// are set for valid and expired entries; Err is set for StatusError.
type Entry struct {
	Status      Status
	Value       []byte
	Fingerprint digest.Digest
	CreatedAt   time.Time
	// TTL of zero never expires
	TTL time.Duration
	Err error
}

// HasValue reports whether the entry carries a usable value
func (e Entry) HasValue() bool {
	return e.Status == StatusValid || e.Status == StatusExpired
}

// ExpiresAt returns the expiry time, or the zero time for entries without TTL
func (e Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Store is a TTL-aware key/value store
type Store interface {
	// Get reads a key. It never returns an error; failures are reported
	// through Entry.Status and Entry.Err.
	Get(ctx context.Context, key string) Entry

	// Save writes value under key, replacing any previous entry. The entry
	// expires ttl after it is written; a zero ttl never expires.
	Save(ctx context.Context, key string, value []byte, ttl time.Duration, fingerprint digest.Digest) error

	// Invalidate removes a key. Removing a missing key is not an error.
	Invalidate(ctx context.Context, key string) error

	// InvalidateUnits removes every unit:{subject}:* key, including units
	// that no bundle lists any more
	InvalidateUnits(ctx context.Context, subject string) error

	// Close releases resources held by the store
	Close() error
}

// Key builds a cache key for kind and subject, optionally scoped to a unit
func Key(kind Kind, subject string, unitID ...string) string {
	if len(unitID) > 0 && unitID[0] != "" {
		return string(kind) + ":" + subject + ":" + unitID[0]
	}
	return string(kind) + ":" + subject
}

// unitPrefix returns the key prefix shared by all units of subject
func unitPrefix(subject string) (string, error) {
	valid, err := validators.ValidateSubject(subject)
	if err != nil || valid != subject {
		return "", fmt.Errorf("%w: subject %q", ErrInvalidKey, subject)
	}
	return string(KindUnit) + ":" + subject + ":", nil
}

// ParsedKey is the decomposed form of a cache key
type ParsedKey struct {
	Kind    Kind
	Subject string
	UnitID  string
}

// ParseKey splits and validates a cache key
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ParsedKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	parsed := ParsedKey{Kind: Kind(parts[0]), Subject: parts[1]}
	switch parsed.Kind {
	case KindBundle, KindUnit, KindModel:
	default:
		return ParsedKey{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, parts[0])
	}

	if subject, err := validators.ValidateSubject(parsed.Subject); err != nil || subject != parsed.Subject {
		return ParsedKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if len(parts) == 3 {
		if err := validators.ValidateUnitID(parts[2]); err != nil {
			return ParsedKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		parsed.UnitID = parts[2]
	}

	return parsed, nil
}

// Option configures a store
type Option func(*options)

type options struct {
	clock clock.PassiveClock
}

// WithClock sets the clock used to stamp and expire entries
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func newOptions(opts []Option) *options {
	o := &options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// record is the persisted form of an entry
type record struct {
	Value       []byte        `json:"value"`
	Fingerprint digest.Digest `json:"fingerprint,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	TTLMillis   int64         `json:"ttlMs,omitempty"`
}

func newRecord(value []byte, ttl time.Duration, fingerprint digest.Digest, now time.Time) record {
	ttlMillis := ttl.Milliseconds()
	if ttl > 0 && ttlMillis == 0 {
		ttlMillis = 1
	}
	return record{
		Value:       value,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		TTLMillis:   ttlMillis,
	}
}

// entry evaluates the record against now. An entry whose TTL has elapsed
// exactly at now is expired.
func (r record) entry(now time.Time) Entry {
	e := Entry{
		Status:      StatusValid,
		Value:       r.Value,
		Fingerprint: r.Fingerprint,
		CreatedAt:   r.CreatedAt,
		TTL:         time.Duration(r.TTLMillis) * time.Millisecond,
	}
	if e.TTL > 0 && !now.Before(e.ExpiresAt()) {
		e.Status = StatusExpired
	}
	return e
}

func missing() Entry {
	return Entry{Status: StatusMissing}
}

func failed(err error) Entry {
	return Entry{Status: StatusError, Err: err}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
