package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

const (
	fileStoreDirPerm  = 0750
	fileStoreFilePerm = 0600
	lockRetryDelay    = 25 * time.Millisecond
)

// fileStore keeps one JSON record per key under a base directory:
//
//	{base}/{kind}/{subject}.json
//	{base}/{kind}/{subject}/{unitID}.json
//
// Writes go to a temporary file that is renamed into place, so readers never
// observe a partial record. An advisory lock on {base}/.lock serializes
// writers across processes sharing the directory.
type fileStore struct {
	baseDir string
	lock    *flock.Flock
	mu      sync.Mutex
	opts    *options
}

// NewFileStore creates a store rooted at baseDir, creating it if needed
func NewFileStore(baseDir string, opts ...Option) (Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("file store base directory is required")
	}
	if err := os.MkdirAll(baseDir, fileStoreDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &fileStore{
		baseDir: baseDir,
		lock:    flock.New(filepath.Join(baseDir, ".lock")),
		opts:    newOptions(opts),
	}, nil
}

func (s *fileStore) path(key string) (string, error) {
	parsed, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	if parsed.UnitID == "" {
		return filepath.Join(s.baseDir, string(parsed.Kind), parsed.Subject+".json"), nil
	}
	return filepath.Join(s.baseDir, string(parsed.Kind), parsed.Subject, parsed.UnitID+".json"), nil
}

func (s *fileStore) Get(_ context.Context, key string) Entry {
	path, err := s.path(key)
	if err != nil {
		return failed(err)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is built from a validated key
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return missing()
		}
		return failed(unavailable("read", err))
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return failed(fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err))
	}
	return rec.entry(s.opts.clock.Now())
}

func (s *fileStore) Save(ctx context.Context, key string, value []byte, ttl time.Duration, fingerprint digest.Digest) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(newRecord(value, ttl, fingerprint, s.opts.clock.Now()))
	if err != nil {
		return fmt.Errorf("failed to encode cache record: %w", err)
	}

	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), fileStoreDirPerm); err != nil {
		return unavailable("mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return unavailable("create", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return unavailable("write", err)
	}
	if err := tmp.Chmod(fileStoreFilePerm); err != nil {
		_ = tmp.Close()
		return unavailable("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return unavailable("rename", err)
	}
	return nil
}

func (s *fileStore) Invalidate(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("remove", err)
	}
	return nil
}

// InvalidateUnits removes the {base}/unit/{subject} directory
func (s *fileStore) InvalidateUnits(ctx context.Context, subject string) error {
	if _, err := unitPrefix(subject); err != nil {
		return err
	}

	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.RemoveAll(filepath.Join(s.baseDir, string(KindUnit), subject)); err != nil {
		return unavailable("remove", err)
	}
	return nil
}

func (*fileStore) Close() error {
	return nil
}

// acquire takes the in-process mutex and then the cross-process file lock
func (s *fileStore) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, unavailable("lock", err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}
