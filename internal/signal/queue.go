package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DefaultQueueCapacity is used when a non-positive capacity is given
	DefaultQueueCapacity = 1024

	queuePollInterval = 10 * time.Millisecond
	queueLockRetry    = 25 * time.Millisecond
)

// ErrQueueFull is returned by Emit when the queue holds its capacity
var ErrQueueFull = errors.New("signal queue is full")

type queueState struct {
	Items []Signal `json:"items"`
}

// Queue is a file-backed outbox of signals. The file is re-read under an
// advisory lock on every operation, so producers and consumers may live in
// different processes.
type Queue struct {
	path     string
	capacity int
	lock     *flock.Flock
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewQueue opens the queue stored at path
func NewQueue(path string, capacity int) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("signal queue path is required")
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create signal queue directory: %w", err)
	}
	q := &Queue{
		path:     path,
		capacity: capacity,
		lock:     flock.New(path + ".lock"),
		logger:   slog.Default(),
	}
	// Fail early on an unreadable queue file
	if err := q.update(context.Background(), func(*queueState) (bool, error) { return false, nil }); err != nil {
		return nil, err
	}
	return q, nil
}

// Emit appends sig unless a signal with the same subject and fingerprint is
// already pending
func (q *Queue) Emit(ctx context.Context, sig Signal) error {
	return q.update(ctx, func(state *queueState) (bool, error) {
		for _, pending := range state.Items {
			if pending.ID() == sig.ID() {
				return false, nil
			}
		}
		if len(state.Items) >= q.capacity {
			return false, ErrQueueFull
		}
		state.Items = append(state.Items, sig)
		return true, nil
	})
}

// TryDequeue removes and returns the oldest signal, if any
func (q *Queue) TryDequeue(ctx context.Context) (Signal, bool, error) {
	var (
		sig Signal
		ok  bool
	)
	err := q.update(ctx, func(state *queueState) (bool, error) {
		if len(state.Items) == 0 {
			return false, nil
		}
		sig, ok = state.Items[0], true
		state.Items = state.Items[1:]
		return true, nil
	})
	return sig, ok, err
}

// Dequeue waits for a signal until ctx is done. Read failures are logged
// once per distinct error and polling continues.
func (q *Queue) Dequeue(ctx context.Context) (Signal, bool) {
	var lastErr string
	for {
		sig, ok, err := q.TryDequeue(ctx)
		switch {
		case err == nil && ok:
			return sig, true
		case err == nil:
			lastErr = ""
		case ctx.Err() == nil && err.Error() != lastErr:
			lastErr = err.Error()
			q.logger.WarnContext(ctx, "Failed to dequeue refresh signal", "path", q.path, "error", err)
		}
		select {
		case <-ctx.Done():
			return Signal{}, false
		case <-time.After(queuePollInterval):
		}
	}
}

// Snapshot returns the pending signals, oldest first
func (q *Queue) Snapshot(ctx context.Context) ([]Signal, error) {
	var items []Signal
	err := q.update(ctx, func(state *queueState) (bool, error) {
		items = append([]Signal(nil), state.Items...)
		return false, nil
	})
	return items, err
}

// Capacity returns the maximum number of pending signals
func (q *Queue) Capacity() int {
	return q.capacity
}

// update loads the queue, applies fn and saves the result when fn reports a change
func (q *Queue) update(ctx context.Context, fn func(*queueState) (bool, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	locked, err := q.lock.TryLockContext(ctx, queueLockRetry)
	if err != nil {
		return fmt.Errorf("failed to lock signal queue: %w", err)
	}
	if !locked {
		return errors.New("failed to lock signal queue")
	}
	defer func() { _ = q.lock.Unlock() }()

	state, err := q.load()
	if err != nil {
		return err
	}
	changed, err := fn(state)
	if err != nil || !changed {
		return err
	}
	return q.save(state)
}

func (q *Queue) load() (*queueState, error) {
	state := &queueState{}
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, fmt.Errorf("failed to read signal queue: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode signal queue: %w", err)
	}
	return state, nil
}

func (q *Queue) save(state *queueState) error {
	if state.Items == nil {
		state.Items = []Signal{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode signal queue: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write signal queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("failed to replace signal queue: %w", err)
	}
	return nil
}
