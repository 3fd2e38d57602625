package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks github.com/stacklok/toolhive-bundle-server/internal/sync/coordinator Coordinator

// Coordinator manages background synchronization of configured subjects
type Coordinator interface {
	// Start begins background sync coordination for all configured subjects.
	// Blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator and waits for running syncs
	Stop() error

	// SyncNow syncs subject immediately and records the outcome in its status
	SyncNow(ctx context.Context, subject string, force bool) (*pkgsync.Result, error)

	// Status returns the last recorded status of subject. The phase is empty
	// when the subject was never synced.
	Status(ctx context.Context, subject string) (*status.SubjectStatus, error)
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	manager     pkgsync.Manager
	persistence status.StatusPersistence
	subjects    []config.SubjectConfig

	// mu guards statuses and the lifecycle fields
	mu       stdsync.Mutex
	statuses map[string]*status.SubjectStatus

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a new coordinator with injected dependencies
func New(
	manager pkgsync.Manager,
	persistence status.StatusPersistence,
	subjects []config.SubjectConfig,
) Coordinator {
	return &defaultCoordinator{
		manager:     manager,
		persistence: persistence,
		subjects:    subjects,
		statuses:    make(map[string]*status.SubjectStatus),
	}
}

// Start begins background sync coordination for all subjects
func (c *defaultCoordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("coordinator already started")
	}
	c.cancelFunc = cancel
	c.done = done
	c.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		slog.Info("Background sync coordinator shutting down")
	}()

	slog.Info("Starting background sync coordinator", "subject_count", len(c.subjects))
	c.loadStatuses(coordCtx)

	var wg stdsync.WaitGroup
	for _, subject := range c.subjects {
		wg.Go(func() {
			c.runSubject(coordCtx, subject)
		})
	}

	<-coordCtx.Done()
	wg.Wait()
	slog.Info("Sync coordinator stopped")
	return nil
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancelFunc, c.done
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		<-done
	}
	return nil
}

// Status returns the last recorded status of subject
func (c *defaultCoordinator) Status(ctx context.Context, subject string) (*status.SubjectStatus, error) {
	subject, err := validators.ValidateSubject(subject)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached, ok := c.statuses[subject]
	c.mu.Unlock()
	if ok {
		return cloneStatus(cached), nil
	}

	loaded, err := c.persistence.LoadStatus(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load status of subject %s: %w", subject, err)
	}
	return loaded, nil
}

// loadStatuses seeds the in-memory statuses from persistence. A run left in
// Syncing by a previous process is recorded as interrupted.
func (c *defaultCoordinator) loadStatuses(ctx context.Context) {
	loaded, err := c.persistence.LoadAllStatus(ctx)
	if err != nil {
		slog.Warn("Failed to load persisted sync statuses", "error", err)
		loaded = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, s := range loaded {
		if s.Phase == status.SyncPhaseSyncing {
			s.Phase = status.SyncPhaseFailed
			s.Message = "Sync interrupted by shutdown"
		}
		c.statuses[subject] = s
	}
	for _, subject := range c.subjects {
		s, ok := c.statuses[subject.Name]
		if !ok {
			s = &status.SubjectStatus{}
			c.statuses[subject.Name] = s
		}
		s.SyncSchedule = subject.GetInterval().String()
	}
}

// runSubject syncs subject once, then on every jittered tick of its interval
func (c *defaultCoordinator) runSubject(ctx context.Context, subject config.SubjectConfig) {
	interval := subject.GetInterval()
	slog.Info("Scheduling background sync", "subject", subject.Name, "interval", interval.String())

	if _, err := c.SyncNow(ctx, subject.Name, false); err != nil {
		slog.Debug("Initial sync failed", "subject", subject.Name, "error", err)
	}

	ticker := time.NewTicker(jittered(interval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.SyncNow(ctx, subject.Name, false); err != nil {
				slog.Debug("Background sync failed", "subject", subject.Name, "error", err)
			}
			ticker.Reset(jittered(interval))
		case <-ctx.Done():
			return
		}
	}
}

// withSubjectStatus applies fn to the status of subject under lock and
// persists the result
func (c *defaultCoordinator) withSubjectStatus(ctx context.Context, subject string, fn func(*status.SubjectStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.statuses[subject]
	if !ok {
		s = &status.SubjectStatus{}
		c.statuses[subject] = s
	}
	fn(s)

	if err := c.persistence.SaveStatus(context.WithoutCancel(ctx), subject, s); err != nil {
		slog.Warn("Failed to persist sync status", "subject", subject, "phase", s.Phase, "error", err)
	}
}

func cloneStatus(s *status.SubjectStatus) *status.SubjectStatus {
	out := *s
	out.FailedUnits = append([]string(nil), s.FailedUnits...)
	return &out
}
