package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/internal/sync/coordinator"
	"github.com/stacklok/toolhive-bundle-server/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// SyncManager runs sync operations against the cache store
	SyncManager pkgsync.Manager

	// SyncCoordinator manages background synchronization
	SyncCoordinator coordinator.Coordinator

	// Store is the cache store shared by every run
	Store cache.Store

	// Telemetry owns the tracer and meter providers
	Telemetry *telemetry.Telemetry
}

// Close releases the store and flushes telemetry
func (c *AppComponents) Close(ctx context.Context) error {
	var errs []error
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache store: %w", err))
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
