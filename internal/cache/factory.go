package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/db"
)

// NewStore creates the store selected by the storage configuration
func NewStore(ctx context.Context, cfg *config.Config, opts ...Option) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	storageType := cfg.GetStorageType()
	slog.Info("Creating cache store", "type", storageType)

	switch storageType {
	case config.StorageTypeMemory:
		return NewMemoryStore(opts...), nil
	case config.StorageTypeFile:
		return NewFileStore(cfg.GetStoragePath(), opts...)
	case config.StorageTypeSQLite:
		return NewSQLiteStore(ctx, cfg.GetStoragePath(), opts...)
	case config.StorageTypePostgres:
		pool, err := db.NewPool(ctx, cfg.Storage.Database)
		if err != nil {
			return nil, err
		}
		store, err := NewPostgresStore(ctx, pool, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}
