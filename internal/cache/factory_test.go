package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bundle-server/internal/config"
)

func TestNewStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name     string
		storage  config.StorageConfig
		wantType Store
		wantErr  string
	}{
		{name: "memory", storage: config.StorageConfig{Type: config.StorageTypeMemory}, wantType: &memoryStore{}},
		{name: "file", storage: config.StorageConfig{Type: config.StorageTypeFile, Path: filepath.Join(dir, "files")}, wantType: &fileStore{}},
		{name: "sqlite", storage: config.StorageConfig{Type: config.StorageTypeSQLite, Path: filepath.Join(dir, "cache.db")}, wantType: &sqliteStore{}},
		{name: "postgres without database", storage: config.StorageConfig{Type: config.StorageTypePostgres}, wantErr: "database configuration is required"},
		{name: "unknown", storage: config.StorageConfig{Type: "etcd"}, wantErr: "unknown storage type: etcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store, err := NewStore(ctx, &config.Config{Storage: tt.storage})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			assert.IsType(t, tt.wantType, store)
		})
	}

	_, err := NewStore(ctx, nil)
	require.Error(t, err)
}
