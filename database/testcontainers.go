package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "testdb"
	dbUser = "testuser"
	dbPass = "testpass"
)

// shared holds the one Postgres container of the test binary. The
// testcontainers reaper removes it when the binary exits.
var shared struct {
	once    sync.Once
	connStr string
	err     error
	seq     atomic.Int64
}

func startContainer() (string, error) {
	ctx := context.Background()
	container, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	if err != nil {
		return "", err
	}
	return container.ConnectionString(ctx, "sslmode=disable")
}

// SetupTestDB returns a pool on a fresh, migrated database inside a shared
// Postgres container. It skips the test when no container runtime is
// reachable.
func SetupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Postgres test in short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	shared.once.Do(func() {
		shared.connStr, shared.err = startContainer()
	})
	require.NoError(t, shared.err)

	// Each caller gets its own database so parallel tests never share keys
	name := fmt.Sprintf("cache_test_%d", shared.seq.Add(1))
	admin, err := pgx.Connect(ctx, shared.connStr)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	_ = admin.Close(ctx)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(shared.connStr)
	require.NoError(t, err)
	cfg.ConnConfig.Database = name
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	// Run migrations
	require.NoError(t, MigrateUp(ctx, pool))

	// Test full migration rollback
	require.NoError(t, MigrateDown(ctx, pool))

	// Reapply migrations
	require.NoError(t, MigrateUp(ctx, pool))

	cleanupFunc := func() {
		pool.Close()
	}

	return pool, cleanupFunc
}
