package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/internal/sync/coordinator"
	syncmocks "github.com/stacklok/toolhive-bundle-server/internal/sync/mocks"
)

// mockCoordinator records lifecycle calls
type mockCoordinator struct {
	mu          sync.Mutex
	startCalled bool
	stopCalled  bool
	startErr    error
	stopErr     error
}

func (m *mockCoordinator) Start(ctx context.Context) error {
	m.mu.Lock()
	m.startCalled = true
	err := m.startErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (m *mockCoordinator) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalled = true
	return m.stopErr
}

func (*mockCoordinator) SyncNow(context.Context, string, bool) (*pkgsync.Result, error) {
	return &pkgsync.Result{Status: pkgsync.StatusCached}, nil
}

func (*mockCoordinator) Status(context.Context, string) (*status.SubjectStatus, error) {
	return &status.SubjectStatus{}, nil
}

func (m *mockCoordinator) wasStartCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalled
}

func (m *mockCoordinator) wasStopCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalled
}

// createTestApp builds a BundleApp around mocked components without going
// through NewBundleApp
func createTestApp(t *testing.T, addr string) *BundleApp {
	t.Helper()

	ctrl := gomock.NewController(t)
	cfg := createTestAppConfig(t)

	components := &AppComponents{
		SyncManager:     syncmocks.NewMockManager(ctrl),
		SyncCoordinator: &mockCoordinator{},
		Store:           cache.NewMemoryStore(),
	}

	appCfg := &bundleAppConfig{
		config:         cfg,
		address:        addr,
		requestTimeout: 10 * time.Second,
		readTimeout:    10 * time.Second,
		idleTimeout:    60 * time.Second,
	}

	ctx := context.Background()
	server, err := buildHTTPServer(ctx, appCfg, components)
	require.NoError(t, err)

	appCtx, cancel := context.WithCancel(ctx)
	return &BundleApp{
		config:     cfg,
		components: components,
		httpServer: server,
		ctx:        appCtx,
		cancelFunc: cancel,
	}
}

func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestBundleApp_StartAndStop(t *testing.T) {
	t.Parallel()

	addr := freeAddress(t)
	app := createTestApp(t, addr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	mockCoord := app.components.SyncCoordinator.(*mockCoordinator)
	assert.Eventually(t, mockCoord.wasStartCalled, time.Second, 10*time.Millisecond)

	require.NoError(t, app.Stop(5*time.Second))
	assert.True(t, mockCoord.wasStopCalled())

	select {
	case startErr := <-errChan:
		require.NoError(t, startErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

func TestBundleApp_StopWithoutStart(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":0")

	require.NoError(t, app.Stop(time.Second))
	assert.True(t, app.components.SyncCoordinator.(*mockCoordinator).wasStopCalled())
}

func TestBundleApp_StopWithNilCancelFunc(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":0")
	app.cancelFunc = nil

	require.NoError(t, app.Stop(time.Second))
}

func TestBundleApp_StartError_AddressInUse(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	app := createTestApp(t, listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	select {
	case startErr := <-errChan:
		require.Error(t, startErr)
		assert.Contains(t, startErr.Error(), "HTTP server failed")
	case <-time.After(5 * time.Second):
		_ = app.Stop(time.Second)
		t.Fatal("Expected Start() to fail due to port in use")
	}
	_ = app.Stop(time.Second)
}

func TestBundleApp_Getters(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":8080")

	require.NotNil(t, app.GetConfig())
	assert.Equal(t, config.StorageTypeMemory, app.GetConfig().Storage.Type)
	assert.Equal(t, ":8080", app.GetHTTPServer().Addr)
}

// createTestAppConfig creates a minimal valid config backed by memory and local files
func createTestAppConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{Type: config.StorageTypeMemory, StatusPath: t.TempDir()},
		Fetcher: config.FetcherConfig{
			Type: config.FetcherTypeFile,
			File: &config.FileConfig{Root: t.TempDir()},
		},
		Subjects: []config.SubjectConfig{{Name: "alice", Interval: "1h"}},
	}
}

var _ coordinator.Coordinator = (*mockCoordinator)(nil)
