package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-bundle-server/internal/api"
	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
	"github.com/stacklok/toolhive-bundle-server/internal/signal"
	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/internal/sync/coordinator"
	"github.com/stacklok/toolhive-bundle-server/internal/telemetry"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	// Sync requests block for a whole run
	defaultSyncRequestTimeout = 3 * time.Minute
	defaultReadTimeout        = 10 * time.Second
	defaultIdleTimeout        = 60 * time.Second

	syncTracerName = "github.com/stacklok/toolhive-bundle-server/sync"
)

// BundleAppOptions is a function that configures the bundle app builder
type BundleAppOptions func(*bundleAppConfig) error

// bundleAppConfig collects the builder inputs. Component overrides are
// primarily used by tests.
type bundleAppConfig struct {
	config *config.Config

	store       cache.Store
	fetcher     fetcher.Fetcher
	emitter     signal.Emitter
	syncManager pkgsync.Manager
	persistence status.StatusPersistence
	telemetry   *telemetry.Telemetry

	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	idleTimeout    time.Duration

	// statusDir overrides the status directory of the configuration
	statusDir string
}

func baseConfig(opts ...BundleAppOptions) (*bundleAppConfig, error) {
	cfg := &bundleAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewBundleApp builds the server with its background coordinator
func NewBundleApp(ctx context.Context, opts ...BundleAppOptions) (*BundleApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpServer, err := buildHTTPServer(ctx, cfg, components)
	if err != nil {
		_ = components.Close(ctx)
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	return &BundleApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// NewComponents builds the sync components without an HTTP server, for
// one-shot commands. The caller must Close the result.
func NewComponents(ctx context.Context, opts ...BundleAppOptions) (*AppComponents, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return buildComponents(ctx, cfg)
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStatusDirectory sets the directory holding sync status files
func WithStatusDirectory(dir string) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		if dir == "" {
			return fmt.Errorf("status directory cannot be empty")
		}
		cfg.statusDir = dir
		return nil
	}
}

// WithStore injects a cache store instead of the configured backend
func WithStore(s cache.Store) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.store = s
		return nil
	}
}

// WithFetcher injects a fetcher instead of the configured one
func WithFetcher(f fetcher.Fetcher) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.fetcher = f
		return nil
	}
}

// WithEmitter injects a refresh signal emitter instead of the configured one
func WithEmitter(e signal.Emitter) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithSyncManager injects a sync manager
func WithSyncManager(m pkgsync.Manager) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.syncManager = m
		return nil
	}
}

// WithStatusPersistence injects the status persistence used by the coordinator
func WithStatusPersistence(p status.StatusPersistence) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.persistence = p
		return nil
	}
}

// WithTelemetry injects already initialized telemetry providers
func WithTelemetry(t *telemetry.Telemetry) BundleAppOptions {
	return func(cfg *bundleAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// buildComponents builds the store, the sync manager and the coordinator.
// Everything opened here is closed again if a later step fails.
func buildComponents(ctx context.Context, b *bundleAppConfig) (_ *AppComponents, err error) {
	if b.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	slog.Info("Initializing sync components")
	components := &AppComponents{}
	defer func() {
		if err != nil {
			_ = components.Close(ctx)
		}
	}()

	if b.telemetry == nil {
		b.telemetry, err = telemetry.New(ctx, telemetry.WithTelemetryConfig(b.config.Telemetry))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	components.Telemetry = b.telemetry

	if b.store == nil {
		b.store, err = cache.NewStore(ctx, b.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache store: %w", err)
		}
	}
	components.Store = b.store

	if b.syncManager == nil {
		b.syncManager, err = buildSyncManager(b)
		if err != nil {
			return nil, err
		}
	}
	components.SyncManager = b.syncManager

	if b.persistence == nil {
		dir := b.statusDir
		if dir == "" {
			dir = b.config.GetStatusPath()
		}
		b.persistence = status.NewFileStatusPersistence(dir)
	}
	components.SyncCoordinator = coordinator.New(b.syncManager, b.persistence, b.config.Subjects)

	slog.Info("Sync components initialized successfully", "subjects", len(b.config.Subjects))
	return components, nil
}

func buildSyncManager(b *bundleAppConfig) (pkgsync.Manager, error) {
	var err error
	if b.fetcher == nil {
		b.fetcher, err = fetcher.New(b.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create fetcher: %w", err)
		}
	}
	if b.emitter == nil {
		b.emitter, err = signal.New(b.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create signal emitter: %w", err)
		}
	}

	syncMetrics, err := telemetry.NewSyncMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}

	return pkgsync.NewManager(b.store, b.fetcher, b.emitter,
		pkgsync.WithSyncConfig(&b.config.Sync),
		pkgsync.WithMetrics(syncMetrics),
		pkgsync.WithTracer(b.telemetry.Tracer(syncTracerName)),
	), nil
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *bundleAppConfig,
	components *AppComponents,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			requestTimeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	serverOpts := []api.ServerOption{}
	if tel := components.Telemetry; tel != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		b.middlewares = append([]func(http.Handler) http.Handler{
			telemetry.TracingMiddleware(tel.TracerProvider()),
			metricsMiddleware,
		}, b.middlewares...)

		if h := tel.MetricsHandler(); h != nil {
			serverOpts = append(serverOpts, api.WithMetricsHandler(h))
			slog.Info("Prometheus metrics endpoint enabled", "path", "/metrics")
		}
	}
	serverOpts = append(serverOpts, api.WithMiddlewares(b.middlewares...))

	router := api.NewServer(components.SyncManager, components.SyncCoordinator, serverOpts...)

	// WriteTimeout is left unset so that sync requests can outlive requestTimeout
	server := &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadHeaderTimeout: b.readTimeout,
		ReadTimeout:       b.readTimeout,
		IdleTimeout:       b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}

// requestTimeout bounds every request by d except sync requests, which may
// run for a whole sync.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	regular := middleware.Timeout(d)
	sync := middleware.Timeout(defaultSyncRequestTimeout)
	return func(next http.Handler) http.Handler {
		regularNext := regular(next)
		syncNext := sync(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sync") {
				syncNext.ServeHTTP(w, r)
				return
			}
			regularNext.ServeHTTP(w, r)
		})
	}
}
