// Package config provides configuration loading and management for the bundle server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-bundle-server/internal/telemetry"
)

// EnvPrefix is the prefix of every environment variable read by the server
const EnvPrefix = "THV_BUNDLE"

// AppName is the directory name used under the XDG data home
const AppName = "thv-bundle-api"

const (
	// StorageTypeMemory keeps cache entries in process memory
	StorageTypeMemory = "memory"

	// StorageTypeFile keeps one JSON document per cache key on disk
	StorageTypeFile = "file"

	// StorageTypeSQLite keeps cache entries in an embedded SQLite database
	StorageTypeSQLite = "sqlite"

	// StorageTypePostgres keeps cache entries in a PostgreSQL database
	StorageTypePostgres = "postgres"
)

const (
	// FetcherTypeGit fetches units by cloning Git repositories
	FetcherTypeGit = "git"

	// FetcherTypeAPI fetches units from a GitHub-compatible REST API
	FetcherTypeAPI = "api"

	// FetcherTypeFile fetches units from directories on the local filesystem
	FetcherTypeFile = "file"
)

const (
	// SignalTypeLog only logs refresh signals
	SignalTypeLog = "log"

	// SignalTypeWebhook posts refresh signals to an HTTP endpoint
	SignalTypeWebhook = "webhook"

	// SignalTypeFile appends refresh signals to a file-backed queue
	SignalTypeFile = "file"
)

// Sync defaults
const (
	DefaultMaxConcurrency       = 10
	DefaultRunTimeout           = 2 * time.Minute
	DefaultFetchTimeout         = time.Minute
	DefaultUnitTTL              = time.Hour
	DefaultBundleTTL            = 6 * time.Hour
	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 10 * time.Second
	DefaultSubjectInterval      = 30 * time.Minute
	DefaultWebhookTimeout       = 5 * time.Second
	DefaultAPIEndpoint          = "https://api.github.com"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// EvalSymlinks also cleans the path
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Storage   StorageConfig     `yaml:"storage"`
	Fetcher   FetcherConfig     `yaml:"fetcher"`
	Sync      SyncConfig        `yaml:"sync,omitempty"`
	Signal    SignalConfig      `yaml:"signal,omitempty"`
	Subjects  []SubjectConfig   `yaml:"subjects,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// StorageConfig selects and configures the cache store backend
type StorageConfig struct {
	// Type is one of memory, file, sqlite or postgres. Defaults to file.
	Type string `yaml:"type,omitempty"`

	// Path is the base directory (file) or database file (sqlite).
	// Defaults to a location under the XDG data home.
	Path string `yaml:"path,omitempty"`

	// StatusPath is the directory holding per-subject sync status files.
	// Defaults to a location under the XDG data home.
	StatusPath string `yaml:"statusPath,omitempty"`

	// Database configures the postgres backend
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// FetcherConfig selects and configures the upstream unit fetcher
type FetcherConfig struct {
	Type string `yaml:"type"`

	Git  *GitConfig  `yaml:"git,omitempty"`
	API  *APIConfig  `yaml:"api,omitempty"`
	File *FileConfig `yaml:"file,omitempty"`
}

// GitConfig defines Git fetcher settings
type GitConfig struct {
	// URLTemplate builds the clone URL of a unit. The placeholders {subject}
	// and {unit} are substituted, e.g. "https://github.com/{subject}/{unit}.git".
	URLTemplate string `yaml:"urlTemplate"`

	// Branch is the branch to inspect. Defaults to the remote HEAD.
	Branch string `yaml:"branch,omitempty"`

	// Username and PasswordFile configure HTTP basic authentication
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"passwordFile,omitempty"`
}

// APIConfig defines the REST API fetcher settings
type APIConfig struct {
	// Endpoint is the base API URL. Defaults to https://api.github.com.
	Endpoint string `yaml:"endpoint,omitempty"`

	// TokenFile is the path to a file containing a bearer token.
	// THV_BUNDLE_API_TOKEN is used when unset.
	TokenFile string `yaml:"tokenFile,omitempty"`

	// Timeout is the HTTP request timeout (e.g. "30s")
	Timeout string `yaml:"timeout,omitempty"`
}

// FileConfig defines local directory fetcher settings
type FileConfig struct {
	// Root contains one directory per subject, each holding one directory per unit
	Root string `yaml:"root"`
}

// SyncConfig tunes the sync orchestrator
type SyncConfig struct {
	MaxConcurrency int          `yaml:"maxConcurrency,omitempty"`
	RunTimeout     string       `yaml:"runTimeout,omitempty"`
	FetchTimeout   string       `yaml:"fetchTimeout,omitempty"`
	UnitTTL        string       `yaml:"unitTTL,omitempty"`
	BundleTTL      string       `yaml:"bundleTTL,omitempty"`
	Retry          *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig defines the backoff applied to retryable fetch failures
type RetryConfig struct {
	MaxAttempts     int    `yaml:"maxAttempts,omitempty"`
	InitialInterval string `yaml:"initialInterval,omitempty"`
	MaxInterval     string `yaml:"maxInterval,omitempty"`
}

// SignalConfig selects where refresh signals are delivered
type SignalConfig struct {
	Type    string             `yaml:"type,omitempty"`
	Webhook *WebhookConfig     `yaml:"webhook,omitempty"`
	File    *SignalQueueConfig `yaml:"file,omitempty"`
}

// WebhookConfig defines the webhook signal emitter
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout,omitempty"`
}

// SignalQueueConfig defines the file-backed signal queue
type SignalQueueConfig struct {
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity,omitempty"`
}

// SubjectConfig declares a subject kept warm by the background coordinator
type SubjectConfig struct {
	Name string `yaml:"name"`

	// Interval between background syncs (e.g. "30m")
	Interval string `yaml:"interval,omitempty"`

	// Units lists the units of the subject. Required by the git fetcher,
	// which cannot enumerate repositories on its own.
	Units []string `yaml:"units,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the minimum number of connections kept in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from THV_BUNDLE_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetStorageType returns the storage type, defaulting to file
func (c *Config) GetStorageType() string {
	if c.Storage.Type == "" {
		return StorageTypeFile
	}
	return c.Storage.Type
}

// GetStoragePath returns the configured storage path or a default under the XDG data home
func (c *Config) GetStoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	base := filepath.Join(xdg.DataHome, AppName)
	if c.GetStorageType() == StorageTypeSQLite {
		return filepath.Join(base, "cache.db")
	}
	return filepath.Join(base, "cache")
}

// GetStatusPath returns the configured status directory or a default under the XDG data home
func (c *Config) GetStatusPath() string {
	if c.Storage.StatusPath != "" {
		return c.Storage.StatusPath
	}
	return filepath.Join(xdg.DataHome, AppName, "status")
}

// GetSignalType returns the signal type, defaulting to log
func (c *Config) GetSignalType() string {
	if c.Signal.Type == "" {
		return SignalTypeLog
	}
	return c.Signal.Type
}

// FindSubject returns the subject configuration with the given name
func (c *Config) FindSubject(name string) (*SubjectConfig, bool) {
	for i := range c.Subjects {
		if c.Subjects[i].Name == name {
			return &c.Subjects[i], true
		}
	}
	return nil, false
}

// GetMaxConcurrency returns the fan-out bound of a run
func (s *SyncConfig) GetMaxConcurrency() int {
	if s.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return s.MaxConcurrency
}

// GetRunTimeout returns the deadline of a whole sync run
func (s *SyncConfig) GetRunTimeout() time.Duration {
	return durationOr(s.RunTimeout, DefaultRunTimeout)
}

// GetFetchTimeout returns the deadline of a single unit fetch
func (s *SyncConfig) GetFetchTimeout() time.Duration {
	return durationOr(s.FetchTimeout, DefaultFetchTimeout)
}

// GetUnitTTL returns the TTL of cached units
func (s *SyncConfig) GetUnitTTL() time.Duration {
	return durationOr(s.UnitTTL, DefaultUnitTTL)
}

// GetBundleTTL returns the TTL of cached bundles
func (s *SyncConfig) GetBundleTTL() time.Duration {
	return durationOr(s.BundleTTL, DefaultBundleTTL)
}

// GetRetryMaxAttempts returns the number of attempts made for retryable failures
func (s *SyncConfig) GetRetryMaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts <= 0 {
		return DefaultRetryMaxAttempts
	}
	return s.Retry.MaxAttempts
}

// GetRetryInitialInterval returns the first backoff interval
func (s *SyncConfig) GetRetryInitialInterval() time.Duration {
	if s.Retry == nil {
		return DefaultRetryInitialInterval
	}
	return durationOr(s.Retry.InitialInterval, DefaultRetryInitialInterval)
}

// GetRetryMaxInterval returns the upper bound of a backoff interval
func (s *SyncConfig) GetRetryMaxInterval() time.Duration {
	if s.Retry == nil {
		return DefaultRetryMaxInterval
	}
	return durationOr(s.Retry.MaxInterval, DefaultRetryMaxInterval)
}

// GetInterval returns the background sync interval of the subject
func (s *SubjectConfig) GetInterval() time.Duration {
	return durationOr(s.Interval, DefaultSubjectInterval)
}

// GetTimeout returns the webhook request timeout
func (w *WebhookConfig) GetTimeout() time.Duration {
	return durationOr(w.Timeout, DefaultWebhookTimeout)
}

// GetEndpoint returns the API endpoint without a trailing slash
func (a *APIConfig) GetEndpoint() string {
	if a == nil || a.Endpoint == "" {
		return DefaultAPIEndpoint
	}
	return strings.TrimSuffix(a.Endpoint, "/")
}

// GetTimeout returns the HTTP request timeout; zero selects the client default
func (a *APIConfig) GetTimeout() time.Duration {
	if a == nil {
		return 0
	}
	return durationOr(a.Timeout, 0)
}

// GetToken returns the API bearer token, if any.
// The token file takes precedence over THV_BUNDLE_API_TOKEN.
func (a *APIConfig) GetToken() (string, error) {
	if a != nil && a.TokenFile != "" {
		data, err := os.ReadFile(filepath.Clean(a.TokenFile))
		if err != nil {
			return "", fmt.Errorf("failed to read API token from file %s: %w", a.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(EnvPrefix + "_API_TOKEN"), nil
}

// GetPassword returns the Git HTTP password, if a password file is configured
func (g *GitConfig) GetPassword() (string, error) {
	if g.PasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Clean(g.PasswordFile))
	if err != nil {
		return "", fmt.Errorf("failed to read git password from file %s: %w", g.PasswordFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// CloneURL expands the URL template for a unit
func (g *GitConfig) CloneURL(subject, unit string) string {
	return strings.NewReplacer("{subject}", subject, "{unit}", unit).Replace(g.URLTemplate)
}

// durationOr parses value, returning def when value is empty. Values are
// validated at load time so a parse failure falls back to the default.
func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
