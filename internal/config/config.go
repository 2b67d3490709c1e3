// Package config provides configuration loading and management for the content mirror.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/content-mirror/internal/telemetry"
)

// EnvPrefix is the prefix for environment variable overrides (CONTENT_MIRROR_*).
const EnvPrefix = "CONTENT_MIRROR"

// ContentDelivery selects the store backend and when the first full sync runs.
type ContentDelivery string

const (
	// DeliveryDirect forwards every read to the CMS delivery API
	DeliveryDirect ContentDelivery = "direct"

	// DeliveryEagerSync runs a full sync at startup and serves reads from the synced store
	DeliveryEagerSync ContentDelivery = "eagerSync"

	// DeliveryLazySync defers the first full sync until the first read
	DeliveryLazySync ContentDelivery = "lazySync"
)

// SyncStoreType selects the synced store backend.
type SyncStoreType string

const (
	// SyncStoreMemory keeps synced entries in process memory
	SyncStoreMemory SyncStoreType = "memory"

	// SyncStoreDurable keeps synced entries in a SQL database
	SyncStoreDurable SyncStoreType = "durable"
)

const (
	// DatabaseDriverPostgres selects PostgreSQL through the pgx stdlib driver
	DatabaseDriverPostgres = "postgres"

	// DatabaseDriverSQLite selects SQLite through go-sqlite3
	DatabaseDriverSQLite = "sqlite"
)

const (
	defaultEnvironment     = "master"
	defaultLocale          = "en-US"
	defaultBaseURL         = "https://cdn.contentful.com"
	defaultPreviewBaseURL  = "https://preview.contentful.com"
	defaultTimeout         = 10 * time.Second
	defaultSyncInterval    = 5 * time.Minute
	defaultMaxAttempts     = 5
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultMaxBackoff      = 30 * time.Second
	defaultWorkers         = 4
	defaultQueueSize       = 256
	defaultTombstoneTTL    = 10 * time.Minute
	defaultWebhookPath     = "/webhooks/cms"
	defaultMaxDepth        = 10
	defaultCacheTTL        = 5 * time.Minute
	defaultPublishAtField  = "publishAt"
	defaultUnpublishAtFld  = "unpublishAt"
	defaultContentTypePage = 1000
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path      string
	overrides []func(*Config)
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks; this also cleans the path.
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

// WithOverride registers a function applied to the parsed configuration
// before validation. Used by the CLI to apply environment and flag values.
func WithOverride(fn func(*Config)) Option {
	return func(cfg *loaderConfig) error {
		if fn == nil {
			return fmt.Errorf("override function cannot be nil")
		}
		cfg.overrides = append(cfg.overrides, fn)
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	CMS             CMSConfig         `yaml:"cms"`
	ContentDelivery ContentDelivery   `yaml:"contentDelivery,omitempty"`
	SyncStore       SyncStoreType     `yaml:"syncStore,omitempty"`
	Database        *DatabaseConfig   `yaml:"database,omitempty"`
	Redis           *RedisConfig      `yaml:"redis,omitempty"`
	Webhook         WebhookConfig     `yaml:"webhook"`
	Sync            SyncConfig        `yaml:"sync,omitempty"`
	Middleware      MiddlewareConfig  `yaml:"middleware,omitempty"`
	Schema          SchemaConfig      `yaml:"schema,omitempty"`
	Telemetry       *telemetry.Config `yaml:"telemetry,omitempty"`
}

// CMSConfig defines how to reach the remote CMS
type CMSConfig struct {
	// Space is the CMS space identifier
	Space string `yaml:"space"`

	// Environment is the CMS environment, defaults to "master"
	Environment string `yaml:"environment,omitempty"`

	// AccessToken is the content delivery (read) credential
	AccessToken string `yaml:"accessToken,omitempty"`

	// PreviewToken is the preview API credential; also required from
	// callers that request preview delivery through the HTTP API
	PreviewToken string `yaml:"previewToken,omitempty"`

	// ManagementToken is optional and only used for management API reads
	ManagementToken string `yaml:"managementToken,omitempty"`

	// DefaultLocale is used when a read does not request a locale
	DefaultLocale string `yaml:"defaultLocale,omitempty"`

	// BaseURL overrides the delivery API endpoint
	BaseURL string `yaml:"baseURL,omitempty"`

	// Timeout is the per-request HTTP timeout (e.g. "10s")
	Timeout string `yaml:"timeout,omitempty"`

	// ContentTypePageSize is the page size used when listing content types
	ContentTypePageSize int `yaml:"contentTypePageSize,omitempty"`
}

// DatabaseConfig defines database connection settings for the durable store
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver string `yaml:"driver"`

	// Path is the SQLite database file
	Path string `yaml:"path,omitempty"`

	// Host is the database server hostname or IP address
	Host string `yaml:"host,omitempty"`

	// Port is the database server port
	Port int `yaml:"port,omitempty"`

	// User is the database username
	User string `yaml:"user,omitempty"`

	// PasswordFile is the path to a file containing the database password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database,omitempty"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// RedisConfig configures the read-through cache used by direct delivery
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	TTL      string `yaml:"ttl,omitempty"`
}

// WebhookConfig defines the credentials expected on inbound webhooks
type WebhookConfig struct {
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	PasswordFile string `yaml:"passwordFile,omitempty"`
	Path         string `yaml:"path,omitempty"`
}

// SyncConfig tunes the sync engine
type SyncConfig struct {
	// Interval between token-based incremental syncs; "0" disables polling
	Interval       string `yaml:"interval,omitempty"`
	MaxAttempts    int    `yaml:"maxAttempts,omitempty"`
	InitialBackoff string `yaml:"initialBackoff,omitempty"`
	MaxBackoff     string `yaml:"maxBackoff,omitempty"`
	Workers        int    `yaml:"workers,omitempty"`
	QueueSize      int    `yaml:"queueSize,omitempty"`
	TombstoneTTL   string `yaml:"tombstoneTTL,omitempty"`
}

// MiddlewareConfig toggles the read pipeline stages
type MiddlewareConfig struct {
	PublishWindow *PublishWindowConfig `yaml:"publishWindow,omitempty"`
	PublishedOnly *bool                `yaml:"publishedOnly,omitempty"`
	Locale        *bool                `yaml:"locale,omitempty"`
}

// PublishWindowConfig names the fields carrying the visibility window
type PublishWindowConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PublishAtField   string `yaml:"publishAtField,omitempty"`
	UnpublishAtField string `yaml:"unpublishAtField,omitempty"`
}

// SchemaConfig tunes the query schema
type SchemaConfig struct {
	MaxDepth int `yaml:"maxDepth,omitempty"`
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

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	for _, fn := range loaderCfg.overrides {
		fn(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML configuration without validating it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &cfg, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.CMS.Space == "" {
		return fmt.Errorf("cms.space is required")
	}
	if c.CMS.AccessToken == "" {
		return fmt.Errorf("cms.accessToken is required")
	}
	if c.CMS.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.CMS.BaseURL); err != nil {
			return fmt.Errorf("cms.baseURL is not a valid URL: %w", err)
		}
	}

	switch c.GetContentDelivery() {
	case DeliveryDirect, DeliveryEagerSync, DeliveryLazySync:
	default:
		return fmt.Errorf("contentDelivery must be one of %s, %s, %s, got %q",
			DeliveryDirect, DeliveryEagerSync, DeliveryLazySync, c.ContentDelivery)
	}

	switch c.GetSyncStore() {
	case SyncStoreMemory:
	case SyncStoreDurable:
		if err := c.Database.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("syncStore must be either %s or %s, got %q", SyncStoreMemory, SyncStoreDurable, c.SyncStore)
	}

	if c.Redis != nil && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is configured")
	}

	if (c.Webhook.Username == "") != (c.Webhook.Password == "" && c.Webhook.PasswordFile == "") {
		return fmt.Errorf("webhook.username and webhook.password must be set together")
	}

	durations := map[string]string{
		"cms.timeout":         c.CMS.Timeout,
		"sync.interval":       c.Sync.Interval,
		"sync.initialBackoff": c.Sync.InitialBackoff,
		"sync.maxBackoff":     c.Sync.MaxBackoff,
		"sync.tombstoneTTL":   c.Sync.TombstoneTTL,
	}
	if c.Redis != nil {
		durations["redis.ttl"] = c.Redis.TTL
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", name, err)
		}
	}

	if c.Sync.MaxAttempts < 0 || c.Sync.Workers < 0 || c.Sync.QueueSize < 0 {
		return fmt.Errorf("sync.maxAttempts, sync.workers and sync.queueSize cannot be negative")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	if d == nil {
		return fmt.Errorf("database configuration is required when syncStore is %s", SyncStoreDurable)
	}
	switch d.Driver {
	case DatabaseDriverSQLite:
		if d.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DatabaseDriverPostgres:
		if d.Host == "" || d.Port == 0 || d.User == "" || d.Database == "" {
			return fmt.Errorf("database.host, database.port, database.user and database.database are required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %s or %s, got %q", DatabaseDriverPostgres, DatabaseDriverSQLite, d.Driver)
	}
	if d.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(d.ConnMaxLifetime); err != nil {
			return fmt.Errorf("database.connMaxLifetime must be a valid duration: %w", err)
		}
	}
	return nil
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from CONTENT_MIRROR_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		return readSecretFile(d.PasswordFile)
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection URL; the password is URL-escaped.
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

// GetPassword returns the webhook password, reading PasswordFile when set
func (w *WebhookConfig) GetPassword() (string, error) {
	if w.PasswordFile != "" {
		return readSecretFile(w.PasswordFile)
	}
	return w.Password, nil
}

// Enabled reports whether webhook credentials are configured
func (w *WebhookConfig) Enabled() bool {
	return w.Username != ""
}

// GetPath returns the webhook mount path
func (w *WebhookConfig) GetPath() string {
	if w.Path == "" {
		return defaultWebhookPath
	}
	return w.Path
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// GetContentDelivery returns the delivery mode, defaulting to eagerSync
func (c *Config) GetContentDelivery() ContentDelivery {
	if c.ContentDelivery == "" {
		return DeliveryEagerSync
	}
	return c.ContentDelivery
}

// GetSyncStore returns the synced store backend, defaulting to memory
func (c *Config) GetSyncStore() SyncStoreType {
	if c.SyncStore == "" {
		return SyncStoreMemory
	}
	return c.SyncStore
}

// GetEnvironment returns the CMS environment, defaulting to "master"
func (c *CMSConfig) GetEnvironment() string {
	if c.Environment == "" {
		return defaultEnvironment
	}
	return c.Environment
}

// GetDefaultLocale returns the default locale, defaulting to "en-US"
func (c *CMSConfig) GetDefaultLocale() string {
	if c.DefaultLocale == "" {
		return defaultLocale
	}
	return c.DefaultLocale
}

// GetBaseURL returns the delivery API base URL
func (c *CMSConfig) GetBaseURL() string {
	if c.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// GetPreviewBaseURL returns the preview API base URL
func (*CMSConfig) GetPreviewBaseURL() string {
	return defaultPreviewBaseURL
}

// GetTimeout returns the per-request HTTP timeout
func (c *CMSConfig) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, defaultTimeout)
}

// GetContentTypePageSize returns the page size for content type listing
func (c *CMSConfig) GetContentTypePageSize() int {
	if c.ContentTypePageSize <= 0 {
		return defaultContentTypePage
	}
	return c.ContentTypePageSize
}

// Scope returns the space/environment key that sync tokens are bound to
func (c *CMSConfig) Scope() string {
	return c.Space + "/" + c.GetEnvironment()
}

// GetInterval returns the polling interval; zero disables polling
func (s *SyncConfig) GetInterval() time.Duration {
	return parseDurationOr(s.Interval, defaultSyncInterval)
}

// GetMaxAttempts returns the bounded retry count for transient failures
func (s *SyncConfig) GetMaxAttempts() int {
	if s.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return s.MaxAttempts
}

// GetInitialBackoff returns the first retry delay
func (s *SyncConfig) GetInitialBackoff() time.Duration {
	return parseDurationOr(s.InitialBackoff, defaultInitialBackoff)
}

// GetMaxBackoff returns the retry delay cap
func (s *SyncConfig) GetMaxBackoff() time.Duration {
	return parseDurationOr(s.MaxBackoff, defaultMaxBackoff)
}

// GetWorkers returns the number of webhook application workers
func (s *SyncConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return defaultWorkers
	}
	return s.Workers
}

// GetQueueSize returns the per-worker queue capacity
func (s *SyncConfig) GetQueueSize() int {
	if s.QueueSize <= 0 {
		return defaultQueueSize
	}
	return s.QueueSize
}

// GetTombstoneTTL returns how long deleted ids are remembered
func (s *SyncConfig) GetTombstoneTTL() time.Duration {
	return parseDurationOr(s.TombstoneTTL, defaultTombstoneTTL)
}

// GetTTL returns the cache entry lifetime
func (r *RedisConfig) GetTTL() time.Duration {
	return parseDurationOr(r.TTL, defaultCacheTTL)
}

// PublishWindowEnabled reports whether the publish window stage is active
func (m *MiddlewareConfig) PublishWindowEnabled() bool {
	return m.PublishWindow == nil || m.PublishWindow.Enabled
}

// GetPublishAtField returns the field holding the start of the window
func (m *MiddlewareConfig) GetPublishAtField() string {
	if m.PublishWindow == nil || m.PublishWindow.PublishAtField == "" {
		return defaultPublishAtField
	}
	return m.PublishWindow.PublishAtField
}

// GetUnpublishAtField returns the field holding the end of the window
func (m *MiddlewareConfig) GetUnpublishAtField() string {
	if m.PublishWindow == nil || m.PublishWindow.UnpublishAtField == "" {
		return defaultUnpublishAtFld
	}
	return m.PublishWindow.UnpublishAtField
}

// PublishedOnlyEnabled reports whether unpublished entries are hidden outside preview
func (m *MiddlewareConfig) PublishedOnlyEnabled() bool {
	return m.PublishedOnly == nil || *m.PublishedOnly
}

// LocaleEnabled reports whether reads are projected onto a single locale
func (m *MiddlewareConfig) LocaleEnabled() bool {
	return m.Locale != nil && *m.Locale
}

// GetMaxDepth returns the maximum link resolution depth per query
func (s *SchemaConfig) GetMaxDepth() int {
	if s.MaxDepth <= 0 {
		return defaultMaxDepth
	}
	return s.MaxDepth
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
