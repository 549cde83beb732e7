// Package config handles loading and validating Tuma configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Tuma.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.tuma/data. Override: TUMA_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Deploy        DeployConfig         `json:"deploy" yaml:"deploy"`
	Credentials   CredentialsConfig    `json:"credentials" yaml:"credentials"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = keep records forever
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr      string           `json:"addr" yaml:"addr"`             // Listen address. Default: ":8080".
	APIKeys   []string         `json:"api_keys" yaml:"api_keys"`     // Bearer tokens accepted by the API. Empty = auth disabled.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // off unless present with enabled: true.
}

// ListenAddr returns the listen address with a default of ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 10.
	Burst             int  `json:"burst" yaml:"burst"`                             // Default: 3.
}

// PerMinute returns the sustained rate with a default of 10.
func (r *RateLimitConfig) PerMinute() int {
	if r != nil && r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 10
}

// BurstSize returns the burst allowance with a default of 3.
func (r *RateLimitConfig) BurstSize() int {
	if r != nil && r.Burst > 0 {
		return r.Burst
	}
	return 3
}

// ProviderConfig configures the sandbox control-plane client.
// APIKey can be set here or overridden by the E2B_API_KEY env var.
type ProviderConfig struct {
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Control-plane URL. Default: provider's public endpoint.
	APIKey   string `json:"api_key" yaml:"api_key"`
	Domain   string `json:"domain,omitempty" yaml:"domain,omitempty"`     // Public hostname suffix. Default: provider's.
	Template string `json:"template,omitempty" yaml:"template,omitempty"` // Sandbox template/image name.
}

// DeployConfig configures the deployment pipeline.
type DeployConfig struct {
	WorkspaceDir          string `json:"workspace_dir,omitempty" yaml:"workspace_dir,omitempty"`       // Default: /home/user/agent-workspace.
	Port                  int    `json:"port" yaml:"port"`                                             // Internal server port. Default: 8000.
	FrameworkPackage      string `json:"framework_package,omitempty" yaml:"framework_package,omitempty"` // Default: "google-adk".
	PythonVersion         string `json:"python_version,omitempty" yaml:"python_version,omitempty"`     // Default: "3.11".
	ServeCommand          string `json:"serve_command,omitempty" yaml:"serve_command,omitempty"`       // Overrides the default serve command.
	Root                  bool   `json:"root" yaml:"root"`                                             // Run sandbox commands with sudo.
	AllocTimeoutSeconds   int    `json:"alloc_timeout_seconds" yaml:"alloc_timeout_seconds"`           // Default: 300.
	LaunchTimeoutSeconds  int    `json:"launch_timeout_seconds" yaml:"launch_timeout_seconds"`         // Default: 60.
	InstallTimeoutSeconds int    `json:"install_timeout_seconds" yaml:"install_timeout_seconds"`       // Default: 180.
	VerifyAttempts        int    `json:"verify_attempts" yaml:"verify_attempts"`                       // Default: 10.
	VerifyIntervalSeconds int    `json:"verify_interval_seconds" yaml:"verify_interval_seconds"`       // Default: 2.
}

// AllocTimeout returns the sandbox lifetime ceiling with a default of 5m.
func (d *DeployConfig) AllocTimeout() time.Duration {
	if d != nil && d.AllocTimeoutSeconds > 0 {
		return time.Duration(d.AllocTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// LaunchTimeout returns the startup script bound with a default of 60s.
func (d *DeployConfig) LaunchTimeout() time.Duration {
	if d != nil && d.LaunchTimeoutSeconds > 0 {
		return time.Duration(d.LaunchTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// InstallTimeout returns the dependency install bound with a default of 3m.
func (d *DeployConfig) InstallTimeout() time.Duration {
	if d != nil && d.InstallTimeoutSeconds > 0 {
		return time.Duration(d.InstallTimeoutSeconds) * time.Second
	}
	return 3 * time.Minute
}

// VerifyInterval returns the liveness retry interval with a default of 2s.
func (d *DeployConfig) VerifyInterval() time.Duration {
	if d != nil && d.VerifyIntervalSeconds > 0 {
		return time.Duration(d.VerifyIntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

// CredentialsConfig holds the credentials injected into every deployed
// agent. These are always explicit configuration: the pipeline never reads
// them from the ambient process environment on its own.
type CredentialsConfig struct {
	GoogleAPIKey string            `json:"google_api_key" yaml:"google_api_key"`             // Override: GOOGLE_API_KEY env var.
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`           // Additional key/value pairs forwarded verbatim.
}

// Map flattens the credentials into the key/value form the pipeline and the
// sandbox env expect.
func (c *CredentialsConfig) Map() map[string]string {
	out := make(map[string]string, len(c.Extra)+1)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.GoogleAPIKey != "" {
		out["GOOGLE_API_KEY"] = c.GoogleAPIKey
	}
	return out
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by the TUMA_DB_DSN env var.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tuma"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// RetentionConfig configures pruning of old deployment records.
// When nil, records are kept forever.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Schedule   string `json:"schedule,omitempty" yaml:"schedule,omitempty"`   // Cron expression. Default: "0 3 * * *".
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`               // Default: 30.
}

// CronSchedule returns the purge schedule with a default of daily at 03:00.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// MaxAge returns the record age limit with a default of 30 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	days := 30
	if r != nil && r.MaxAgeDays > 0 {
		days = r.MaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.tuma/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/tuma.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".tuma", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider and framework API keys can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("E2B_API_KEY"); envKey != "" {
		cfg.Provider.APIKey = envKey
	}
	if envKey := os.Getenv("GOOGLE_API_KEY"); envKey != "" {
		cfg.Credentials.GoogleAPIKey = envKey
	}
	if envKey := os.Getenv("TUMA_API_KEY"); envKey != "" {
		cfg.Server.APIKeys = append(cfg.Server.APIKeys, envKey)
	}
	if envDSN := os.Getenv("TUMA_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	// Data directory override from environment.
	if envDD := os.Getenv("TUMA_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".tuma", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".tuma", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "tuma.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required (or set E2B_API_KEY)")
	}
	if c.Credentials.GoogleAPIKey == "" {
		return fmt.Errorf("credentials.google_api_key is required (or set GOOGLE_API_KEY)")
	}
	if c.Deploy.Port < 0 || c.Deploy.Port > 65535 {
		return fmt.Errorf("deploy.port must be a valid port number")
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when driver is postgres")
		}
	}
	if c.Retention != nil && c.Retention.Enabled && c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}
	return nil
}
