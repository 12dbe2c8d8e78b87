// Package config loads and validates the upload server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the UPR_ prefix (e.g. UPR_UPLOADS_MAX_SIZE
// overrides uploads.max_size in the YAML). This layering allows the same binary
// to run with a config.yaml in local development and with pure environment
// variables in containerized deployments, with no recompilation or different
// binaries needed.
//
// The configuration is read once at startup and passed into the engine as an
// immutable object. The only runtime-mutable knob is the log level, which can
// be picked up from an edited config file via Watch.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Locks     LocksConfig     `mapstructure:"locks"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// viper is retained so Watch can observe later edits to the config
	// file. It takes no part in unmarshaling.
	viper *viper.Viper `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the host:port string the HTTP server listens on
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UploadsConfig holds the tus protocol and session-lifecycle configuration
type UploadsConfig struct {
	// MountPath is the base route all upload endpoints hang off.
	MountPath string `mapstructure:"mount_path"`

	// MaxSize is the maximum total upload size in bytes. Zero disables the
	// limit.
	MaxSize int64 `mapstructure:"max_size"`

	// TTL is how long an upload session stays alive without activity. The
	// deadline is refreshed on every successful chunk append. Zero disables
	// expiry.
	TTL time.Duration `mapstructure:"ttl"`

	// RetainCompleted keeps completed uploads on disk until their TTL
	// expires instead of deleting them on the next cleanup pass. Completed
	// uploads stay queryable via HEAD while retained.
	RetainCompleted bool `mapstructure:"retain_completed"`

	// MaxConcurrent caps the number of live upload sessions. Zero means
	// unlimited.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// CleanupInterval is the cadence of the background expiry sweep.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// StorageConfig holds chunk storage configuration
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig holds local filesystem chunk storage configuration
type LocalStorageConfig struct {
	// Directory is where upload payloads and their tail records live, one
	// pair of files per upload ID.
	Directory string `mapstructure:"directory"`
}

// RegistryConfig selects where upload session records are kept
type RegistryConfig struct {
	// Backend is "memory" (sessions lost on restart, permitted by the
	// protocol) or "postgres" (sessions survive restarts).
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds database connection configuration for the postgres
// session registry
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// GetDSN returns the PostgreSQL connection string
func (p *PostgresConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// LocksConfig selects the per-upload lock implementation
type LocksConfig struct {
	// Backend is "memory" for single-instance deployments or "redis" when
	// several instances share the same upload directory.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection configuration for distributed locks
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// TTL bounds how long a crashed holder can keep an upload locked.
	TTL time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig holds per-client request rate limiting for the upload
// endpoints. Buckets are tracked in Redis so the budget holds across
// instances.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// RequestsPerSecond is the sustained per-client request budget.
	RequestsPerSecond int `mapstructure:"requests_per_second"`

	// Burst is the short-term allowance on top of the sustained rate.
	Burst int `mapstructure:"burst"`

	Redis RedisConfig `mapstructure:"redis"`
}

// ArchiveConfig selects where completed uploads are shipped by the built-in
// post-completion hook
type ArchiveConfig struct {
	// Backend is "none" (completed uploads stay in the chunk store, subject
	// to the retention policy) or "s3".
	Backend string          `mapstructure:"backend"`
	S3      S3ArchiveConfig `mapstructure:"s3"`
}

// S3ArchiveConfig holds S3-compatible archive storage configuration
type S3ArchiveConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO,
	// DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Prefix is prepended to archived object keys.
	Prefix string `mapstructure:"prefix"`

	// AuthMethod is "default" (AWS default credential chain) or "static"
	// (explicit access key and secret key).
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Uploads
		"uploads.mount_path",
		"uploads.max_size",
		"uploads.ttl",
		"uploads.retain_completed",
		"uploads.max_concurrent",
		"uploads.cleanup_interval",

		// Storage
		"storage.backend",
		"storage.local.directory",

		// Registry
		"registry.backend",
		"registry.postgres.host",
		"registry.postgres.port",
		"registry.postgres.name",
		"registry.postgres.user",
		"registry.postgres.password",
		"registry.postgres.ssl_mode",
		"registry.postgres.max_connections",

		// Locks
		"locks.backend",
		"locks.redis.addr",
		"locks.redis.password",
		"locks.redis.db",
		"locks.redis.ttl",

		// Rate limiting
		"ratelimit.enabled",
		"ratelimit.requests_per_second",
		"ratelimit.burst",
		"ratelimit.redis.addr",
		"ratelimit.redis.password",
		"ratelimit.redis.db",

		// Archive
		"archive.backend",
		"archive.s3.endpoint",
		"archive.s3.region",
		"archive.s3.bucket",
		"archive.s3.prefix",
		"archive.s3.auth_method",
		"archive.s3.access_key_id",
		"archive.s3.secret_access_key",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/upload-registry")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("UPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields so secrets can be
	// injected as ${VAR} references from infrastructure tooling.
	cfg.Registry.Postgres.Password = expandEnv(cfg.Registry.Postgres.Password)
	cfg.Locks.Redis.Password = expandEnv(cfg.Locks.Redis.Password)
	cfg.RateLimit.Redis.Password = expandEnv(cfg.RateLimit.Redis.Password)
	cfg.Archive.S3.AccessKeyID = expandEnv(cfg.Archive.S3.AccessKeyID)
	cfg.Archive.S3.SecretAccessKey = expandEnv(cfg.Archive.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Keep the viper instance so Watch can observe later file edits.
	cfg.viper = v

	return &cfg, nil
}

// Watch re-reads the config file whenever it changes on disk and calls
// onChange with the freshly unmarshaled configuration. Only the caller
// decides which fields are safe to apply at runtime (in practice: the log
// level). Watch is a no-op when no config file was found at load time.
func (c *Config) Watch(onChange func(*Config)) {
	if c.viper == nil || c.viper.ConfigFileUsed() == "" {
		return
	}
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := c.viper.Unmarshal(&next); err != nil {
			return
		}
		onChange(&next)
	})
	c.viper.WatchConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "5m")
	v.SetDefault("server.write_timeout", "30s")

	// Upload defaults
	v.SetDefault("uploads.mount_path", "/files")
	v.SetDefault("uploads.max_size", int64(1<<30)) // 1 GiB
	v.SetDefault("uploads.ttl", "24h")
	v.SetDefault("uploads.retain_completed", false)
	v.SetDefault("uploads.max_concurrent", 0)
	v.SetDefault("uploads.cleanup_interval", "10m")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.directory", "./uploads")

	// Registry defaults
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.postgres.host", "localhost")
	v.SetDefault("registry.postgres.port", 5432)
	v.SetDefault("registry.postgres.name", "uploads")
	v.SetDefault("registry.postgres.user", "uploads")
	v.SetDefault("registry.postgres.ssl_mode", "require")
	v.SetDefault("registry.postgres.max_connections", 25)

	// Lock defaults
	v.SetDefault("locks.backend", "memory")
	v.SetDefault("locks.redis.addr", "localhost:6379")
	v.SetDefault("locks.redis.db", 0)
	v.SetDefault("locks.redis.ttl", "5m")

	// Rate limit defaults
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests_per_second", 20)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("ratelimit.redis.addr", "localhost:6379")
	v.SetDefault("ratelimit.redis.db", 0)

	// Archive defaults
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.s3.auth_method", "default")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Uploads.MaxSize < 0 {
		return fmt.Errorf("uploads.max_size must not be negative, got %d", c.Uploads.MaxSize)
	}
	if c.Uploads.MaxConcurrent < 0 {
		return fmt.Errorf("uploads.max_concurrent must not be negative, got %d", c.Uploads.MaxConcurrent)
	}
	if c.Uploads.CleanupInterval <= 0 {
		return fmt.Errorf("uploads.cleanup_interval must be positive, got %v", c.Uploads.CleanupInterval)
	}
	if !strings.HasPrefix(c.Uploads.MountPath, "/") {
		return fmt.Errorf("uploads.mount_path must start with '/', got %q", c.Uploads.MountPath)
	}
	switch c.Storage.Backend {
	case "local":
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be 'local')", c.Storage.Backend)
	}
	switch c.Registry.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported registry backend: %s (must be 'memory' or 'postgres')", c.Registry.Backend)
	}
	switch c.Locks.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported locks backend: %s (must be 'memory' or 'redis')", c.Locks.Backend)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("ratelimit.requests_per_second must be positive, got %d", c.RateLimit.RequestsPerSecond)
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("ratelimit.burst must be positive, got %d", c.RateLimit.Burst)
		}
	}
	switch c.Archive.Backend {
	case "none", "s3":
	default:
		return fmt.Errorf("unsupported archive backend: %s (must be 'none' or 's3')", c.Archive.Backend)
	}
	if c.Archive.Backend == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive.backend is 's3'")
	}
	return nil
}

// expandEnv resolves ${VAR} or $VAR references in configuration values,
// leaving plain strings untouched.
func expandEnv(s string) string {
	if strings.Contains(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
