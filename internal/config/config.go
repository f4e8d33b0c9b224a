package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	// Profile selects the deployment profile: "lite" (embedded SQLite,
	// single node) or "standard" (Postgres + optional Redis, HA-ready).
	Profile DeploymentProfile `mapstructure:"profile"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	App      AppConfig      `mapstructure:"app"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfigYAML `mapstructure:"cors"`
}

// DeploymentProfile represents the deployment profile type.
type DeploymentProfile string

const (
	// ProfileLite is a single-node deployment with embedded SQLite storage
	// and in-process-only fan-out. No external dependencies.
	ProfileLite DeploymentProfile = "lite"

	// ProfileStandard is an HA-ready deployment backed by PostgreSQL, with
	// an optional Redis relay for cross-instance fan-out.
	ProfileStandard DeploymentProfile = "standard"
)

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	// Backend determines storage implementation: "filesystem" (lite) or
	// "postgres" (standard).
	Backend StorageBackend `mapstructure:"backend"`

	// FilesystemPath is the SQLite file path used by the lite profile.
	FilesystemPath string `mapstructure:"filesystem_path"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	URL             string        `mapstructure:"url"`
}

// RedisConfig holds Redis-related configuration, used only by the
// cross-instance realtime relay when realtime.relay_enabled is set.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Name          string        `mapstructure:"name"`
	Version       string        `mapstructure:"version"`
	Environment   string        `mapstructure:"environment"`
	Debug         bool          `mapstructure:"debug"`
	Timezone      string        `mapstructure:"timezone"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
}

// MetricsConfig holds metrics-related configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// SyncConfig holds engine-specific defaults: the offline queue bounds and
// the default quota/restriction posture for newly minted API keys.
type SyncConfig struct {
	QueueMaxEntries       int           `mapstructure:"queue_max_entries"`
	QueueMaxAge           time.Duration `mapstructure:"queue_max_age"`
	SessionInactiveAfter  time.Duration `mapstructure:"session_inactive_after"`
	ConcurrentWindow      time.Duration `mapstructure:"concurrent_window"`
	DefaultStrategy       string        `mapstructure:"default_strategy"`
	DefaultMinuteQuota    int64         `mapstructure:"default_minute_quota"`
	DefaultHourQuota      int64         `mapstructure:"default_hour_quota"`
	DefaultDayQuota       int64         `mapstructure:"default_day_quota"`
	DefaultMonthQuota     int64         `mapstructure:"default_month_quota"`
}

// RealtimeConfig controls the in-process event bus and the optional Redis
// pub/sub relay used to fan out events across instances in the standard
// profile (§4.E ADDED — default mode is single-process).
type RealtimeConfig struct {
	RelayEnabled bool   `mapstructure:"relay_enabled"`
	RelayChannel string `mapstructure:"relay_channel_prefix"`
}

// AuthConfig holds admission-gate and reserved-for-future JWT settings.
type AuthConfig struct {
	APIKeyEnabled       bool          `mapstructure:"api_key_enabled"`
	TokenPrefix         string        `mapstructure:"token_prefix"`
	DefaultScopes       []string      `mapstructure:"default_scopes"`
	DefaultEnvironment  string        `mapstructure:"default_environment"`
	DefaultExpiryDays   int           `mapstructure:"default_expiry_days"`
	JWTSecret           string        `mapstructure:"jwt_secret"`
	JWTTTL              time.Duration `mapstructure:"jwt_ttl"`
	RateLimitWindow     time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax        int           `mapstructure:"rate_limit_max"`
}

// CORSConfigYAML mirrors the middleware's CORSConfig as loaded values.
type CORSConfigYAML struct {
	AllowedOrigins   string `mapstructure:"allowed_origins"`
	AllowCredentials bool   `mapstructure:"allow_credentials"`
}

// StorageBackend represents the storage implementation.
type StorageBackend string

const (
	// StorageBackendFilesystem uses embedded SQLite storage (lite profile).
	StorageBackendFilesystem StorageBackend = "filesystem"

	// StorageBackendPostgres uses PostgreSQL storage (standard profile).
	StorageBackendPostgres StorageBackend = "postgres"
)

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables only.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("profile", "standard")
	viper.SetDefault("storage.backend", "postgres")
	viper.SetDefault("storage.filesystem_path", "/data/sync-engine.db")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "syncengine")
	viper.SetDefault("database.username", "dev")
	viper.SetDefault("database.password", "dev")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.query_timeout", "30s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("app.name", "sync-engine")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.timezone", "UTC")
	viper.SetDefault("app.max_workers", 10)
	viper.SetDefault("app.worker_timeout", "5m")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 8080)

	viper.SetDefault("sync.queue_max_entries", 100)
	viper.SetDefault("sync.queue_max_age", "1h")
	viper.SetDefault("sync.session_inactive_after", "30m")
	viper.SetDefault("sync.concurrent_window", "5s")
	viper.SetDefault("sync.default_strategy", "last-write-wins")
	viper.SetDefault("sync.default_minute_quota", 0)
	viper.SetDefault("sync.default_hour_quota", 0)
	viper.SetDefault("sync.default_day_quota", 0)
	viper.SetDefault("sync.default_month_quota", 0)

	viper.SetDefault("realtime.relay_enabled", false)
	viper.SetDefault("realtime.relay_channel_prefix", "sync-engine:relay")

	viper.SetDefault("auth.api_key_enabled", true)
	viper.SetDefault("auth.token_prefix", "sk_sync_")
	viper.SetDefault("auth.default_scopes", []string{"sync:read", "sync:write"})
	viper.SetDefault("auth.default_environment", "production")
	viper.SetDefault("auth.default_expiry_days", 365)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.jwt_ttl", "24h")
	viper.SetDefault("auth.rate_limit_window", "1m")
	viper.SetDefault("auth.rate_limit_max", 100)

	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("cors.allow_credentials", false)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateProfile(); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if c.Profile == ProfileStandard {
		if c.Database.Driver == "" {
			return fmt.Errorf("database driver cannot be empty (required for standard profile)")
		}
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty (required for standard profile)")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name cannot be empty (required for standard profile)")
		}
	}

	if c.Realtime.RelayEnabled && c.Redis.Addr == "" {
		return fmt.Errorf("realtime.relay_enabled requires redis.addr to be set")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	return nil
}

// validateProfile validates deployment profile configuration.
func (c *Config) validateProfile() error {
	if c.Profile != ProfileLite && c.Profile != ProfileStandard {
		return fmt.Errorf("invalid deployment profile: %s (must be 'lite' or 'standard')", c.Profile)
	}

	if c.Storage.Backend != StorageBackendFilesystem && c.Storage.Backend != StorageBackendPostgres {
		return fmt.Errorf("invalid storage backend: %s (must be 'filesystem' or 'postgres')", c.Storage.Backend)
	}

	switch c.Profile {
	case ProfileLite:
		if c.Storage.Backend != StorageBackendFilesystem {
			return fmt.Errorf("lite profile requires storage.backend='filesystem' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.FilesystemPath == "" {
			return fmt.Errorf("lite profile requires storage.filesystem_path (e.g., /data/sync-engine.db)")
		}

	case ProfileStandard:
		if c.Storage.Backend != StorageBackendPostgres {
			return fmt.Errorf("standard profile requires storage.backend='postgres' (got '%s')", c.Storage.Backend)
		}
	}

	return nil
}

// GetDatabaseURL constructs the database URL from configuration.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Driver,
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool { return c.App.Environment == "development" }

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool { return c.App.Environment == "production" }

// IsDebug returns true if debug mode is enabled.
func (c *Config) IsDebug() bool { return c.App.Debug || c.IsDevelopment() }

// IsLiteProfile returns true if running in the lite deployment profile.
func (c *Config) IsLiteProfile() bool { return c.Profile == ProfileLite }

// IsStandardProfile returns true if running in the standard deployment profile.
func (c *Config) IsStandardProfile() bool { return c.Profile == ProfileStandard }

// RequiresPostgres returns true if Postgres is required for this profile.
func (c *Config) RequiresPostgres() bool { return c.Profile == ProfileStandard }

// RequiresRedis returns true if Redis is required (relay explicitly enabled).
func (c *Config) RequiresRedis() bool { return c.Realtime.RelayEnabled }

// UsesEmbeddedStorage returns true if using embedded SQLite storage.
func (c *Config) UsesEmbeddedStorage() bool { return c.Storage.Backend == StorageBackendFilesystem }

// UsesPostgresStorage returns true if using PostgreSQL storage.
func (c *Config) UsesPostgresStorage() bool { return c.Storage.Backend == StorageBackendPostgres }

// GetProfileName returns a human-readable profile name.
func (c *Config) GetProfileName() string {
	switch c.Profile {
	case ProfileLite:
		return "Lite (Embedded Storage)"
	case ProfileStandard:
		return "Standard (HA-Ready)"
	default:
		return string(c.Profile)
	}
}

// GetProfileDescription returns a detailed profile description.
func (c *Config) GetProfileDescription() string {
	switch c.Profile {
	case ProfileLite:
		return "Single-node deployment with embedded SQLite storage. No external dependencies."
	case ProfileStandard:
		return "HA-ready deployment with PostgreSQL and an optional Redis fan-out relay."
	default:
		return "Unknown profile"
	}
}
