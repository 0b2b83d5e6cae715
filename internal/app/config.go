package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Cluster modes.
const (
	// ClusterModeMemory keeps sessions in process memory; one node owns the whole registry.
	ClusterModeMemory = "memory"
	// ClusterModeDatabase shares sessions through the database so every node sees every server.
	ClusterModeDatabase = "database"
)

// Config represents the runtime configuration of the session registry service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per token subject and route. Zero requests disables it.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
	Pool     DBPoolConfig `mapstructure:"pool"`
}

// DBPoolConfig sizes the connection pool shared by stream handlers, the cache store and the
// maintenance jobs.
type DBPoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// KeyPrefix separates clusters that share one Redis.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ClusterConfig identifies this node and how sessions are shared between nodes.
type ClusterConfig struct {
	Mode               string            `mapstructure:"mode"`
	ServerID           string            `mapstructure:"server_id"`
	ServerName         string            `mapstructure:"server_name"`
	Address            string            `mapstructure:"address"`
	Labels             map[string]string `mapstructure:"labels"`
	HeartbeatSchedule  string            `mapstructure:"heartbeat_schedule"`
	StalePurgeSchedule string            `mapstructure:"stale_purge_schedule"`
	StaleAfter         time.Duration     `mapstructure:"stale_after"`
}

// SessionsConfig tunes the registry.
type SessionsConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	RoomCountTTL time.Duration `mapstructure:"room_count_ttl"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures bearer tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"token_ttl"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CONFSESSIONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	config.Cluster.Mode = strings.ToLower(strings.TrimSpace(config.Cluster.Mode))
	config.Cluster.ServerID = strings.TrimSpace(config.Cluster.ServerID)

	return &config, nil
}

// Validate reports configuration that would prevent the service from starting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	switch c.Cluster.Mode {
	case ClusterModeMemory, ClusterModeDatabase:
	default:
		return fmt.Errorf("cluster.mode must be %q or %q (current: %q)", ClusterModeMemory, ClusterModeDatabase, c.Cluster.Mode)
	}
	if c.Cluster.Mode == ClusterModeDatabase && c.Cluster.ServerID == "" {
		return errors.New("cluster.server_id must be set in database mode")
	}
	if len(c.Cluster.ServerID) > 64 {
		return errors.New("cluster.server_id must be at most 64 characters")
	}

	secret := strings.TrimSpace(c.Auth.JWT.Secret)
	if secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}
	if n, _ := KeyByteLength(secret); n < minJWTSecretBytes {
		return fmt.Errorf("auth.jwt.secret must decode to at least %d bytes (current: %d)", minJWTSecretBytes, n)
	}

	if c.Sessions.StoreTimeout <= 0 {
		return errors.New("sessions.store_timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.rate_limit.requests", 600)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/confsessions.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.pool.max_open_conns", 25)
	v.SetDefault("database.pool.max_idle_conns", 10)
	v.SetDefault("database.pool.conn_max_lifetime", "30m")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "confsessions:")

	v.SetDefault("cluster.mode", ClusterModeMemory)
	v.SetDefault("cluster.server_id", "")
	v.SetDefault("cluster.server_name", "")
	v.SetDefault("cluster.address", "")
	v.SetDefault("cluster.heartbeat_schedule", "@every 30s")
	v.SetDefault("cluster.stale_purge_schedule", "@every 1m")
	v.SetDefault("cluster.stale_after", "2m")

	v.SetDefault("sessions.store_timeout", "3s")
	v.SetDefault("sessions.room_count_ttl", "24h")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.health_check.timeout", "2s")

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "confsessions")
	v.SetDefault("auth.jwt.token_ttl", "12h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
