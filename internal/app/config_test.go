package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/sessions"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig("testdata")
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "console", cfg.Server.LogFormat)
	require.Equal(t, 50, cfg.Server.RateLimit.Requests)
	require.Equal(t, 30*time.Second, cfg.Server.RateLimit.Window)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, 2*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, ClusterModeDatabase, cfg.Cluster.Mode)
	require.Equal(t, "node-a", cfg.Cluster.ServerID)
	require.Equal(t, map[string]string{"region": "eu-central"}, cfg.Cluster.Labels)
	require.Equal(t, 90*time.Second, cfg.Cluster.StaleAfter)
	require.Equal(t, "@every 30s", cfg.Cluster.HeartbeatSchedule)

	require.Equal(t, 1500*time.Millisecond, cfg.Sessions.StoreTimeout)
	require.Equal(t, 6*time.Hour, cfg.Sessions.RoomCountTTL)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "conf-test", cfg.Auth.JWT.Issuer)
	require.Equal(t, time.Hour, cfg.Auth.JWT.TTL)
	require.NoError(t, cfg.Validate())

	jwtCfg := cfg.Auth.JWTServiceConfig()
	require.Equal(t, time.Hour, jwtCfg.TokenTTL)
	require.Equal(t, "conf-test", jwtCfg.Issuer)

	redis := cfg.Cache.RedisClientConfig()
	require.Equal(t, "redis.example.com:6379", redis.Address)
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFSESSIONS_CLUSTER_MODE", "Database")
	t.Setenv("CONFSESSIONS_SESSIONS_STORE_TIMEOUT", "750ms")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 5080, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, ClusterModeDatabase, cfg.Cluster.Mode)
	require.Equal(t, 750*time.Millisecond, cfg.Sessions.StoreTimeout)
	require.Equal(t, 25, cfg.Database.Pool.MaxOpenConns)
	require.Equal(t, 10, cfg.Database.Pool.MaxIdleConns)
	require.Equal(t, 30*time.Minute, cfg.Database.Pool.ConnMaxLifetime)
	require.Equal(t, "confsessions:", cfg.Cache.RedisClientConfig().KeyPrefix)
	require.Equal(t, "confsessions", cfg.Auth.JWT.Issuer)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Cluster:  ClusterConfig{Mode: ClusterModeMemory},
			Sessions: SessionsConfig{StoreTimeout: time.Second},
			Auth:     AuthConfig{JWT: JWTSettings{Secret: strings.Repeat("ab", 32)}},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"cluster.mode":           func(c *Config) { c.Cluster.Mode = "gossip" },
		"cluster.server_id must": func(c *Config) { c.Cluster.Mode = ClusterModeDatabase },
		"at most 64":             func(c *Config) { c.Cluster.ServerID = strings.Repeat("x", 65) },
		"must be configured":     func(c *Config) { c.Auth.JWT.Secret = " " },
		"at least 32 bytes":      func(c *Config) { c.Auth.JWT.Secret = "short" },
		"store_timeout":          func(c *Config) { c.Sessions.StoreTimeout = 0 },
	}
	for want, mutate := range cases {
		cfg := valid()
		mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, want)
		require.Contains(t, err.Error(), want)
	}

	// 32 base64 characters decode to 24 bytes.
	short := valid()
	short.Auth.JWT.Secret = strings.Repeat("k", 32)
	err := short.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "(current: 24)")

	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}

func TestApplyRuntimeDefaults(t *testing.T) {
	cfg := &Config{Cluster: ClusterConfig{Mode: ClusterModeDatabase}}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.True(t, generated["auth.jwt.secret"])
	require.True(t, generated["cluster.server_id"])
	require.Len(t, cfg.Auth.JWT.Secret, jwtSecretBytes*2)
	require.NotEmpty(t, cfg.Cluster.ServerID)

	n, err := KeyByteLength(cfg.Auth.JWT.Secret)
	require.NoError(t, err)
	require.Equal(t, jwtSecretBytes, n)

	again, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, again)

	memory := &Config{Cluster: ClusterConfig{Mode: ClusterModeMemory}, Auth: AuthConfig{JWT: JWTSettings{Secret: "set"}}}
	generated, err = ApplyRuntimeDefaults(memory)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Empty(t, memory.Cluster.ServerID)

	_, err = ApplyRuntimeDefaults(nil)
	require.Error(t, err)
}

func TestKeyByteLength(t *testing.T) {
	n, err := KeyByteLength("0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = KeyByteLength("c2VjcmV0")
	require.NoError(t, err)
	require.Equal(t, 6, n)

	n, err = KeyByteLength("not base64 !")
	require.NoError(t, err)
	require.Equal(t, 12, n)

	n, err = KeyByteLength("  ")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestClusterNode(t *testing.T) {
	require.Nil(t, ClusterConfig{}.Node())

	node := ClusterConfig{ServerID: " node-a ", Address: "10.0.0.1:5080"}.Node()
	require.Equal(t, &sessions.Server{ID: "node-a", Name: "node-a", Address: "10.0.0.1:5080"}, node)

	require.True(t, ClusterConfig{Mode: ClusterModeDatabase}.Shared())
	require.False(t, ClusterConfig{Mode: ClusterModeMemory}.Shared())
}

func TestDatabaseConnectionConfig(t *testing.T) {
	sqlite := DatabaseConfig{Path: " ./data/x.sqlite "}.ConnectionConfig()
	require.Equal(t, "sqlite", sqlite.Driver)
	require.Equal(t, "./data/x.sqlite", sqlite.Path)

	pg := DatabaseConfig{
		Driver:   "PostgreSQL",
		Postgres: DBAuthConfig{Host: "db", Port: 5432, Database: "conf", Username: "u", Password: "p"},
	}.ConnectionConfig()
	require.Equal(t, "postgres", pg.Driver)
	require.Equal(t, "db", pg.Host)
	require.Equal(t, 5432, pg.Port)
	require.Equal(t, "conf", pg.Name)

	mysql := DatabaseConfig{Driver: "mysql", MySQL: DBAuthConfig{Host: "my"}}.ConnectionConfig()
	require.Equal(t, "my", mysql.Host)

	unknown := DatabaseConfig{Driver: "oracle"}.ConnectionConfig()
	require.Equal(t, "oracle", unknown.Driver)
}
