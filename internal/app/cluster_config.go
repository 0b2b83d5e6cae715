package app

import (
	"strings"

	"github.com/charlesng35/confsessions/internal/database"
	"github.com/charlesng35/confsessions/internal/sessions"
)

// Node returns the server this process runs as, or nil for the unnamed master of a single
// node deployment.
func (c ClusterConfig) Node() *sessions.Server {
	id := strings.TrimSpace(c.ServerID)
	if id == "" {
		return nil
	}
	name := strings.TrimSpace(c.ServerName)
	if name == "" {
		name = id
	}
	return &sessions.Server{ID: id, Name: name, Address: strings.TrimSpace(c.Address)}
}

// Shared reports whether sessions live in the shared database.
func (c ClusterConfig) Shared() bool {
	return c.Mode == ClusterModeDatabase
}

// ConnectionConfig converts the database section into the database package representation.
func (c DatabaseConfig) ConnectionConfig() database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
		DSN:    strings.TrimSpace(c.DSN),
		Pool: database.PoolConfig{
			MaxOpenConns:    c.Pool.MaxOpenConns,
			MaxIdleConns:    c.Pool.MaxIdleConns,
			ConnMaxLifetime: c.Pool.ConnMaxLifetime,
		},
	}

	var auth DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = c.Postgres
	case "mysql":
		auth = c.MySQL
	default:
		// Left as-is so database.Open reports the unsupported driver.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = auth.Password
	return dbCfg
}
