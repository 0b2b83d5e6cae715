package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	sqliteMemoryDSN = "file::memory:?cache=shared&_foreign_keys=1"
	// Concurrent stream registrations wait this long for the single SQLite writer.
	sqliteBusyTimeoutMillis = 5000
)

func openSQLite(cfg Config) (*gorm.DB, error) {
	dsn := sqliteDSN(cfg)
	if !isSQLiteMemory(dsn) && strings.TrimSpace(cfg.DSN) == "" {
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

func sqliteDSN(cfg Config) string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" || strings.EqualFold(path, ":memory:") {
		return sqliteMemoryDSN
	}
	return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=%d",
		filepath.ToSlash(path), sqliteBusyTimeoutMillis)
}

// isSQLiteMemory reports whether dsn names a shared-cache in-memory database. Such a database
// lives as long as one connection stays open, and a second connection gets SQLITE_LOCKED
// instead of waiting for a writer.
func isSQLiteMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// sqlitePool pins in-memory databases to one long-lived connection.
func sqlitePool(dsn string, pool PoolConfig) PoolConfig {
	if !isSQLiteMemory(dsn) {
		return pool
	}
	return PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
}

func ensureDir(path string) error {
	dir := filepath.Dir(strings.TrimSpace(path))
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
