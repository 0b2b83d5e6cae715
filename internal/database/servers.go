package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/confsessions/internal/models"
)

// UpsertServer records the node in the servers table, marking it active.
func UpsertServer(ctx context.Context, db *gorm.DB, server *models.Server) error {
	if db == nil {
		return errors.New("servers: db is nil")
	}
	if server == nil {
		return errors.New("servers: server is required")
	}
	// Only the columns the caller supplied overwrite an existing row.
	updates := []string{"active", "last_seen_at", "updated_at"}
	server.Name = strings.TrimSpace(server.Name)
	if server.Name == "" {
		server.Name = server.ID
	} else {
		updates = append(updates, "name")
	}
	if strings.TrimSpace(server.Address) != "" {
		updates = append(updates, "address")
	}
	if len(server.Labels) > 0 {
		updates = append(updates, "labels")
	}
	server.Active = true
	if server.LastSeenAt.IsZero() {
		server.LastSeenAt = time.Now()
	}

	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).Create(server).Error
	if err != nil {
		return fmt.Errorf("servers: upsert %q: %w", server.ID, err)
	}
	return nil
}

// TouchServer refreshes the heartbeat timestamp of a node.
func TouchServer(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	if db == nil {
		return errors.New("servers: db is nil")
	}
	result := db.WithContext(ctx).
		Model(&models.Server{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_seen_at": now, "active": true})
	if result.Error != nil {
		return fmt.Errorf("servers: touch %q: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("servers: touch %q: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeactivateServer flags a node as gone without deleting its row.
func DeactivateServer(ctx context.Context, db *gorm.DB, id string) error {
	if db == nil {
		return errors.New("servers: db is nil")
	}
	return db.WithContext(ctx).
		Model(&models.Server{}).
		Where("id = ?", id).
		Update("active", false).Error
}

// StaleServers lists active nodes whose last heartbeat is older than the cutoff.
func StaleServers(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]models.Server, error) {
	if db == nil {
		return nil, errors.New("servers: db is nil")
	}
	var servers []models.Server
	if err := db.WithContext(ctx).
		Where("active = ? AND last_seen_at < ?", true, cutoff).
		Order("id").
		Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("servers: stale lookup: %w", err)
	}
	return servers, nil
}
