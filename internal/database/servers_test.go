package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/models"
)

func TestUpsertAndTouchServer(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db))
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	server := &models.Server{BaseModel: models.BaseModel{ID: "node-a"}, Address: "10.0.0.1:5080", LastSeenAt: start}
	require.NoError(t, UpsertServer(ctx, db, server))
	require.Equal(t, "node-a", server.Name, "name defaults to the id")

	// Upsert again with a new address keeps a single row.
	again := &models.Server{BaseModel: models.BaseModel{ID: "node-a"}, Name: "Node A", Address: "10.0.0.2:5080", LastSeenAt: start}
	require.NoError(t, UpsertServer(ctx, db, again))

	var count int64
	require.NoError(t, db.Model(&models.Server{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	later := start.Add(time.Minute)
	require.NoError(t, TouchServer(ctx, db, "node-a", later))

	var stored models.Server
	require.NoError(t, db.Take(&stored, "id = ?", "node-a").Error)
	require.Equal(t, "10.0.0.2:5080", stored.Address)
	require.True(t, stored.LastSeenAt.Equal(later))

	require.Error(t, TouchServer(ctx, db, "missing", later))

	// An id-only upsert refreshes liveness without wiping name or address.
	require.NoError(t, UpsertServer(ctx, db, &models.Server{BaseModel: models.BaseModel{ID: "node-a"}}))
	require.NoError(t, db.Take(&stored, "id = ?", "node-a").Error)
	require.Equal(t, "Node A", stored.Name)
	require.Equal(t, "10.0.0.2:5080", stored.Address)
	require.True(t, stored.Active)
}

func TestStaleServers(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db))
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, UpsertServer(ctx, db, &models.Server{BaseModel: models.BaseModel{ID: "fresh"}, LastSeenAt: now}))
	require.NoError(t, UpsertServer(ctx, db, &models.Server{BaseModel: models.BaseModel{ID: "old"}, LastSeenAt: now.Add(-10 * time.Minute)}))

	stale, err := StaleServers(ctx, db, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].ID)

	require.NoError(t, DeactivateServer(ctx, db, "old"))
	stale, err = StaleServers(ctx, db, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)
}
