package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/confsessions/internal/database"
	"github.com/charlesng35/confsessions/internal/models"
	apperrors "github.com/charlesng35/confsessions/pkg/errors"
)

// DatabaseSourceOptions configures a DatabaseSource.
type DatabaseSourceOptions struct {
	// Node is the partition owned by this process. Clear only touches this partition.
	Node string
	// Labels are stored with the node's row in the servers table.
	Labels map[string]string
}

// DatabaseSource stores sessions in the shared SQL database so every node of a cluster sees the
// sessions of every other node.
type DatabaseSource struct {
	db     *gorm.DB
	node   string
	labels datatypes.JSON
}

// NewDatabaseSource constructs a DatabaseSource. The schema must already be migrated.
func NewDatabaseSource(db *gorm.DB, opts DatabaseSourceOptions) (*DatabaseSource, error) {
	if db == nil {
		return nil, errors.New("sessions: database source requires a db")
	}
	source := &DatabaseSource{db: db, node: strings.TrimSpace(opts.Node)}
	if len(opts.Labels) > 0 {
		raw, err := json.Marshal(opts.Labels)
		if err != nil {
			return nil, fmt.Errorf("sessions: encode node labels: %w", err)
		}
		source.labels = datatypes.JSON(raw)
	}
	return source, nil
}

// Kind implements Source.
func (d *DatabaseSource) Kind() string { return "database" }

// Insert implements Source.
func (d *DatabaseSource) Insert(ctx context.Context, session ClientSession) (ClientSession, error) {
	row := toRow(session)
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ClientSession{}, apperrors.ErrDuplicateStream.WithInternal(err)
		}
		return ClientSession{}, fmt.Errorf("insert stream %s: %w", session.StreamID, err)
	}
	return fromRow(row), nil
}

// Get implements Source.
func (d *DatabaseSource) Get(ctx context.Context, partition, streamID string) (ClientSession, bool, error) {
	var row models.StreamClient
	err := scopePartition(d.db.WithContext(ctx), partition).
		Take(&row, "stream_id = ?", streamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientSession{}, false, nil
	}
	if err != nil {
		return ClientSession{}, false, fmt.Errorf("get stream %s: %w", streamID, err)
	}
	return fromRow(row), true, nil
}

// Update implements Source. The target row and its peers are locked for the duration of the
// transaction.
func (d *DatabaseSource) Update(ctx context.Context, partition, streamID string, fn UpdateFunc) (ClientSession, bool, error) {
	var (
		result ClientSession
		found  bool
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.StreamClient
		err := scopePartition(tx.Clauses(clause.Locking{Strength: "UPDATE"}), partition).
			Take(&row, "stream_id = ?", streamID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var peerRows []models.StreamClient
		if row.PublicSID != "" {
			if err := scopePartition(tx.Clauses(clause.Locking{Strength: "UPDATE"}), partition).
				Where("public_sid = ? AND stream_id <> ?", row.PublicSID, row.StreamID).
				Order("stream_id").
				Find(&peerRows).Error; err != nil {
				return err
			}
		}

		target := fromRow(row)
		before := make([]ClientSession, len(peerRows))
		peers := make([]*ClientSession, len(peerRows))
		for i, peerRow := range peerRows {
			before[i] = fromRow(peerRow)
			peer := before[i].Clone()
			peers[i] = &peer
		}

		fn(&target, peers)
		target.StreamID = row.StreamID
		target.ServerID = row.ServerID

		updated := toRow(target)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		for i, peer := range peers {
			peer.StreamID = before[i].StreamID
			peer.ServerID = before[i].ServerID
			if reflect.DeepEqual(*peer, before[i]) {
				continue
			}
			peerRow := toRow(*peer)
			if err := tx.Save(&peerRow).Error; err != nil {
				return err
			}
		}

		result = fromRow(updated)
		found = true
		return nil
	})
	if err != nil {
		return ClientSession{}, false, fmt.Errorf("update stream %s: %w", streamID, err)
	}
	return result, found, nil
}

// Delete implements Source.
func (d *DatabaseSource) Delete(ctx context.Context, partition, streamID string) (ClientSession, bool, error) {
	var (
		removed ClientSession
		found   bool
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.StreamClient
		err := scopePartition(tx.Clauses(clause.Locking{Strength: "UPDATE"}), partition).
			Take(&row, "stream_id = ?", streamID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result := tx.Where("stream_id = ?", row.StreamID).Delete(&models.StreamClient{})
		if result.Error != nil {
			return result.Error
		}
		removed = fromRow(row)
		found = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return ClientSession{}, false, fmt.Errorf("delete stream %s: %w", streamID, err)
	}
	return removed, found, nil
}

// RegisterServer implements Source.
func (d *DatabaseSource) RegisterServer(ctx context.Context, server Server) error {
	if server.ID == "" {
		return nil
	}
	row := &models.Server{
		BaseModel: models.BaseModel{ID: server.ID},
		Name:      server.Name,
		Address:   server.Address,
	}
	if server.ID == d.node {
		row.Labels = d.labels
	}
	return database.UpsertServer(ctx, d.db, row)
}

// Partitions implements Source.
func (d *DatabaseSource) Partitions(ctx context.Context) ([]*Server, error) {
	// Master node rows carry a NULL server_id.
	var ids []sql.NullString
	if err := d.db.WithContext(ctx).
		Model(&models.StreamClient{}).
		Distinct("server_id").
		Pluck("server_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	named := make([]string, 0, len(ids))
	hasLocal := false
	for _, id := range ids {
		if !id.Valid || id.String == "" {
			hasLocal = true
			continue
		}
		named = append(named, id.String)
	}

	known := make(map[string]models.Server, len(named))
	if len(named) > 0 {
		var rows []models.Server
		if err := d.db.WithContext(ctx).Where("id IN ?", named).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("resolve servers: %w", err)
		}
		for _, row := range rows {
			known[row.ID] = row
		}
	}

	result := make([]*Server, 0, len(ids))
	if hasLocal {
		result = append(result, nil)
	}
	sort.Strings(named)
	for _, id := range named {
		server := &Server{ID: id}
		if row, ok := known[id]; ok {
			server.Name = row.Name
			server.Address = row.Address
		}
		result = append(result, server)
	}
	return result, nil
}

// List implements Source.
func (d *DatabaseSource) List(ctx context.Context, partition string, filter Filter) ([]ClientSession, error) {
	query := scopePartition(d.db.WithContext(ctx), partition)
	if filter.PublicSID != "" {
		query = query.Where("public_sid = ?", filter.PublicSID)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.RoomID != nil {
		query = query.Where("room_id = ?", *filter.RoomID)
	}

	var rows []models.StreamClient
	if err := query.
		Order("stream_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list partition %q: %w", partition, err)
	}
	result := make([]ClientSession, 0, len(rows))
	for _, row := range rows {
		result = append(result, fromRow(row))
	}
	return result, nil
}

// Purge implements Source.
func (d *DatabaseSource) Purge(ctx context.Context, partition string) (int64, error) {
	result := scopePartition(d.db.WithContext(ctx), partition).Delete(&models.StreamClient{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge partition %q: %w", partition, result.Error)
	}
	return result.RowsAffected, nil
}

// Clear implements Source. Only the rows owned by this node are removed; the sessions of other
// nodes stay in the shared store.
func (d *DatabaseSource) Clear(ctx context.Context) (int64, error) {
	return d.Purge(ctx, d.node)
}

func scopePartition(db *gorm.DB, partition string) *gorm.DB {
	if partition == "" {
		return db.Where("server_id IS NULL")
	}
	return db.Where("server_id = ?", partition)
}

func toRow(s ClientSession) models.StreamClient {
	s = s.Clone()
	return models.StreamClient{
		StreamID:           s.StreamID,
		PublicSID:          s.PublicSID,
		UserID:             s.UserID,
		RoomID:             s.RoomID,
		ServerID:           s.ServerID,
		ScopeName:          s.ScopeName,
		Username:           s.Username,
		RemotePort:         s.RemotePort,
		RemoteAddress:      s.RemoteAddress,
		SwfURL:             s.SwfURL,
		IsAVClient:         s.IsAVClient,
		IsModerator:        s.IsModerator,
		IsRecording:        s.IsRecording,
		IsPublishingScreen: s.IsPublishingScreen,
		BroadcastID:        s.Media.BroadcastID,
		Broadcasting:       s.Media.Broadcasting,
		MicMuted:           s.Media.MicMuted,
		AVSettings:         s.Media.AVSettings,
		VideoWidth:         s.Media.VideoWidth,
		VideoHeight:        s.Media.VideoHeight,
		VideoX:             s.Media.VideoX,
		VideoY:             s.Media.VideoY,
		ConnectedSince:     s.ConnectedSince,
	}
}

func fromRow(row models.StreamClient) ClientSession {
	session := ClientSession{
		StreamID:           row.StreamID,
		PublicSID:          row.PublicSID,
		UserID:             row.UserID,
		RoomID:             row.RoomID,
		ServerID:           row.ServerID,
		ScopeName:          row.ScopeName,
		Username:           row.Username,
		RemotePort:         row.RemotePort,
		RemoteAddress:      row.RemoteAddress,
		SwfURL:             row.SwfURL,
		IsAVClient:         row.IsAVClient,
		IsModerator:        row.IsModerator,
		IsRecording:        row.IsRecording,
		IsPublishingScreen: row.IsPublishingScreen,
		ConnectedSince:     row.ConnectedSince,
		Media: MediaState{
			BroadcastID:  row.BroadcastID,
			Broadcasting: row.Broadcasting,
			MicMuted:     row.MicMuted,
			AVSettings:   row.AVSettings,
			VideoWidth:   row.VideoWidth,
			VideoHeight:  row.VideoHeight,
			VideoX:       row.VideoX,
			VideoY:       row.VideoY,
		},
	}
	if session.ServerID != nil && *session.ServerID == "" {
		session.ServerID = nil
	}
	return session.Clone()
}

// isUniqueConstraintError detects primary key and uniqueness violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") || strings.Contains(lower, "duplicate")
}
