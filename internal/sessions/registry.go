package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/charlesng35/confsessions/internal/monitoring"
	apperrors "github.com/charlesng35/confsessions/pkg/errors"
	"github.com/charlesng35/confsessions/pkg/logger"
)

const (
	defaultStoreTimeout = 3 * time.Second
	searchObjectName    = "ClientSession"
)

// Options configures a Registry.
type Options struct {
	// Node is the server this process runs as. Nil makes this process the master node whose
	// sessions carry no server id.
	Node *Server
	// StoreTimeout bounds every call into the Source.
	StoreTimeout time.Duration
	// Counter publishes room occupancy to the shared cache. Optional.
	Counter *RoomCounter
	// Events receives registry events. Optional.
	Events EventPublisher
}

// Registry is the authoritative set of connected streams. All aggregation is written here once
// against a Source; construct one per process and pass it to every collaborator.
type Registry struct {
	source  Source
	node    *Server
	timeout time.Duration
	counter *RoomCounter
	events  EventPublisher
	rooms   *roomLocks
	log     *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewRegistry constructs a Registry over source.
func NewRegistry(source Source, opts Options) (*Registry, error) {
	if source == nil {
		return nil, errors.New("sessions: source is required")
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	node := opts.Node.clone()
	if node.IsLocal() {
		node = nil
	}
	return &Registry{
		source:  source,
		node:    node,
		timeout: timeout,
		counter: opts.Counter,
		events:  opts.Events,
		rooms:   newRoomLocks(),
		log:     logger.WithModule("sessions"),
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// Node returns the server this registry runs as, nil for the master node.
func (r *Registry) Node() *Server {
	return r.node.clone()
}

// SourceKind names the backing source.
func (r *Registry) SourceKind() string {
	return r.source.Kind()
}

// Check verifies that the source answers within the store timeout.
func (r *Registry) Check(ctx context.Context) error {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()
	if _, err := r.source.Partitions(ctx); err != nil {
		return storeError("check", err)
	}
	return nil
}

// Add registers a new stream on server (nil = this node). A stream id that is already
// registered anywhere is rejected with errors.ErrDuplicateStream and the registry is left
// unchanged.
func (r *Registry) Add(ctx context.Context, session ClientSession, server *Server) (ClientSession, error) {
	started := r.now()

	session = session.Clone()
	session.StreamID = strings.TrimSpace(session.StreamID)
	if session.StreamID == "" {
		return ClientSession{}, apperrors.NewBadRequest("stream id is required")
	}
	if session.PublicSID == "" {
		session.PublicSID = r.newID()
	}
	if session.ConnectedSince.IsZero() {
		session.ConnectedSince = started.UTC()
	}

	target := r.resolve(server)
	session.ServerID = partitionPtr(target.partition())

	if !target.IsLocal() {
		if err := r.registerServer(ctx, *target); err != nil {
			r.observe("add", started, err)
			return ClientSession{}, err
		}
	}

	storeCtx, cancel := r.storeContext(ctx)
	stored, err := r.source.Insert(storeCtx, session)
	cancel()
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateStream) {
			r.log.Warn("duplicate stream rejected",
				zap.String("stream_id", session.StreamID),
				zap.String("server_id", target.partition()))
			r.observe("add", started, err)
			return ClientSession{}, err
		}
		err = storeError("add", err)
		r.log.Error("add stream failed", zap.String("stream_id", session.StreamID), zap.Error(err))
		r.observe("add", started, err)
		return ClientSession{}, err
	}

	monitoring.AdjustActiveSessions(1)
	r.observe("add", started, nil)
	r.publish(EventSessionAdded, stored.Clone())
	if stored.RoomID != nil {
		r.refreshRoom(ctx, *stored.RoomID)
	}
	return stored, nil
}

// AddClientListItem creates and registers a session for a freshly opened connection. The
// public session id is generated.
func (r *Registry) AddClientListItem(ctx context.Context, streamID, scopeName string, remotePort int, remoteAddress, swfURL string, server *Server) (ClientSession, error) {
	return r.Add(ctx, ClientSession{
		StreamID:      streamID,
		PublicSID:     r.newID(),
		ScopeName:     scopeName,
		RemotePort:    remotePort,
		RemoteAddress: remoteAddress,
		SwfURL:        swfURL,
	}, server)
}

// Clients returns a snapshot of every session on every server.
func (r *Registry) Clients(ctx context.Context) ([]ClientSession, error) {
	snapshot, err := r.scan(ctx, "clients", Filter{})
	if err != nil {
		return nil, err
	}
	return snapshot.sessions(), nil
}

// ClientsWithServer returns every session paired with the server owning it.
func (r *Registry) ClientsWithServer(ctx context.Context) ([]ClientSessionInfo, error) {
	snapshot, err := r.scan(ctx, "clients_with_server", Filter{})
	if err != nil {
		return nil, err
	}
	return snapshot.infos(), nil
}

// ClientByStreamID looks a stream up on one server.
func (r *Registry) ClientByStreamID(ctx context.Context, streamID string, server *Server) (ClientSession, bool, error) {
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()

	session, ok, err := r.source.Get(storeCtx, r.resolve(server).partition(), streamID)
	if err != nil {
		return ClientSession{}, false, storeError("get", err)
	}
	return session, ok, nil
}

// ClientByPublicSID looks a user session up on one server. When the user has several streams
// the full (non audio/video) session wins, then the lowest stream id.
func (r *Registry) ClientByPublicSID(ctx context.Context, publicSID string, server *Server) (ClientSession, bool, error) {
	if publicSID == "" {
		return ClientSession{}, false, nil
	}
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()

	matches, err := r.source.List(storeCtx, r.resolve(server).partition(), Filter{PublicSID: publicSID})
	if err != nil {
		return ClientSession{}, false, storeError("get_by_public_sid", err)
	}
	return preferFull(matches)
}

// ClientByPublicSIDAnyServer searches every server for the user session. It scans all
// partitions and is therefore slower than ClientByPublicSID.
func (r *Registry) ClientByPublicSIDAnyServer(ctx context.Context, publicSID string) (ClientSessionInfo, bool, error) {
	if publicSID == "" {
		return ClientSessionInfo{}, false, nil
	}
	snapshot, err := r.scan(ctx, "get_by_public_sid_any_server", Filter{PublicSID: publicSID})
	if err != nil {
		return ClientSessionInfo{}, false, err
	}

	infos := snapshot.infos()
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i].Session, infos[j].Session
		if a.IsAVClient != b.IsAVClient {
			return !a.IsAVClient
		}
		return a.StreamID < b.StreamID
	})
	if len(infos) == 0 {
		return ClientSessionInfo{}, false, nil
	}
	return infos[0], true, nil
}

// ClientByUserID returns one session of the user.
//
// Deprecated: a user can hold several streams at once and the choice between them is arbitrary.
// Use ClientsByUserID.
func (r *Registry) ClientByUserID(ctx context.Context, userID int64) (ClientSession, bool, error) {
	sessions, err := r.ClientsByUserID(ctx, userID)
	if err != nil || len(sessions) == 0 {
		return ClientSession{}, false, err
	}
	return sessions[0], true, nil
}

// ClientsByUserID returns every session of the user on every server.
func (r *Registry) ClientsByUserID(ctx context.Context, userID int64) ([]ClientSession, error) {
	snapshot, err := r.scan(ctx, "get_by_user", Filter{UserID: int64Ptr(userID)})
	if err != nil {
		return nil, err
	}
	return snapshot.sessions(), nil
}

// UpdateAVClientByStreamID stores the media state of an audio/video stream and mirrors it onto
// the full session sharing the stream's public session id on the same server. It reports
// whether the stream was found.
func (r *Registry) UpdateAVClientByStreamID(ctx context.Context, streamID string, updated ClientSession, server *Server) (bool, error) {
	started := r.now()
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()

	var full *ClientSession
	stored, ok, err := r.source.Update(storeCtx, r.resolve(server).partition(), streamID, func(target *ClientSession, peers []*ClientSession) {
		target.Media = updated.Media
		for _, peer := range peers {
			if !peer.IsAVClient {
				peer.Media = updated.Media
				full = peer
				break
			}
		}
	})
	if err != nil {
		err = storeError("update_av", err)
		r.observe("update_av", started, err)
		return false, err
	}
	r.observe("update_av", started, nil)
	if !ok {
		return false, nil
	}

	r.publish(EventSessionUpdated, stored)
	if full != nil {
		r.publish(EventSessionUpdated, full.Clone())
	}
	return true, nil
}

// UpdateClientByStreamID replaces the fields of a stream with those of updated. The stream id
// and owning server cannot change. With updateRoomCount the room aggregates of the old and new
// room are recomputed.
func (r *Registry) UpdateClientByStreamID(ctx context.Context, streamID string, updated ClientSession, updateRoomCount bool, server *Server) (bool, error) {
	started := r.now()
	storeCtx, cancel := r.storeContext(ctx)

	var previousRoom *int64
	stored, ok, err := r.source.Update(storeCtx, r.resolve(server).partition(), streamID, func(target *ClientSession, _ []*ClientSession) {
		previousRoom = target.Clone().RoomID
		connected, publicSID := target.ConnectedSince, target.PublicSID
		*target = updated.Clone()
		if target.ConnectedSince.IsZero() {
			target.ConnectedSince = connected
		}
		if target.PublicSID == "" {
			target.PublicSID = publicSID
		}
	})
	cancel()
	if err != nil {
		err = storeError("update", err)
		r.observe("update", started, err)
		return false, err
	}
	r.observe("update", started, nil)
	if !ok {
		return false, nil
	}

	r.publish(EventSessionUpdated, stored)
	if updateRoomCount {
		rooms := make([]int64, 0, 2)
		if previousRoom != nil {
			rooms = append(rooms, *previousRoom)
		}
		if stored.RoomID != nil {
			rooms = append(rooms, *stored.RoomID)
		}
		for _, roomID := range lo.Uniq(rooms) {
			r.refreshRoom(ctx, roomID)
		}
	}
	return true, nil
}

// RemoveClient unregisters a stream and reports whether it existed. The room of the stream is
// recomputed and announced as emptied when no client is left in it.
func (r *Registry) RemoveClient(ctx context.Context, streamID string, server *Server) (bool, error) {
	started := r.now()
	storeCtx, cancel := r.storeContext(ctx)
	removed, ok, err := r.source.Delete(storeCtx, r.resolve(server).partition(), streamID)
	cancel()
	if err != nil {
		err = storeError("remove", err)
		r.observe("remove", started, err)
		return false, err
	}
	r.observe("remove", started, nil)
	if !ok {
		return false, nil
	}

	monitoring.AdjustActiveSessions(-1)
	r.publish(EventSessionRemoved, removed)
	if removed.RoomID != nil {
		r.refreshRoom(ctx, *removed.RoomID)
	}
	return true, nil
}

// ClientListByRoom returns the sessions of a room held by this node, ordered by stream id.
func (r *Registry) ClientListByRoom(ctx context.Context, roomID int64) ([]ClientSession, error) {
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()

	sessions, err := r.source.List(storeCtx, r.node.partition(), Filter{RoomID: int64Ptr(roomID)})
	if err != nil {
		return nil, storeError("list_room", err)
	}
	return sessions, nil
}

// ClientListByRoomAll returns the sessions of a room on every server. It answers whether a room
// is empty anywhere in the cluster.
func (r *Registry) ClientListByRoomAll(ctx context.Context, roomID int64) ([]ClientSession, error) {
	snapshot, err := r.scan(ctx, "list_room_all", Filter{RoomID: int64Ptr(roomID)})
	if err != nil {
		return nil, err
	}
	return snapshot.sessions(), nil
}

// CurrentModeratorByRoom returns the moderators present in a room on any server.
func (r *Registry) CurrentModeratorByRoom(ctx context.Context, roomID int64) ([]ClientSession, error) {
	sessions, err := r.ClientListByRoomAll(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(sessions, func(s ClientSession, _ int) bool { return s.IsModerator }), nil
}

// ListByStartAndMax returns one page of all sessions sorted by orderBy. Ties are broken by
// stream id so consecutive pages never overlap. A non positive max returns everything from
// start.
func (r *Registry) ListByStartAndMax(ctx context.Context, start, maxResults int, orderBy string, asc bool) (SearchResult, error) {
	if start < 0 {
		return SearchResult{}, apperrors.NewBadRequest("start must not be negative")
	}
	if !IsSortField(orderBy) {
		return SearchResult{}, apperrors.NewBadRequest(fmt.Sprintf("cannot order sessions by %q", orderBy))
	}

	sessions, err := r.Clients(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	sortSessions(sessions, orderBy, asc)

	result := SearchResult{ObjectName: searchObjectName, Total: int64(len(sessions)), Records: []ClientSession{}}
	if start >= len(sessions) {
		return result, nil
	}
	end := len(sessions)
	if maxResults > 0 && maxResults < end-start {
		end = start + maxResults
	}
	result.Records = sessions[start:end]
	return result, nil
}

// RecordingCount counts the recording sessions of a room on every server. Room 0 counts all
// rooms.
func (r *Registry) RecordingCount(ctx context.Context, roomID int64) (int, error) {
	return r.countInRoom(ctx, "recording_count", roomID, func(s ClientSession) bool { return s.IsRecording })
}

// PublishingCount counts the sessions sharing their screen in a room on every server. Room 0
// counts all rooms.
func (r *Registry) PublishingCount(ctx context.Context, roomID int64) (int, error) {
	return r.countInRoom(ctx, "publishing_count", roomID, func(s ClientSession) bool { return s.IsPublishingScreen })
}

// ActiveRoomIDsByServer returns the distinct rooms with at least one session on server, sorted
// ascending.
func (r *Registry) ActiveRoomIDsByServer(ctx context.Context, server *Server) ([]int64, error) {
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()

	sessions, err := r.source.List(storeCtx, r.resolve(server).partition(), Filter{})
	if err != nil {
		return nil, storeError("active_rooms", err)
	}
	return activeRooms(sessions), nil
}

// SessionStatistics summarises every reachable server.
func (r *Registry) SessionStatistics(ctx context.Context) (Statistics, error) {
	snapshot, err := r.scan(ctx, "statistics", Filter{})
	if err != nil {
		return Statistics{}, err
	}

	all := snapshot.sessions()
	stats := Statistics{
		Source:             r.source.Kind(),
		GeneratedAt:        r.now().UTC(),
		Total:              len(all),
		Users:              len(lo.Uniq(lo.Map(all, func(s ClientSession, _ int) string { return s.PublicSID }))),
		Rooms:              len(activeRooms(all)),
		Recording:          lo.CountBy(all, func(s ClientSession) bool { return s.IsRecording }),
		Publishing:         lo.CountBy(all, func(s ClientSession) bool { return s.IsPublishingScreen }),
		Servers:            make([]ServerStatistics, 0, len(snapshot.partitions)),
		UnreachableServers: snapshot.unreachable,
	}
	for _, part := range snapshot.partitions {
		stats.Servers = append(stats.Servers, ServerStatistics{
			Server:     part.server.clone(),
			Sessions:   len(part.sessions),
			Rooms:      len(activeRooms(part.sessions)),
			Recording:  lo.CountBy(part.sessions, func(s ClientSession) bool { return s.IsRecording }),
			Publishing: lo.CountBy(part.sessions, func(s ClientSession) bool { return s.IsPublishingScreen }),
			Moderators: lo.CountBy(part.sessions, func(s ClientSession) bool { return s.IsModerator }),
		})
	}
	return stats, nil
}

// ClearCache drops the sessions held for this node together with the derived room state. With
// a shared database only the rows of this node are removed.
func (r *Registry) ClearCache(ctx context.Context) error {
	started := r.now()
	storeCtx, cancel := r.storeContext(ctx)
	removed, err := r.source.Clear(storeCtx)
	cancel()
	if err != nil {
		err = storeError("clear", err)
		r.observe("clear", started, err)
		return err
	}

	r.resetRooms(ctx)
	monitoring.AdjustActiveSessions(-removed)
	r.observe("clear", started, nil)
	r.log.Info("session cache cleared", zap.Int64("removed", removed))
	r.publish(EventRegistryCleared, ClearedEvent{ServerID: r.node.partition(), Removed: removed})
	return nil
}

// SessionStart prepares the registry when the node starts: the node is registered with the
// source and any sessions it left behind before a restart are purged.
func (r *Registry) SessionStart(ctx context.Context) error {
	started := r.now()
	if r.node != nil {
		if err := r.registerServer(ctx, *r.node); err != nil {
			r.observe("session_start", started, err)
			return err
		}
	}

	storeCtx, cancel := r.storeContext(ctx)
	removed, err := r.source.Clear(storeCtx)
	cancel()
	if err != nil {
		err = storeError("session_start", err)
		r.observe("session_start", started, err)
		return err
	}

	r.resetRooms(ctx)
	monitoring.AdjustActiveSessions(-removed)
	r.observe("session_start", started, nil)
	r.log.Info("session registry started",
		zap.String("source", r.source.Kind()),
		zap.String("server_id", r.node.partition()),
		zap.Int64("stale_sessions_removed", removed))
	return nil
}

// PurgeServer removes every session owned by server, e.g. after the node stopped sending
// heartbeats. It returns the number of sessions removed.
func (r *Registry) PurgeServer(ctx context.Context, server *Server) (int64, error) {
	started := r.now()
	storeCtx, cancel := r.storeContext(ctx)
	removed, err := r.source.Purge(storeCtx, r.resolve(server).partition())
	cancel()
	if err != nil {
		err = storeError("purge", err)
		r.observe("purge", started, err)
		return 0, err
	}
	r.observe("purge", started, nil)
	if removed > 0 {
		monitoring.AdjustActiveSessions(-removed)
		r.resetRooms(ctx)
	}
	return removed, nil
}

// RoomClientCount returns the published cluster-wide occupancy of a room, falling back to a
// scan when no counter is configured or the value expired.
func (r *Registry) RoomClientCount(ctx context.Context, roomID int64) (int, error) {
	if r.counter != nil {
		storeCtx, cancel := r.storeContext(ctx)
		count, ok, err := r.counter.Count(storeCtx, roomID)
		cancel()
		if err == nil && ok {
			return count, nil
		}
		if err != nil {
			r.log.Warn("room counter read failed", zap.Int64("room_id", roomID), zap.Error(err))
		}
	}
	sessions, err := r.ClientListByRoomAll(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func (r *Registry) countInRoom(ctx context.Context, op string, roomID int64, predicate func(ClientSession) bool) (int, error) {
	filter := Filter{}
	if roomID != 0 {
		filter.RoomID = int64Ptr(roomID)
	}
	snapshot, err := r.scan(ctx, op, filter)
	if err != nil {
		return 0, err
	}
	return lo.CountBy(snapshot.sessions(), predicate), nil
}

// refreshRoom recomputes the occupancy of a room under the room's lock, publishes it and emits
// EventRoomEmptied when the last client left. Failures are logged; the triggering mutation has
// already been applied.
func (r *Registry) refreshRoom(ctx context.Context, roomID int64) {
	unlock := r.rooms.lock(roomID)
	defer unlock()

	snapshot, err := r.scan(ctx, "room_refresh", Filter{RoomID: int64Ptr(roomID)})
	if err != nil {
		r.log.Warn("room recomputation failed", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}
	if len(snapshot.unreachable) > 0 {
		// The count would be too low; keep the previous value.
		return
	}

	clients := len(snapshot.sessions())
	storeCtx, cancel := r.storeContext(ctx)
	if err := r.counter.Publish(storeCtx, roomID, clients); err != nil {
		r.log.Warn("room count publish failed", zap.Int64("room_id", roomID), zap.Error(err))
	}
	cancel()

	previous, known := r.rooms.record(roomID, clients)
	if clients == 0 && (!known || previous > 0) {
		monitoring.RecordRoomEvent("emptied")
		r.publish(EventRoomEmptied, RoomEvent{RoomID: roomID, ServerID: r.node.partition()})
	}
}

func (r *Registry) resetRooms(ctx context.Context) {
	rooms := r.rooms.reset()
	if len(rooms) == 0 || r.counter == nil {
		return
	}
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.counter.Forget(storeCtx, rooms...); err != nil {
		r.log.Warn("room counts reset failed", zap.Int("rooms", len(rooms)), zap.Error(err))
	}
}

func (r *Registry) registerServer(ctx context.Context, server Server) error {
	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.source.RegisterServer(storeCtx, server); err != nil {
		return storeError("register_server", err)
	}
	return nil
}

// resolve maps nil to the node this registry runs as.
func (r *Registry) resolve(server *Server) *Server {
	if server == nil {
		return r.node
	}
	return server
}

func (r *Registry) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Registry) observe(op string, started time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrDuplicateStream):
		result = "duplicate"
	default:
		result = "error"
	}
	monitoring.RecordSessionOperation(op, result, r.now().Sub(started))
}

// storeError marks err as a recoverable failure of the session store.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.ErrSessionStore.WithInternal(fmt.Errorf("%s: %w", op, err))
}

// preferFull picks the full session among streams sharing a public session id.
func preferFull(matches []ClientSession) (ClientSession, bool, error) {
	if len(matches) == 0 {
		return ClientSession{}, false, nil
	}
	best := matches[0]
	for _, candidate := range matches[1:] {
		if best.IsAVClient && !candidate.IsAVClient {
			best = candidate
			continue
		}
		if best.IsAVClient == candidate.IsAVClient && candidate.StreamID < best.StreamID {
			best = candidate
		}
	}
	return best, true, nil
}

func activeRooms(sessions []ClientSession) []int64 {
	rooms := lo.Uniq(lo.FilterMap(sessions, func(s ClientSession, _ int) (int64, bool) {
		if s.RoomID == nil {
			return 0, false
		}
		return *s.RoomID, true
	}))
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}
