package sessions

import "context"

// UpdateFunc mutates target in place. peers holds the other sessions of the same partition that
// share target's public session id; any change made to them is persisted together with target.
type UpdateFunc func(target *ClientSession, peers []*ClientSession)

// Source is the storage behind a Registry. Sessions are partitioned by the id of the owning
// node, the empty partition being the local node. Every method is atomic on its own and returns
// detached copies.
type Source interface {
	// Kind names the implementation, e.g. "memory" or "database".
	Kind() string
	// Insert stores a new session. A stream id that is already present in any partition yields
	// an error matching errors.ErrDuplicateStream and leaves the store untouched.
	Insert(ctx context.Context, session ClientSession) (ClientSession, error)
	Get(ctx context.Context, partition, streamID string) (ClientSession, bool, error)
	Update(ctx context.Context, partition, streamID string, fn UpdateFunc) (ClientSession, bool, error)
	Delete(ctx context.Context, partition, streamID string) (ClientSession, bool, error)
	// RegisterServer records the name and address of a node so listings can resolve it.
	RegisterServer(ctx context.Context, server Server) error
	// Partitions lists the nodes currently holding at least one session. The local node is
	// reported as a nil entry.
	Partitions(ctx context.Context) ([]*Server, error)
	// List returns the sessions of one partition matching the filter, ordered by stream id.
	List(ctx context.Context, partition string, filter Filter) ([]ClientSession, error)
	// Purge removes every session of one partition and returns how many were removed.
	Purge(ctx context.Context, partition string) (int64, error)
	// Clear drops the sessions this node holds and returns how many were removed.
	Clear(ctx context.Context) (int64, error)
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	PublicSID string
	UserID    *int64
	RoomID    *int64
}

func (f Filter) matches(s ClientSession) bool {
	if f.PublicSID != "" && s.PublicSID != f.PublicSID {
		return false
	}
	if f.UserID != nil && !s.HasUser(*f.UserID) {
		return false
	}
	if f.RoomID != nil && !s.InRoom(*f.RoomID) {
		return false
	}
	return true
}
