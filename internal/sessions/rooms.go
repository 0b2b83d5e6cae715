package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charlesng35/confsessions/internal/cache"
)

const defaultRoomCountTTL = 10 * time.Minute

// RoomCountKey is the shared cache key holding the cluster-wide number of clients in a room.
func RoomCountKey(roomID int64) string {
	return fmt.Sprintf("rooms:%d:clients", roomID)
}

// RoomCounter publishes room occupancy to the shared cache so other nodes can read it without
// scanning the registry.
type RoomCounter struct {
	store cache.Store
	ttl   time.Duration
}

// NewRoomCounter constructs a RoomCounter. It returns nil when store is nil.
func NewRoomCounter(store cache.Store, ttl time.Duration) *RoomCounter {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRoomCountTTL
	}
	return &RoomCounter{store: store, ttl: ttl}
}

// Publish stores the number of clients of a room.
func (c *RoomCounter) Publish(ctx context.Context, roomID int64, clients int) error {
	if c == nil {
		return nil
	}
	return c.store.Set(ctx, RoomCountKey(roomID), []byte(strconv.Itoa(clients)), c.ttl)
}

// Count reads the last published number of clients of a room.
func (c *RoomCounter) Count(ctx context.Context, roomID int64) (int, bool, error) {
	if c == nil {
		return 0, false, errors.New("sessions: room counter not configured")
	}
	raw, ok, err := c.store.Get(ctx, RoomCountKey(roomID))
	if err != nil || !ok {
		return 0, false, err
	}
	count, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("sessions: malformed room count for room %d: %w", roomID, err)
	}
	return count, true, nil
}

// Forget removes the published counts of the rooms.
func (c *RoomCounter) Forget(ctx context.Context, roomIDs ...int64) error {
	if c == nil || len(roomIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(roomIDs))
	for _, id := range roomIDs {
		keys = append(keys, RoomCountKey(id))
	}
	return c.store.Delete(ctx, keys...)
}

// roomLocks serialises aggregate recomputation per room and remembers the last computed
// occupancy of every room this node has seen.
type roomLocks struct {
	mu     sync.Mutex
	locks  map[int64]*roomLock
	counts map[int64]int
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{
		locks:  make(map[int64]*roomLock),
		counts: make(map[int64]int),
	}
}

func (l *roomLocks) lock(roomID int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[roomID]
	if !ok {
		entry = &roomLock{}
		l.locks[roomID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

// record stores the new occupancy and returns the previous one; known is false for rooms that
// were never recorded.
func (l *roomLocks) record(roomID int64, clients int) (previous int, known bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous, known = l.counts[roomID]
	if clients == 0 {
		delete(l.counts, roomID)
	} else {
		l.counts[roomID] = clients
	}
	return previous, known
}

func (l *roomLocks) reset() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rooms := make([]int64, 0, len(l.counts))
	for id := range l.counts {
		rooms = append(rooms, id)
	}
	l.counts = make(map[int64]int)
	return rooms
}
