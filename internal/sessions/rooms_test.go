package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/cache"
	"github.com/charlesng35/confsessions/internal/database/testutil"
)

func TestRoomCounterWithDatabaseStore(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	counter := NewRoomCounter(cache.NewDatabaseStore(db), time.Minute)
	ctx := context.Background()

	_, ok, err := counter.Count(ctx, 12)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, counter.Publish(ctx, 12, 4))
	count, ok, err := counter.Count(ctx, 12)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, count)

	require.NoError(t, counter.Forget(ctx, 12))
	_, ok, err = counter.Count(ctx, 12)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoomCounterNilStore(t *testing.T) {
	require.Nil(t, NewRoomCounter(nil, time.Minute))

	var counter *RoomCounter
	require.NoError(t, counter.Publish(context.Background(), 1, 1))
	require.NoError(t, counter.Forget(context.Background(), 1))
	_, _, err := counter.Count(context.Background(), 1)
	require.Error(t, err)
}

func TestRoomCountKey(t *testing.T) {
	require.Equal(t, "rooms:42:clients", RoomCountKey(42))
}

func TestRoomLocksSerialisePerRoom(t *testing.T) {
	locks := newRoomLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Empty(t, locks.locks, "idle rooms release their lock")
}

func TestRoomLocksRecord(t *testing.T) {
	locks := newRoomLocks()

	_, known := locks.record(3, 2)
	require.False(t, known)

	previous, known := locks.record(3, 0)
	require.True(t, known)
	require.Equal(t, 2, previous)

	_, known = locks.record(3, 0)
	require.False(t, known, "empty rooms are forgotten")

	locks.record(4, 1)
	require.Equal(t, []int64{4}, locks.reset())
	require.Empty(t, locks.reset())
}

func TestSortSessionsBreaksTiesByStreamID(t *testing.T) {
	items := []ClientSession{
		session("c", "p", 1),
		session("a", "p", 2),
		session("b", "p", 1),
		{StreamID: "d"},
	}
	sortSessions(items, OrderByRoomID, true)
	ids := []string{items[0].StreamID, items[1].StreamID, items[2].StreamID, items[3].StreamID}
	require.Equal(t, []string{"d", "b", "c", "a"}, ids)

	sortSessions(items, OrderByRoomID, false)
	ids = []string{items[0].StreamID, items[1].StreamID, items[2].StreamID, items[3].StreamID}
	require.Equal(t, []string{"a", "b", "c", "d"}, ids)

	require.True(t, IsSortField(" Connected_Since "))
	require.True(t, IsSortField(""))
	require.False(t, IsSortField("secret"))
}
