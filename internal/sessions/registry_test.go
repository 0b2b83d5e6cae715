package sessions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/monitoring"
	apperrors "github.com/charlesng35/confsessions/pkg/errors"
)

func TestRegistryAddThenGetReturnsSameSession(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		s := session("s-1", "pub-1", 3)
		s.UserID = int64Ptr(11)
		s.IsModerator = true
		s.Media = MediaState{BroadcastID: "b-1", VideoWidth: 320, VideoHeight: 240}

		stored, err := registry.Add(ctx, s, nil)
		require.NoError(t, err)
		require.Equal(t, s, stored)

		got, ok, err := registry.ClientByStreamID(ctx, "s-1", nil)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, s, got)
	})
}

func TestRegistryAddRejectsDuplicateStream(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		_, err := registry.Add(ctx, session("s-1", "pub-1", 1), nil)
		require.NoError(t, err)

		replacement := session("s-1", "pub-2", 2)
		_, err = registry.Add(ctx, replacement, &Server{ID: "node-b"})
		require.ErrorIs(t, err, apperrors.ErrDuplicateStream)

		clients, err := registry.Clients(ctx)
		require.NoError(t, err)
		require.Len(t, clients, 1)
		require.Equal(t, "pub-1", clients[0].PublicSID, "the original entry is kept")
	})
}

func TestRegistryAddRequiresStreamID(t *testing.T) {
	registry := newTestRegistry(t, NewMemorySource(), Options{})
	_, err := registry.Add(context.Background(), ClientSession{}, nil)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestRegistryAddClientListItemGeneratesPublicSID(t *testing.T) {
	registry := newTestRegistry(t, NewMemorySource(), Options{})
	registry.newID = func() string { return "generated" }

	stored, err := registry.AddClientListItem(context.Background(), "s-1", "lobby", 5080, "192.0.2.1", "https://conf.example.org/main.swf", nil)
	require.NoError(t, err)
	require.Equal(t, "generated", stored.PublicSID)
	require.Equal(t, "lobby", stored.ScopeName)
	require.Equal(t, 5080, stored.RemotePort)
	require.Equal(t, fixedTime, stored.ConnectedSince)
	require.Nil(t, stored.ServerID)
}

func TestRegistrySizeTracksAddsMinusRemoves(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		for i := 0; i < 10; i++ {
			_, err := registry.Add(ctx, session(fmt.Sprintf("s-%02d", i), fmt.Sprintf("pub-%d", i), int64(i%3+1)), nil)
			require.NoError(t, err)
		}
		for i := 0; i < 10; i += 3 {
			removed, err := registry.RemoveClient(ctx, fmt.Sprintf("s-%02d", i), nil)
			require.NoError(t, err)
			require.True(t, removed)
		}

		clients, err := registry.Clients(ctx)
		require.NoError(t, err)
		require.Len(t, clients, 10-4)

		_, ok, err := registry.ClientByStreamID(ctx, "s-03", nil)
		require.NoError(t, err)
		require.False(t, ok)
		for _, c := range clients {
			require.NotEqual(t, "s-03", c.StreamID)
		}

		removed, err := registry.RemoveClient(ctx, "s-03", nil)
		require.NoError(t, err)
		require.False(t, removed)
	})
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, NewMemorySource(), Options{Counter: NewRoomCounter(newMapStore(), 0)})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", worker, i)
				_, err := registry.Add(ctx, session(id, id, int64(i%4+1)), nil)
				assert.NoError(t, err)
				if i%2 == 0 {
					_, err := registry.RemoveClient(ctx, id, nil)
					assert.NoError(t, err)
				}
			}
		}(worker)
	}
	wg.Wait()

	clients, err := registry.Clients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 8*25)

	total := 0
	for room := int64(1); room <= 4; room++ {
		count, err := registry.RoomClientCount(ctx, room)
		require.NoError(t, err)
		total += count
	}
	require.Equal(t, 8*25, total)
}

func TestRegistryModeratorAndActiveRoomScenario(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		events := &eventRecorder{}
		registry := newTestRegistry(t, newSource(""), Options{Events: events})

		a := session("A", "pub-a", 1)
		a.IsModerator = true
		b := session("B", "pub-b", 1)
		c := session("C", "pub-c", 2)
		for _, s := range []ClientSession{a, b, c} {
			_, err := registry.Add(ctx, s, nil)
			require.NoError(t, err)
		}

		moderators, err := registry.CurrentModeratorByRoom(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []ClientSession{a}, moderators)

		rooms, err := registry.ActiveRoomIDsByServer(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, rooms)

		_, err = registry.RemoveClient(ctx, "A", nil)
		require.NoError(t, err)

		moderators, err = registry.CurrentModeratorByRoom(ctx, 1)
		require.NoError(t, err)
		require.Empty(t, moderators)

		rooms, err = registry.ActiveRoomIDsByServer(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, rooms)
		require.Empty(t, events.named(EventRoomEmptied))

		_, err = registry.RemoveClient(ctx, "B", nil)
		require.NoError(t, err)

		rooms, err = registry.ActiveRoomIDsByServer(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, []int64{2}, rooms)

		emptied := events.named(EventRoomEmptied)
		require.Len(t, emptied, 1)
		require.Equal(t, RoomEvent{RoomID: 1}, emptied[0].data)
	})
}

func TestRegistryActiveRoomsMatchRoomListing(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		for i := 0; i < 12; i++ {
			_, err := registry.Add(ctx, session(fmt.Sprintf("s-%02d", i), "pub", int64(i%5)), nil)
			require.NoError(t, err)
		}
		for _, id := range []string{"s-01", "s-06", "s-11", "s-04"} {
			_, err := registry.RemoveClient(ctx, id, nil)
			require.NoError(t, err)
		}

		rooms, err := registry.ActiveRoomIDsByServer(ctx, nil)
		require.NoError(t, err)
		active := make(map[int64]bool)
		for _, room := range rooms {
			active[room] = true
		}
		for room := int64(1); room <= 4; room++ {
			listing, err := registry.ClientListByRoom(ctx, room)
			require.NoError(t, err)
			require.Equal(t, active[room], len(listing) > 0, "room %d", room)
		}
	})
}

func TestRegistryRecordingAndPublishingCounts(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		recorder := session("rec", "pub-1", 1)
		recorder.IsRecording = true
		screen := session("screen", "pub-2", 1)
		screen.IsPublishingScreen = true
		remote := session("remote", "pub-3", 2)
		remote.IsRecording = true

		count, err := registry.RecordingCount(ctx, 1)
		require.NoError(t, err)
		require.Zero(t, count)

		_, err = registry.Add(ctx, recorder, nil)
		require.NoError(t, err)
		count, err = registry.RecordingCount(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		_, err = registry.Add(ctx, screen, nil)
		require.NoError(t, err)
		_, err = registry.Add(ctx, remote, &Server{ID: "node-b"})
		require.NoError(t, err)

		count, err = registry.RecordingCount(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, 2, count, "room 0 counts every room on every server")

		count, err = registry.PublishingCount(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		_, err = registry.RemoveClient(ctx, "rec", nil)
		require.NoError(t, err)
		count, err = registry.RecordingCount(ctx, 1)
		require.NoError(t, err)
		require.Zero(t, count)
	})
}

func TestRegistryPaginationPartitionsSnapshot(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		for i := 0; i < 7; i++ {
			s := session(fmt.Sprintf("s-%d", i), "pub", int64(i%2+1))
			var server *Server
			if i%3 == 0 {
				server = &Server{ID: "node-b"}
			}
			_, err := registry.Add(ctx, s, server)
			require.NoError(t, err)
		}

		first, err := registry.ListByStartAndMax(ctx, 0, 4, OrderByRoomID, true)
		require.NoError(t, err)
		second, err := registry.ListByStartAndMax(ctx, 4, 4, OrderByRoomID, true)
		require.NoError(t, err)

		require.EqualValues(t, 7, first.Total)
		require.Equal(t, "ClientSession", first.ObjectName)
		require.Len(t, first.Records, 4)
		require.Len(t, second.Records, 3)

		all := append(append([]ClientSession{}, first.Records...), second.Records...)
		seen := make(map[string]bool)
		for i, s := range all {
			require.False(t, seen[s.StreamID], "stream %s listed twice", s.StreamID)
			seen[s.StreamID] = true
			if i > 0 {
				prev := all[i-1]
				require.True(t, *prev.RoomID < *s.RoomID || (*prev.RoomID == *s.RoomID && prev.StreamID < s.StreamID))
			}
		}

		desc, err := registry.ListByStartAndMax(ctx, 0, 0, OrderByStreamID, false)
		require.NoError(t, err)
		require.Len(t, desc.Records, 7)
		require.Equal(t, "s-6", desc.Records[0].StreamID)

		past, err := registry.ListByStartAndMax(ctx, 20, 5, "", true)
		require.NoError(t, err)
		require.Empty(t, past.Records)
		require.EqualValues(t, 7, past.Total)

		_, err = registry.ListByStartAndMax(ctx, 0, 5, "password", true)
		require.ErrorIs(t, err, apperrors.ErrBadRequest)
	})
}

func TestRegistryPaginationWithUnboundedMax(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, NewMemorySource(), Options{})
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		_, err := registry.Add(ctx, session(id, id, 1), nil)
		require.NoError(t, err)
	}

	page, err := registry.ListByStartAndMax(ctx, 1, math.MaxInt, OrderByStreamID, true)
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Total)
	require.Len(t, page.Records, 2)
	require.Equal(t, "s-2", page.Records[0].StreamID)

	page, err = registry.ListByStartAndMax(ctx, 2, 1, OrderByStreamID, true)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "s-3", page.Records[0].StreamID)
}

func TestRegistryPublicSIDAnyServer(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})
		serverX := &Server{ID: "node-x", Name: "Lisbon", Address: "10.1.0.9"}

		_, err := registry.Add(ctx, session("local-1", "pub-local", 1), nil)
		require.NoError(t, err)
		_, err = registry.Add(ctx, session("x-1", "pub-x", 1), serverX)
		require.NoError(t, err)

		_, ok, err := registry.ClientByPublicSID(ctx, "pub-x", nil)
		require.NoError(t, err)
		require.False(t, ok, "restricted lookup does not see other servers")

		info, ok, err := registry.ClientByPublicSIDAnyServer(ctx, "pub-x")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "x-1", info.Session.StreamID)
		require.Equal(t, serverX, info.Server)

		info, ok, err = registry.ClientByPublicSIDAnyServer(ctx, "pub-local")
		require.NoError(t, err)
		require.True(t, ok)
		require.Nil(t, info.Server)

		_, ok, err = registry.ClientByPublicSIDAnyServer(ctx, "nobody")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRegistryPublicSIDPrefersFullSession(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		av := session("a-av", "pub-1", 1)
		av.IsAVClient = true
		full := session("z-full", "pub-1", 1)
		for _, s := range []ClientSession{av, full} {
			_, err := registry.Add(ctx, s, nil)
			require.NoError(t, err)
		}

		got, ok, err := registry.ClientByPublicSID(ctx, "pub-1", nil)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "z-full", got.StreamID)
	})
}

func TestRegistryUserLookups(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		first := session("u-1", "pub-1", 1)
		first.UserID = int64Ptr(7)
		second := session("u-2", "pub-2", 2)
		second.UserID = int64Ptr(7)
		guest := session("g-1", "pub-3", 1)
		for _, s := range []ClientSession{first, second, guest} {
			_, err := registry.Add(ctx, s, nil)
			require.NoError(t, err)
		}

		all, err := registry.ClientsByUserID(ctx, 7)
		require.NoError(t, err)
		require.Len(t, all, 2)

		one, ok, err := registry.ClientByUserID(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, one.HasUser(7))

		none, err := registry.ClientsByUserID(ctx, 99)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestRegistryUpdateAVPropagatesToFullSession(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		events := &eventRecorder{}
		registry := newTestRegistry(t, newSource(""), Options{Events: events})

		full := session("full", "pub-1", 1)
		av := session("av", "pub-1", 1)
		av.IsAVClient = true
		for _, s := range []ClientSession{full, av} {
			_, err := registry.Add(ctx, s, nil)
			require.NoError(t, err)
		}

		media := MediaState{BroadcastID: "bc-9", Broadcasting: true, AVSettings: "av", VideoWidth: 640, VideoHeight: 480, VideoX: 10, VideoY: 20}
		ok, err := registry.UpdateAVClientByStreamID(ctx, "av", ClientSession{Media: media, IsModerator: true}, nil)
		require.NoError(t, err)
		require.True(t, ok)

		gotAV, _, err := registry.ClientByStreamID(ctx, "av", nil)
		require.NoError(t, err)
		require.Equal(t, media, gotAV.Media)
		require.False(t, gotAV.IsModerator, "only media fields are taken")

		gotFull, _, err := registry.ClientByStreamID(ctx, "full", nil)
		require.NoError(t, err)
		require.Equal(t, media, gotFull.Media)
		require.Len(t, events.named(EventSessionUpdated), 2)

		ok, err = registry.UpdateAVClientByStreamID(ctx, "missing", ClientSession{Media: media}, nil)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRegistryUpdateClientMovesRoomCounts(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		store := newMapStore()
		events := &eventRecorder{}
		registry := newTestRegistry(t, newSource(""), Options{Counter: NewRoomCounter(store, 0), Events: events})

		s := session("s-1", "pub-1", 1)
		_, err := registry.Add(ctx, s, nil)
		require.NoError(t, err)

		count, err := registry.RoomClientCount(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		moved := s
		moved.RoomID = int64Ptr(2)
		moved.IsRecording = true
		moved.ConnectedSince = fixedTime.Add(0)
		ok, err := registry.UpdateClientByStreamID(ctx, "s-1", moved, true, nil)
		require.NoError(t, err)
		require.True(t, ok)

		got, _, err := registry.ClientByStreamID(ctx, "s-1", nil)
		require.NoError(t, err)
		require.Equal(t, moved, got)

		count, err = registry.RoomClientCount(ctx, 1)
		require.NoError(t, err)
		require.Zero(t, count)
		count, err = registry.RoomClientCount(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, 1, count)
		require.Len(t, events.named(EventRoomEmptied), 1)

		ok, err = registry.UpdateClientByStreamID(ctx, "missing", moved, true, nil)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRegistryUpdateWithoutRoomCountKeepsCounter(t *testing.T) {
	ctx := context.Background()
	store := newMapStore()
	registry := newTestRegistry(t, NewMemorySource(), Options{Counter: NewRoomCounter(store, 0)})

	s := session("s-1", "pub-1", 1)
	_, err := registry.Add(ctx, s, nil)
	require.NoError(t, err)

	moved := s
	moved.RoomID = int64Ptr(2)
	ok, err := registry.UpdateClientByStreamID(ctx, "s-1", moved, false, nil)
	require.NoError(t, err)
	require.True(t, ok)

	raw, found, err := store.Get(ctx, RoomCountKey(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(raw), "counts are only recomputed on request")
}

func TestRegistryPartialFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	source := &flakySource{Source: NewMemorySource(), failList: map[string]bool{}}
	registry := newTestRegistry(t, source, Options{})

	_, err := registry.Add(ctx, session("local", "pub-1", 1), nil)
	require.NoError(t, err)
	_, err = registry.Add(ctx, session("remote", "pub-2", 1), &Server{ID: "node-b"})
	require.NoError(t, err)

	source.mu.Lock()
	source.failList["node-b"] = true
	source.mu.Unlock()

	clients, err := registry.ClientListByRoomAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "local", clients[0].StreamID)

	stats, err := registry.SessionStatistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, []string{"node-b"}, stats.UnreachableServers)
	require.Contains(t, stats.String(), "unreachable: node-b")
}

func TestRegistryStoreFailureIsDistinguishable(t *testing.T) {
	ctx := context.Background()
	source := &flakySource{Source: NewMemorySource(), failInsert: true, failAll: true}
	registry := newTestRegistry(t, source, Options{})

	_, err := registry.Add(ctx, session("s-1", "pub-1", 1), nil)
	require.ErrorIs(t, err, apperrors.ErrSessionStore)
	require.ErrorIs(t, err, errUnreachable)

	_, err = registry.Clients(ctx)
	require.ErrorIs(t, err, apperrors.ErrSessionStore)

	require.ErrorIs(t, registry.Check(ctx), apperrors.ErrSessionStore)
}

func TestRegistryStatistics(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		a := session("a", "pub-1", 1)
		a.IsModerator = true
		b := session("b", "pub-1", 2)
		b.IsAVClient = true
		c := session("c", "pub-2", 3)
		c.IsRecording = true
		_, err := registry.Add(ctx, a, nil)
		require.NoError(t, err)
		_, err = registry.Add(ctx, b, nil)
		require.NoError(t, err)
		_, err = registry.Add(ctx, c, &Server{ID: "node-b", Name: "Berlin"})
		require.NoError(t, err)

		stats, err := registry.SessionStatistics(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, stats.Total)
		require.Equal(t, 2, stats.Users)
		require.Equal(t, 3, stats.Rooms)
		require.Equal(t, 1, stats.Recording)
		require.Len(t, stats.Servers, 2)
		require.Nil(t, stats.Servers[0].Server)
		require.Equal(t, 2, stats.Servers[0].Sessions)
		require.Equal(t, 1, stats.Servers[0].Moderators)
		require.Equal(t, "node-b", stats.Servers[1].Server.ID)

		text := stats.String()
		require.True(t, strings.HasPrefix(text, "sessions=3 users=2 rooms=3"))
		require.Contains(t, text, "server local: sessions=2")
		require.Contains(t, text, "server node-b (Berlin): sessions=1")
	})
}

func TestRegistryClearCacheAndSessionStart(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		node := &Server{ID: "node-a", Name: "Amsterdam"}
		store := newMapStore()
		events := &eventRecorder{}
		registry := newTestRegistry(t, newSource("node-a"), Options{Node: node, Counter: NewRoomCounter(store, 0), Events: events})
		require.NoError(t, registry.SessionStart(ctx))

		own, err := registry.Add(ctx, session("a-1", "pub-1", 1), nil)
		require.NoError(t, err)
		require.Equal(t, "node-a", own.Partition())

		rooms, err := registry.ActiveRoomIDsByServer(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, []int64{1}, rooms)

		require.NoError(t, registry.ClearCache(ctx))

		_, ok, err := registry.ClientByStreamID(ctx, "a-1", nil)
		require.NoError(t, err)
		require.False(t, ok)
		_, found, err := store.Get(ctx, RoomCountKey(1))
		require.NoError(t, err)
		require.False(t, found)
		require.Len(t, events.named(EventRegistryCleared), 1)

		_, err = registry.Add(ctx, session("a-2", "pub-2", 1), nil)
		require.NoError(t, err)
		require.NoError(t, registry.SessionStart(ctx))

		clients, err := registry.ClientListByRoom(ctx, 1)
		require.NoError(t, err)
		require.Empty(t, clients)
	})
}

func TestRegistryClientListByRoomIsLocal(t *testing.T) {
	forEachSource(t, func(t *testing.T, newSource func(string) Source) {
		ctx := context.Background()
		registry := newTestRegistry(t, newSource(""), Options{})

		_, err := registry.Add(ctx, session("local", "pub-1", 5), nil)
		require.NoError(t, err)
		_, err = registry.Add(ctx, session("remote", "pub-2", 5), &Server{ID: "node-b"})
		require.NoError(t, err)

		local, err := registry.ClientListByRoom(ctx, 5)
		require.NoError(t, err)
		require.Len(t, local, 1)

		all, err := registry.ClientListByRoomAll(ctx, 5)
		require.NoError(t, err)
		require.Len(t, all, 2)

		remoteRooms, err := registry.ActiveRoomIDsByServer(ctx, &Server{ID: "node-b"})
		require.NoError(t, err)
		require.Equal(t, []int64{5}, remoteRooms)
	})
}

func TestRegistryPurgeServer(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, NewMemorySource(), Options{})

	_, err := registry.Add(ctx, session("b-1", "pub-1", 1), &Server{ID: "node-b"})
	require.NoError(t, err)
	_, err = registry.Add(ctx, session("b-2", "pub-2", 1), &Server{ID: "node-b"})
	require.NoError(t, err)

	removed, err := registry.PurgeServer(ctx, &Server{ID: "node-b"})
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
}

func TestRegistryBulkRemovalsReleaseActiveSessions(t *testing.T) {
	mod, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)
	previous := monitoring.CurrentModule()
	monitoring.SetModule(mod)
	t.Cleanup(func() { monitoring.SetModule(previous) })

	ctx := context.Background()
	registry := newTestRegistry(t, NewMemorySource(), Options{})
	for _, id := range []string{"l-1", "l-2"} {
		_, err := registry.Add(ctx, session(id, id, 1), nil)
		require.NoError(t, err)
	}
	for _, id := range []string{"b-1", "b-2", "b-3"} {
		_, err := registry.Add(ctx, session(id, id, 2), &Server{ID: "node-b"})
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, mod.Summary().Registry.ActiveStreams)

	removed, err := registry.PurgeServer(ctx, &Server{ID: "node-b"})
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)
	require.EqualValues(t, 2, mod.Summary().Registry.ActiveStreams)

	require.NoError(t, registry.SessionStart(ctx))
	require.Zero(t, mod.Summary().Registry.ActiveStreams)
}

func TestNewRegistryRequiresSource(t *testing.T) {
	_, err := NewRegistry(nil, Options{})
	require.Error(t, err)
}
