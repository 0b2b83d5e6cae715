package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/database/testutil"
)

var fixedTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type sourceFactory struct {
	name string
	new  func(t *testing.T, node string) Source
}

func sourceFactories() []sourceFactory {
	return []sourceFactory{
		{
			name: "memory",
			new: func(t *testing.T, _ string) Source {
				return NewMemorySource()
			},
		},
		{
			name: "database",
			new: func(t *testing.T, node string) Source {
				db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
				source, err := NewDatabaseSource(db, DatabaseSourceOptions{Node: node})
				require.NoError(t, err)
				return source
			},
		},
	}
}

// forEachSource runs fn once per Source implementation.
func forEachSource(t *testing.T, fn func(t *testing.T, newSource func(node string) Source)) {
	for _, factory := range sourceFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			fn(t, func(node string) Source { return factory.new(t, node) })
		})
	}
}

func newTestRegistry(t *testing.T, source Source, opts Options) *Registry {
	t.Helper()
	registry, err := NewRegistry(source, opts)
	require.NoError(t, err)
	registry.now = func() time.Time { return fixedTime }
	return registry
}

func session(streamID, publicSID string, roomID int64) ClientSession {
	s := ClientSession{
		StreamID:       streamID,
		PublicSID:      publicSID,
		ScopeName:      "room",
		RemotePort:     1935,
		RemoteAddress:  "10.0.0.7",
		SwfURL:         "https://conf.example.org/client.swf",
		ConnectedSince: fixedTime,
	}
	if roomID != 0 {
		s.RoomID = int64Ptr(roomID)
	}
	return s
}

type recordedEvent struct {
	name string
	data any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) PublishSessionEvent(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{name: event, data: data})
}

func (e *eventRecorder) named(name string) []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []recordedEvent
	for _, ev := range e.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

// mapStore is an in-memory cache.Store.
type mapStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{values: make(map[string][]byte)}
}

func (m *mapStore) IncrementWithTTL(_ context.Context, _ string, window time.Duration) (int64, time.Duration, error) {
	return 0, window, errors.New("not supported")
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mapStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

// flakySource wraps a Source and fails List for selected partitions or every call.
type flakySource struct {
	Source
	mu         sync.Mutex
	failList   map[string]bool
	failAll    bool
	failInsert bool
}

var errUnreachable = errors.New("connection refused")

func (f *flakySource) List(ctx context.Context, partition string, filter Filter) ([]ClientSession, error) {
	f.mu.Lock()
	fail := f.failAll || f.failList[partition]
	f.mu.Unlock()
	if fail {
		return nil, errUnreachable
	}
	return f.Source.List(ctx, partition, filter)
}

func (f *flakySource) Insert(ctx context.Context, s ClientSession) (ClientSession, error) {
	f.mu.Lock()
	fail := f.failInsert
	f.mu.Unlock()
	if fail {
		return ClientSession{}, errUnreachable
	}
	return f.Source.Insert(ctx, s)
}

func (f *flakySource) Partitions(ctx context.Context) ([]*Server, error) {
	f.mu.Lock()
	fail := f.failAll
	f.mu.Unlock()
	if fail {
		return nil, errUnreachable
	}
	return f.Source.Partitions(ctx)
}
