package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/charlesng35/confsessions/pkg/errors"
)

// MemorySource keeps sessions in process memory. It is the source of a single node deployment
// and of tests.
type MemorySource struct {
	mu        sync.RWMutex
	sessions  map[string]*ClientSession
	publicIdx map[string]map[string]struct{} // public sid -> stream ids
	servers   map[string]Server
}

// NewMemorySource constructs an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		sessions:  make(map[string]*ClientSession),
		publicIdx: make(map[string]map[string]struct{}),
		servers:   make(map[string]Server),
	}
}

// Kind implements Source.
func (m *MemorySource) Kind() string { return "memory" }

// Insert implements Source.
func (m *MemorySource) Insert(_ context.Context, session ClientSession) (ClientSession, error) {
	record := session.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[record.StreamID]; exists {
		return ClientSession{}, apperrors.ErrDuplicateStream.WithInternal(fmt.Errorf("stream %s already registered", record.StreamID))
	}
	m.sessions[record.StreamID] = &record
	m.indexLocked(&record)
	return record.Clone(), nil
}

// Get implements Source.
func (m *MemorySource) Get(_ context.Context, partition, streamID string) (ClientSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.sessions[streamID]
	if !ok || record.Partition() != partition {
		return ClientSession{}, false, nil
	}
	return record.Clone(), true, nil
}

// Update implements Source.
func (m *MemorySource) Update(_ context.Context, partition, streamID string, fn UpdateFunc) (ClientSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.sessions[streamID]
	if !ok || record.Partition() != partition {
		return ClientSession{}, false, nil
	}

	target := record.Clone()
	peers := m.peersLocked(record)
	fn(&target, peers)

	// Stream id and owner are the key of the entry and cannot be changed by an update.
	target.StreamID = record.StreamID
	target.ServerID = record.ServerID

	m.unindexLocked(record)
	*record = target
	m.indexLocked(record)

	for _, peer := range peers {
		stored, exists := m.sessions[peer.StreamID]
		if !exists {
			continue
		}
		peer.StreamID = stored.StreamID
		peer.ServerID = stored.ServerID
		m.unindexLocked(stored)
		*stored = peer.Clone()
		m.indexLocked(stored)
	}
	return record.Clone(), true, nil
}

// Delete implements Source.
func (m *MemorySource) Delete(_ context.Context, partition, streamID string) (ClientSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.sessions[streamID]
	if !ok || record.Partition() != partition {
		return ClientSession{}, false, nil
	}
	delete(m.sessions, streamID)
	m.unindexLocked(record)
	return record.Clone(), true, nil
}

// RegisterServer implements Source.
func (m *MemorySource) RegisterServer(_ context.Context, server Server) error {
	if server.ID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[server.ID] = server
	return nil
}

// Partitions implements Source.
func (m *MemorySource) Partitions(_ context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, record := range m.sessions {
		seen[record.Partition()] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]*Server, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			result = append(result, nil)
			continue
		}
		server, ok := m.servers[id]
		if !ok {
			server = Server{ID: id}
		}
		result = append(result, &server)
	}
	return result, nil
}

// List implements Source.
func (m *MemorySource) List(_ context.Context, partition string, filter Filter) ([]ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ClientSession, 0)
	for _, record := range m.sessions {
		if record.Partition() == partition && filter.matches(*record) {
			result = append(result, record.Clone())
		}
	}
	sortByStreamID(result)
	return result, nil
}

// Purge implements Source.
func (m *MemorySource) Purge(_ context.Context, partition string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, record := range m.sessions {
		if record.Partition() != partition {
			continue
		}
		delete(m.sessions, id)
		m.unindexLocked(record)
		removed++
	}
	return removed, nil
}

// Clear implements Source.
func (m *MemorySource) Clear(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := int64(len(m.sessions))
	m.sessions = make(map[string]*ClientSession)
	m.publicIdx = make(map[string]map[string]struct{})
	return removed, nil
}

// Len returns the number of stored sessions across all partitions.
func (m *MemorySource) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemorySource) peersLocked(record *ClientSession) []*ClientSession {
	if record.PublicSID == "" {
		return nil
	}
	ids := m.publicIdx[record.PublicSID]
	peers := make([]*ClientSession, 0, len(ids))
	for id := range ids {
		if id == record.StreamID {
			continue
		}
		peer, ok := m.sessions[id]
		if !ok || peer.Partition() != record.Partition() {
			continue
		}
		clone := peer.Clone()
		peers = append(peers, &clone)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].StreamID < peers[j].StreamID })
	return peers
}

func (m *MemorySource) indexLocked(record *ClientSession) {
	if record.PublicSID == "" {
		return
	}
	ids, ok := m.publicIdx[record.PublicSID]
	if !ok {
		ids = make(map[string]struct{})
		m.publicIdx[record.PublicSID] = ids
	}
	ids[record.StreamID] = struct{}{}
}

func (m *MemorySource) unindexLocked(record *ClientSession) {
	ids, ok := m.publicIdx[record.PublicSID]
	if !ok {
		return
	}
	delete(ids, record.StreamID)
	if len(ids) == 0 {
		delete(m.publicIdx, record.PublicSID)
	}
}

func sortByStreamID(items []ClientSession) {
	sort.Slice(items, func(i, j int) bool { return items[i].StreamID < items[j].StreamID })
}
