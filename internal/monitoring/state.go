package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type statStore struct {
	activeSessions atomic.Int64

	operationsSuccess   atomic.Uint64
	operationsDuplicate atomic.Uint64
	operationsError     atomic.Uint64

	partitionFailures    atomic.Uint64
	partitionLastFailure atomic.Value // *FailureRecord
	roomsEmptied         atomic.Uint64

	realtimeConnections atomic.Int64
	realtimeBroadcasts  atomic.Uint64
	realtimeFailures    atomic.Uint64
	realtimeLastFailure atomic.Value // *FailureRecord

	maintenance sync.Map // string -> *maintenanceStats
}

func newStatStore() *statStore {
	store := &statStore{}
	store.realtimeLastFailure.Store((*FailureRecord)(nil))
	store.partitionLastFailure.Store((*FailureRecord)(nil))
	return store
}

func (s *statStore) summary() Summary {
	realtimeFailure, _ := s.realtimeLastFailure.Load().(*FailureRecord)
	partitionFailure, _ := s.partitionLastFailure.Load().(*FailureRecord)

	return Summary{
		GeneratedAt: time.Now(),
		Registry: RegistrySummary{
			ActiveStreams:        s.activeSessions.Load(),
			Succeeded:            s.operationsSuccess.Load(),
			Duplicates:           s.operationsDuplicate.Load(),
			Failed:               s.operationsError.Load(),
			PartitionFailures:    s.partitionFailures.Load(),
			LastPartitionFailure: partitionFailure,
			RoomsEmptied:         s.roomsEmptied.Load(),
		},
		Realtime: RealtimeSummary{
			ActiveConnections: s.realtimeConnections.Load(),
			Broadcasts:        s.realtimeBroadcasts.Load(),
			Failures:          s.realtimeFailures.Load(),
			LastFailure:       realtimeFailure,
		},
		Maintenance: MaintenanceSummary{
			Jobs: s.cloneMaintenance(),
		},
	}
}

func (s *statStore) cloneMaintenance() []MaintenanceJobSummary {
	summaries := []MaintenanceJobSummary{}
	s.maintenance.Range(func(key, value any) bool {
		summaries = append(summaries, value.(*maintenanceStats).snapshot(key.(string)))
		return true
	})
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Job < summaries[j].Job })
	return summaries
}

func (s *statStore) recordOperation(result string) {
	switch result {
	case "success":
		s.operationsSuccess.Add(1)
	case "duplicate":
		s.operationsDuplicate.Add(1)
	default:
		s.operationsError.Add(1)
	}
}

func (s *statStore) recordPartitionFailure(record FailureRecord) {
	s.partitionFailures.Add(1)
	cloned := record
	s.partitionLastFailure.Store(&cloned)
}

func (s *statStore) adjustActiveSessions(delta int64) {
	if s.activeSessions.Add(delta) < 0 {
		s.activeSessions.Store(0)
	}
}

func (s *statStore) recordRealtimeConnection(delta int64) {
	if s.realtimeConnections.Add(delta) < 0 {
		s.realtimeConnections.Store(0)
	}
}

func (s *statStore) recordRealtimeFailure(record FailureRecord) {
	s.realtimeFailures.Add(1)
	cloned := record
	s.realtimeLastFailure.Store(&cloned)
}

func (s *statStore) maintenanceEntry(job string) *maintenanceStats {
	value, ok := s.maintenance.Load(job)
	if ok {
		return value.(*maintenanceStats)
	}
	actual, _ := s.maintenance.LoadOrStore(job, &maintenanceStats{})
	return actual.(*maintenanceStats)
}

type maintenanceStats struct {
	lastStatus           atomic.Value // string
	lastError            atomic.Value // string
	lastRun              atomic.Int64 // unix nano
	lastDuration         atomic.Int64 // nanoseconds
	consecutiveFailures  atomic.Uint64
	totalRuns            atomic.Uint64
	lastSuccessfulRun    atomic.Int64
	consecutiveSuccesses atomic.Uint64
}

func (m *maintenanceStats) snapshot(job string) MaintenanceJobSummary {
	status, _ := m.lastStatus.Load().(string)
	errMsg, _ := m.lastError.Load().(string)

	summary := MaintenanceJobSummary{
		Job:                 job,
		LastStatus:          status,
		LastDuration:        time.Duration(m.lastDuration.Load()),
		LastError:           errMsg,
		ConsecutiveFailures: m.consecutiveFailures.Load(),
		ConsecutiveSuccess:  m.consecutiveSuccesses.Load(),
		TotalRuns:           m.totalRuns.Load(),
	}
	if ts := m.lastRun.Load(); ts > 0 {
		summary.LastRunAt = time.Unix(0, ts)
	}
	if ts := m.lastSuccessfulRun.Load(); ts > 0 {
		summary.LastSuccessAt = time.Unix(0, ts)
	}
	return summary
}

func (m *maintenanceStats) record(result, message string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	now := time.Now()
	m.lastStatus.Store(result)
	m.lastError.Store(message)
	m.lastRun.Store(now.UnixNano())
	m.lastDuration.Store(int64(duration))
	m.totalRuns.Add(1)

	if result == "success" {
		m.consecutiveFailures.Store(0)
		m.consecutiveSuccesses.Add(1)
		m.lastSuccessfulRun.Store(now.UnixNano())
		return
	}
	m.consecutiveFailures.Add(1)
	m.consecutiveSuccesses.Store(0)
}
