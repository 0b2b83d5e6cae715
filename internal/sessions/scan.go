package sessions

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/confsessions/internal/monitoring"
)

type partitionSnapshot struct {
	server   *Server
	sessions []ClientSession
}

// clusterSnapshot is the result of a best-effort read of every partition.
type clusterSnapshot struct {
	partitions  []partitionSnapshot
	unreachable []string
}

func (c clusterSnapshot) sessions() []ClientSession {
	total := 0
	for _, part := range c.partitions {
		total += len(part.sessions)
	}
	result := make([]ClientSession, 0, total)
	for _, part := range c.partitions {
		result = append(result, part.sessions...)
	}
	return result
}

func (c clusterSnapshot) infos() []ClientSessionInfo {
	result := make([]ClientSessionInfo, 0)
	for _, part := range c.partitions {
		for _, session := range part.sessions {
			result = append(result, ClientSessionInfo{Session: session, Server: part.server.clone()})
		}
	}
	return result
}

// scan reads every partition of the source. A partition that fails is logged, counted and
// reported in unreachable; only a failure to enumerate the partitions is returned as an error.
// The local partition always comes first.
func (r *Registry) scan(ctx context.Context, op string, filter Filter) (clusterSnapshot, error) {
	storeCtx, cancel := r.storeContext(ctx)
	servers, err := r.source.Partitions(storeCtx)
	cancel()
	if err != nil {
		return clusterSnapshot{}, storeError(op, err)
	}

	snapshot := clusterSnapshot{partitions: make([]partitionSnapshot, 0, len(servers))}
	for _, server := range servers {
		partition := server.partition()

		storeCtx, cancel := r.storeContext(ctx)
		sessions, err := r.source.List(storeCtx, partition, filter)
		cancel()
		if err != nil {
			label := serverLabel(server)
			r.log.Warn("session partition unreachable",
				zap.String("operation", op),
				zap.String("server_id", label),
				zap.Error(err))
			monitoring.RecordPartitionFailure(label, err.Error())
			snapshot.unreachable = append(snapshot.unreachable, label)
			continue
		}
		if len(sessions) == 0 {
			continue
		}
		snapshot.partitions = append(snapshot.partitions, partitionSnapshot{server: server.clone(), sessions: sessions})
	}
	return snapshot, nil
}
