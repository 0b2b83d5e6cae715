package sessions

import (
	"fmt"
	"strings"
	"time"
)

// ServerStatistics is the share of one node in the registry.
type ServerStatistics struct {
	Server     *Server `json:"server,omitempty"`
	Sessions   int     `json:"sessions"`
	Rooms      int     `json:"rooms"`
	Recording  int     `json:"recording"`
	Publishing int     `json:"publishing"`
	Moderators int     `json:"moderators"`
}

// Statistics summarises the registry for operators.
type Statistics struct {
	Source      string             `json:"source"`
	GeneratedAt time.Time          `json:"generated_at"`
	Total       int                `json:"total"`
	Users       int                `json:"users"`
	Rooms       int                `json:"rooms"`
	Recording   int                `json:"recording"`
	Publishing  int                `json:"publishing"`
	Servers     []ServerStatistics `json:"servers"`
	// UnreachableServers lists the partitions that could not be read; the totals exclude them.
	UnreachableServers []string `json:"unreachable_servers,omitempty"`
}

// String renders the statistics in a human readable form.
func (s Statistics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sessions=%d users=%d rooms=%d recording=%d publishing=%d source=%s",
		s.Total, s.Users, s.Rooms, s.Recording, s.Publishing, s.Source)
	for _, server := range s.Servers {
		fmt.Fprintf(&b, "\n  server %s: sessions=%d rooms=%d recording=%d publishing=%d moderators=%d",
			serverLabel(server.Server), server.Sessions, server.Rooms, server.Recording, server.Publishing, server.Moderators)
	}
	if len(s.UnreachableServers) > 0 {
		fmt.Fprintf(&b, "\n  unreachable: %s", strings.Join(s.UnreachableServers, ", "))
	}
	return b.String()
}

func serverLabel(server *Server) string {
	if server.IsLocal() {
		return "local"
	}
	if server.Name != "" && server.Name != server.ID {
		return fmt.Sprintf("%s (%s)", server.ID, server.Name)
	}
	return server.ID
}
