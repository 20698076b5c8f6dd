package core

import (
	"fmt"
	"strings"

	"github.com/searchktools/chunk-server/core/pools"
	"github.com/searchktools/chunk-server/core/reactor"
)

// ServerStats is a point-in-time snapshot of the server's pools
type ServerStats struct {
	Accepted uint64
	Active   int
	Reactors []reactor.Stats
	BytePool pools.BytePoolStats
}

// Stats returns statistics for the reactors and buffer pool
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Accepted: s.accepted.Load(),
		Active:   s.ActiveConnections(),
		Reactors: s.pool.Stats(),
		BytePool: s.bytes.Stats(),
	}
}

// StatsText returns the statistics as human-readable text
func (s *Server) StatsText() string {
	stats := s.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Connections: %d accepted, %d active\n", stats.Accepted, stats.Active)
	for _, r := range stats.Reactors {
		fmt.Fprintf(&b, "Reactor %d: %d workers, %d tasks posted, %d completed, %d pending\n",
			r.ID, r.Workers, r.TasksPosted, r.TasksCompleted, r.Pending)
	}
	fmt.Fprintf(&b, "Byte pool: %d gets, %d puts, %d oversized\n",
		stats.BytePool.Gets, stats.BytePool.Puts, stats.BytePool.Misses)

	return b.String()
}
