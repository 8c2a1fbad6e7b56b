// Package monitor derives operator-facing health from connection state
// and exports Prometheus metrics.
package monitor

import "time"

// Status is the health of one terminal link or of the agent's bridge
// connection.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Evaluate derives health from liveness facts: connected with fresh
// traffic is healthy, connected but stale (no traffic for twice the
// heartbeat interval) is degraded, disconnected is unhealthy.
func Evaluate(connected bool, heartbeatAge, heartbeatInterval time.Duration) Status {
	if !connected {
		return Unhealthy
	}
	if heartbeatInterval > 0 && heartbeatAge > 2*heartbeatInterval {
		return Degraded
	}
	return Healthy
}

// Worst returns the worse of two statuses, for aggregating per-link
// health into one service answer.
func Worst(a, b Status) Status {
	rank := map[Status]int{Healthy: 0, Degraded: 1, Unhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
