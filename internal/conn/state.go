// Package conn manages the persistent bridge↔terminal connection: dialing,
// handshake, heartbeat, staleness detection and bounded reconnection.
package conn

import (
	"sync"
	"time"
)

// Status is the lifecycle state of one logical connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
)

// State tracks one logical connection. Transitions are owned by the
// connection manager; every other component only reads snapshots.
type State struct {
	mu sync.RWMutex

	id            string
	status        Status
	lastHeartbeat time.Time
	attempts      int
	maxAttempts   int
}

// Snapshot is a read-only copy of the connection state.
type Snapshot struct {
	ID            string
	Status        Status
	LastHeartbeat time.Time
	Attempts      int
	MaxAttempts   int
}

// NewState creates a disconnected state with the given retry ceiling.
func NewState(maxAttempts int) *State {
	return &State{status: StatusDisconnected, maxAttempts: maxAttempts}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:            s.id,
		Status:        s.status,
		LastHeartbeat: s.lastHeartbeat,
		Attempts:      s.attempts,
		MaxAttempts:   s.maxAttempts,
	}
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// MarkConnected records a completed handshake and resets the retry budget.
func (s *State) MarkConnected(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = connectionID
	s.status = StatusConnected
	s.attempts = 0
	s.lastHeartbeat = time.Now()
}

func (s *State) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// MarkTraffic records liveness from any inbound traffic.
func (s *State) MarkTraffic(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = t
}

// nextAttempt bumps the retry counter. last reports that this attempt
// spends the remaining budget; the caller still dials it and reports
// down only if it fails.
func (s *State) nextAttempt() (attempt int, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts, s.maxAttempts > 0 && s.attempts >= s.maxAttempts
}

// HeartbeatAge returns time since the last observed traffic.
func (s *State) HeartbeatAge(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastHeartbeat.IsZero() {
		return 0
	}
	return now.Sub(s.lastHeartbeat)
}
