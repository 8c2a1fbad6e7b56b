package db

import "time"

// Signal statuses.
const (
	SignalActive    = "active"
	SignalClosed    = "closed"
	SignalCancelled = "cancelled"
)

// Execution statuses. Pending is the only non-terminal status; a record
// never leaves executed/failed/closed once it gets there.
const (
	ExecPending  = "pending"
	ExecExecuted = "executed"
	ExecFailed   = "failed"
	ExecClosed   = "closed"
)

// TerminalStatus reports whether an execution status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case ExecExecuted, ExecFailed, ExecClosed:
		return true
	}
	return false
}

// Signal is a directional trade instruction issued by the signal source.
// Immutable once stored; the source cancels by id, never edits.
type Signal struct {
	ID         string
	UserID     string
	Symbol     string
	Direction  string // BUY or SELL
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Confidence float64
	Status     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the signal expiry has passed at the given time.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Execution tracks one attempt to act on a signal.
type Execution struct {
	ID             string
	SignalID       string
	UserID         string
	AccountID      string
	Ticket         int64 // terminal-assigned, 0 until acked
	Lot            float64
	RequestedPrice float64
	ExecutedPrice  float64
	StopLoss       float64
	TakeProfit     float64
	Status         string
	Notes          string
	CreatedAt      time.Time
	ExecutedAt     time.Time
	ClosedAt       time.Time
}

// TerminalAccount holds the terminal credentials a user registered with
// the bridge. Login and password are stored encrypted.
type TerminalAccount struct {
	ID        string
	UserID    string
	Name      string
	Server    string
	Login     string
	Password  string
	IsActive  bool
	CreatedAt time.Time
}

// AuditEntry is one row of the execution audit trail.
type AuditEntry struct {
	ID         string
	UserID     string
	Action     string
	ResourceID string
	Detail     string
	CreatedAt  time.Time
}
