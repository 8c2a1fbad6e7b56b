// Package protocol defines the wire messages exchanged between the bridge
// service and terminal-side execution agents.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Message types. Every wire message carries exactly one of these in its
// mandatory "type" field.
const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake_ack"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypePing         = "ping"
	TypePong         = "pong"

	TypeExecuteOrder  = "execute_order"
	TypeSignalResult  = "signal_result"
	TypeOrderExecuted = "order_executed"
	TypeOrderFailed   = "order_failed"
	TypeCloseSignal   = "close_signal"
	TypeCloseAll      = "close_all"

	TypeAccountInfoRequest = "account_info_request"
	TypeAccountInfo        = "account_info"
)

var (
	ErrMissingType  = errors.New("message missing type field")
	ErrMissingField = errors.New("message missing required field")
)

// Message is the flat wire envelope. Fields beyond Type and Timestamp are
// populated per message type; Validate enforces the required set.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Connection identification
	ConnectionID string `json:"connection_id,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	TerminalID   string `json:"terminal_id,omitempty"`
	Token        string `json:"token,omitempty"`

	// Request/response correlation
	RequestID   string `json:"request_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	SignalID    string `json:"signal_id,omitempty"`

	// Order parameters
	Symbol     string    `json:"symbol,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	Entry      float64   `json:"entry,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Lot        float64   `json:"lot,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`

	// Outcome
	Success bool    `json:"success"`
	Reason  string  `json:"reason,omitempty"`
	Ticket  int64   `json:"ticket,omitempty"`
	Price   float64 `json:"price,omitempty"`

	// Account snapshot
	Balance       float64 `json:"balance,omitempty"`
	Equity        float64 `json:"equity,omitempty"`
	OpenPositions int     `json:"open_positions,omitempty"`
	DailyPnL      float64 `json:"daily_pnl,omitempty"`
}

// Known reports whether the type is one this endpoint understands. Unknown
// types are ignored, not rejected, so older peers keep working.
func (m Message) Known() bool {
	switch m.Type {
	case TypeHandshake, TypeHandshakeAck, TypeHeartbeat, TypeHeartbeatAck,
		TypePing, TypePong, TypeExecuteOrder, TypeSignalResult,
		TypeOrderExecuted, TypeOrderFailed, TypeCloseSignal, TypeCloseAll,
		TypeAccountInfoRequest, TypeAccountInfo:
		return true
	}
	return false
}

// Validate checks the required fields for the message's type.
func (m Message) Validate() error {
	if m.Type == "" {
		return ErrMissingType
	}

	switch m.Type {
	case TypeHandshake:
		if m.AccountID == "" {
			return fmt.Errorf("%w: account_id", ErrMissingField)
		}
	case TypeHandshakeAck:
		if m.ConnectionID == "" {
			return fmt.Errorf("%w: connection_id", ErrMissingField)
		}
	case TypeExecuteOrder:
		switch {
		case m.ExecutionID == "":
			return fmt.Errorf("%w: execution_id", ErrMissingField)
		case m.SignalID == "":
			return fmt.Errorf("%w: signal_id", ErrMissingField)
		case m.Symbol == "":
			return fmt.Errorf("%w: symbol", ErrMissingField)
		case m.Direction != "BUY" && m.Direction != "SELL":
			return fmt.Errorf("%w: direction must be BUY or SELL", ErrMissingField)
		}
	case TypeSignalResult, TypeOrderExecuted, TypeOrderFailed:
		if m.ExecutionID == "" {
			return fmt.Errorf("%w: execution_id", ErrMissingField)
		}
	case TypeCloseSignal:
		if m.SignalID == "" {
			return fmt.Errorf("%w: signal_id", ErrMissingField)
		}
	case TypeAccountInfoRequest, TypeAccountInfo, TypePing, TypePong:
		if m.RequestID == "" {
			return fmt.Errorf("%w: request_id", ErrMissingField)
		}
	}
	return nil
}

// New returns a message of the given type stamped with the current time.
func New(msgType string) Message {
	return Message{Type: msgType, Timestamp: time.Now().UTC()}
}
