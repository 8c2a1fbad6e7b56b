// Package terminal abstracts the trading terminal the execution agent
// drives: opening, modifying and closing positions, plus account and
// quote snapshots.
package terminal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownTicket = errors.New("unknown ticket")
	ErrNoQuote       = errors.New("no quote for symbol")
	ErrRejected      = errors.New("order rejected by terminal")
)

// OrderRequest describes a market order to place.
type OrderRequest struct {
	Symbol     string
	Direction  string // BUY or SELL
	Lots       float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// Position is an open position held at the terminal.
type Position struct {
	Ticket     int64
	Symbol     string
	Direction  string
	Lots       float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
	OpenedAt   time.Time
}

// Deal is a closed trade with its realized result.
type Deal struct {
	Ticket     int64
	Symbol     string
	Direction  string
	Lots       float64
	OpenPrice  float64
	ClosePrice float64
	Profit     float64
	ClosedAt   time.Time
}

// Quote is the current two-sided price for a symbol.
type Quote struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// AccountSnapshot reports balance and equity at a point in time.
type AccountSnapshot struct {
	Balance       float64
	Equity        float64
	OpenPositions int
}

// Terminal is the surface the agent needs from a trading terminal.
type Terminal interface {
	OpenPosition(ctx context.Context, req OrderRequest) (Position, error)
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	ClosePosition(ctx context.Context, ticket int64) (Deal, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	Account(ctx context.Context) (AccountSnapshot, error)
	DealsSince(ctx context.Context, since time.Time) ([]Deal, error)
}
