package terminal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Simulator is an in-memory terminal. It fills market orders at the
// current quote, tracks cash balance and floating PnL, and records closed
// deals. Used for local runs and tests.
type Simulator struct {
	mu sync.RWMutex

	balance      float64
	contractSize float64
	nextTicket   int64
	quotes       map[string]Quote
	positions    map[int64]*Position
	deals        []Deal

	failNext string // when set, the next OpenPosition is rejected with this reason
}

// NewSimulator creates a simulator with the given starting balance.
// Contract size defaults to 100000 (one standard FX lot).
func NewSimulator(initialBalance float64) *Simulator {
	return &Simulator{
		balance:      initialBalance,
		contractSize: 100000,
		nextTicket:   1000,
		quotes:       make(map[string]Quote),
		positions:    make(map[int64]*Position),
	}
}

// SetContractSize overrides the per-lot contract size.
func (s *Simulator) SetContractSize(size float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contractSize = size
}

// SetQuote publishes a price for a symbol.
func (s *Simulator) SetQuote(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[strings.ToUpper(symbol)] = Quote{Bid: bid, Ask: ask, Time: time.Now()}
}

// FailNextOrder makes the next OpenPosition fail with the given reason.
func (s *Simulator) FailNextOrder(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = reason
}

// Seed installs an already-open position, for reconciliation scenarios
// where the terminal holds positions the agent did not open this session.
func (s *Simulator) Seed(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Ticket == 0 {
		s.nextTicket++
		p.Ticket = s.nextTicket
	}
	cp := p
	s.positions[p.Ticket] = &cp
}

func (s *Simulator) OpenPosition(_ context.Context, req OrderRequest) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != "" {
		reason := s.failNext
		s.failNext = ""
		return Position{}, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if req.Lots <= 0 {
		return Position{}, fmt.Errorf("%w: invalid lot size %.4f", ErrRejected, req.Lots)
	}

	symbol := strings.ToUpper(req.Symbol)
	q, ok := s.quotes[symbol]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	// Market fill: BUY at ask, SELL at bid.
	price := q.Ask
	if strings.ToUpper(req.Direction) == "SELL" {
		price = q.Bid
	}

	s.nextTicket++
	pos := Position{
		Ticket:     s.nextTicket,
		Symbol:     symbol,
		Direction:  strings.ToUpper(req.Direction),
		Lots:       req.Lots,
		OpenPrice:  price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Comment:    req.Comment,
		OpenedAt:   time.Now(),
	}
	s.positions[pos.Ticket] = &pos
	log.Printf("sim: opened ticket=%d %s %s lots=%.2f at %.5f", pos.Ticket, pos.Direction, symbol, pos.Lots, price)
	return pos, nil
}

func (s *Simulator) ModifyPosition(_ context.Context, ticket int64, stopLoss, takeProfit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTicket, ticket)
	}
	if stopLoss > 0 {
		pos.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		pos.TakeProfit = takeProfit
	}
	return nil
}

func (s *Simulator) ClosePosition(_ context.Context, ticket int64) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[ticket]
	if !ok {
		return Deal{}, fmt.Errorf("%w: %d", ErrUnknownTicket, ticket)
	}
	q, ok := s.quotes[pos.Symbol]
	if !ok {
		return Deal{}, fmt.Errorf("%w: %s", ErrNoQuote, pos.Symbol)
	}

	// Close a BUY at bid, a SELL at ask.
	price := q.Bid
	if pos.Direction == "SELL" {
		price = q.Ask
	}

	deal := Deal{
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Lots:       pos.Lots,
		OpenPrice:  pos.OpenPrice,
		ClosePrice: price,
		Profit:     s.profitAt(pos, price),
		ClosedAt:   time.Now(),
	}
	s.balance += deal.Profit
	s.deals = append(s.deals, deal)
	delete(s.positions, ticket)
	log.Printf("sim: closed ticket=%d at %.5f profit=%.2f", ticket, price, deal.Profit)
	return deal, nil
}

func (s *Simulator) OpenPositions(_ context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (s *Simulator) Quote(_ context.Context, symbol string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return q, nil
}

func (s *Simulator) Account(_ context.Context) (AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	equity := s.balance
	for _, pos := range s.positions {
		q, ok := s.quotes[pos.Symbol]
		if !ok {
			continue
		}
		price := q.Bid
		if pos.Direction == "SELL" {
			price = q.Ask
		}
		equity += s.profitAt(pos, price)
	}
	return AccountSnapshot{
		Balance:       s.balance,
		Equity:        equity,
		OpenPositions: len(s.positions),
	}, nil
}

func (s *Simulator) DealsSince(_ context.Context, since time.Time) ([]Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Deal
	for _, d := range s.deals {
		if !d.ClosedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

// profitAt computes position PnL at the given close price. Caller holds
// the lock.
func (s *Simulator) profitAt(pos *Position, price float64) float64 {
	diff := price - pos.OpenPrice
	if pos.Direction == "SELL" {
		diff = pos.OpenPrice - price
	}
	return diff * pos.Lots * s.contractSize
}
