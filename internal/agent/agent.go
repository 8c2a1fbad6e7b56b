// Package agent implements the terminal-side execution agent: it receives
// execute_order messages from the bridge, validates and sizes them, drives
// the trading terminal, and reports results back over the wire.
package agent

import (
	"context"
	"log"
	"time"

	"execbridge/internal/protocol"
	"execbridge/internal/terminal"
	"execbridge/pkg/instruments"
)

// Sender delivers outbound messages to the bridge. Satisfied by
// conn.Manager; tests substitute a capture fake.
type Sender interface {
	Send(msg protocol.Message) error
}

// Config holds the agent's risk and maintenance policy.
type Config struct {
	RiskPercent         float64
	MaxDailyRiskPercent float64
	MaxOpenPositions    int
	MaxSpreadPoints     float64
	FixedLotMode        bool
	FixedLot            float64
	TrailingEnabled     bool
	TrailingDistance    float64 // pips
	TrailingInterval    time.Duration
}

// Agent processes one terminal's signal flow. Message handling is
// serialized by the connection's read loop; the trailing timer takes the
// same locks through Bindings and the terminal.
type Agent struct {
	cfg      Config
	term     terminal.Terminal
	catalog  *instruments.Catalog
	sender   Sender
	bindings *Bindings
	ledger   *RiskLedger
}

// New wires an agent over a terminal and an outbound sender.
func New(cfg Config, term terminal.Terminal, catalog *instruments.Catalog, sender Sender) *Agent {
	if cfg.TrailingInterval <= 0 {
		cfg.TrailingInterval = 10 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		term:     term,
		catalog:  catalog,
		sender:   sender,
		bindings: NewBindings(),
		ledger:   NewRiskLedger(term),
	}
}

// Bindings exposes the binding set, mainly for reconciliation and tests.
func (a *Agent) Bindings() *Bindings { return a.bindings }

// Start reconciles terminal state and launches the trailing loop.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.bindings.Reconcile(ctx, a.term); err != nil {
		return err
	}
	if a.cfg.TrailingEnabled {
		go a.trailingLoop(ctx)
	}
	return nil
}

// HandleMessage is the conn.Manager handler for domain messages.
func (a *Agent) HandleMessage(msg protocol.Message) {
	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeExecuteOrder:
		a.handleExecuteOrder(ctx, msg)
	case protocol.TypeCloseSignal:
		a.handleCloseSignal(ctx, msg)
	case protocol.TypeCloseAll:
		a.handleCloseAll(ctx, msg)
	case protocol.TypeAccountInfoRequest:
		a.handleAccountInfoRequest(ctx, msg)
	default:
		log.Printf("agent: no handler for message type %q", msg.Type)
	}
}

// handleExecuteOrder runs the received → validated → sized → submitted
// pipeline and emits exactly one signal_result.
func (a *Agent) handleExecuteOrder(ctx context.Context, msg protocol.Message) {
	inst, reason := a.validate(ctx, msg)
	if reason != "" {
		a.rejectOrder(msg, reason)
		return
	}

	lot := msg.Lot
	if lot <= 0 {
		lot = a.size(ctx, inst, msg)
	}
	if lot <= 0 {
		a.rejectOrder(msg, reasonInvalidLot)
		return
	}

	pos, err := a.term.OpenPosition(ctx, terminal.OrderRequest{
		Symbol:     msg.Symbol,
		Direction:  msg.Direction,
		Lots:       lot,
		StopLoss:   msg.StopLoss,
		TakeProfit: msg.TakeProfit,
		Comment:    signalComment(msg.SignalID),
	})
	if err != nil {
		log.Printf("agent: order rejected by terminal, signal=%s: %v", msg.SignalID, err)
		a.rejectOrder(msg, err.Error())
		return
	}

	a.bindings.Bind(Binding{
		SignalID:    msg.SignalID,
		ExecutionID: msg.ExecutionID,
		Ticket:      pos.Ticket,
		Symbol:      pos.Symbol,
		Direction:   pos.Direction,
		Lots:        pos.Lots,
		OpenPrice:   pos.OpenPrice,
	})
	log.Printf("agent: executed signal=%s ticket=%d lots=%.2f price=%.5f",
		msg.SignalID, pos.Ticket, pos.Lots, pos.OpenPrice)

	result := protocol.New(protocol.TypeOrderExecuted)
	result.ExecutionID = msg.ExecutionID
	result.SignalID = msg.SignalID
	result.Success = true
	result.Ticket = pos.Ticket
	result.Price = pos.OpenPrice
	result.Lot = pos.Lots
	a.send(result)
}

// size computes the lot for an accepted order.
func (a *Agent) size(ctx context.Context, inst instruments.Instrument, msg protocol.Message) float64 {
	if a.cfg.FixedLotMode {
		return fixedSize(inst, a.cfg.FixedLot)
	}

	acct, err := a.term.Account(ctx)
	if err != nil {
		log.Printf("agent: account snapshot failed during sizing: %v", err)
		return 0
	}
	riskAmount := acct.Balance * a.cfg.RiskPercent / 100
	stopDistance := msg.Entry - msg.StopLoss
	if stopDistance < 0 {
		stopDistance = -stopDistance
	}
	return positionSize(inst, riskAmount, stopDistance)
}

func (a *Agent) handleCloseSignal(ctx context.Context, msg protocol.Message) {
	bd, ok := a.bindings.Get(msg.SignalID)
	if !ok || !bd.Active {
		a.fail(msg, "no active position for signal")
		return
	}

	deal, err := a.term.ClosePosition(ctx, bd.Ticket)
	if err != nil {
		a.fail(msg, err.Error())
		return
	}
	a.bindings.Deactivate(msg.SignalID)
	log.Printf("agent: closed signal=%s ticket=%d profit=%.2f", msg.SignalID, deal.Ticket, deal.Profit)

	result := protocol.New(protocol.TypeSignalResult)
	result.ExecutionID = msg.ExecutionID
	result.SignalID = msg.SignalID
	result.Success = true
	result.Ticket = deal.Ticket
	result.Price = deal.ClosePrice
	a.send(result)
}

func (a *Agent) handleCloseAll(ctx context.Context, msg protocol.Message) {
	positions, err := a.term.OpenPositions(ctx)
	if err != nil {
		a.fail(msg, err.Error())
		return
	}

	closed := 0
	for _, pos := range positions {
		if _, err := a.term.ClosePosition(ctx, pos.Ticket); err != nil {
			log.Printf("agent: close_all failed for ticket=%d: %v", pos.Ticket, err)
			continue
		}
		closed++
	}
	a.bindings.DeactivateAll()
	log.Printf("agent: close_all closed %d of %d position(s)", closed, len(positions))

	result := protocol.New(protocol.TypeSignalResult)
	result.ExecutionID = msg.ExecutionID
	result.SignalID = msg.SignalID
	result.RequestID = msg.RequestID
	result.Success = closed == len(positions)
	result.OpenPositions = len(positions) - closed
	if result.ExecutionID == "" {
		result.ExecutionID = "close-all"
	}
	a.send(result)
}

func (a *Agent) handleAccountInfoRequest(ctx context.Context, msg protocol.Message) {
	acct, err := a.term.Account(ctx)
	if err != nil {
		log.Printf("agent: account_info_request failed: %v", err)
		return
	}
	if err := a.ledger.Refresh(ctx, time.Now()); err != nil {
		log.Printf("agent: ledger refresh failed: %v", err)
	}

	reply := protocol.New(protocol.TypeAccountInfo)
	reply.RequestID = msg.RequestID
	reply.Balance = acct.Balance
	reply.Equity = acct.Equity
	reply.OpenPositions = acct.OpenPositions
	reply.DailyPnL = a.ledger.DailyPnL()
	a.send(reply)
}

// rejectOrder reports an execute_order that was not (or could not be)
// filled. The bridge correlates it to the execution record by id; the
// agent never retries on its own, the source may re-issue.
func (a *Agent) rejectOrder(msg protocol.Message, reason string) {
	log.Printf("agent: rejected signal=%s: %s", msg.SignalID, reason)
	result := protocol.New(protocol.TypeOrderFailed)
	result.ExecutionID = msg.ExecutionID
	result.SignalID = msg.SignalID
	result.Success = false
	result.Reason = reason
	if result.ExecutionID == "" {
		result.ExecutionID = result.SignalID
	}
	a.send(result)
}

// fail reports a non-order operation (close, close_all) that failed.
func (a *Agent) fail(msg protocol.Message, reason string) {
	result := protocol.New(protocol.TypeSignalResult)
	result.ExecutionID = msg.ExecutionID
	result.SignalID = msg.SignalID
	result.Success = false
	result.Reason = reason
	if result.ExecutionID == "" {
		result.ExecutionID = result.SignalID
	}
	a.send(result)
}

func (a *Agent) send(msg protocol.Message) {
	if err := a.sender.Send(msg); err != nil {
		log.Printf("agent: send %s failed: %v", msg.Type, err)
	}
}
