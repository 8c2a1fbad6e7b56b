package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"execbridge/internal/protocol"
	"execbridge/internal/terminal"
	"execbridge/pkg/instruments"
)

const catalogYAML = `
instruments:
  - symbol: EURUSD
    pip_size: 0.0001
    pip_value: 10
    min_lot: 0.01
    max_lot: 100
    lot_step: 0.01
    max_spread: 3
  - symbol: USDJPY
    pip_size: 0.01
    pip_value: 9.1
    min_lot: 0.01
    max_lot: 100
    lot_step: 0.01
`

// captureSender records every outbound message.
type captureSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *captureSender) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSender) last(t *testing.T) protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("no message was sent")
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func testCatalog(t *testing.T) *instruments.Catalog {
	t.Helper()
	cat, err := instruments.Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return cat
}

func testAgent(t *testing.T, balance float64) (*Agent, *terminal.Simulator, *captureSender) {
	t.Helper()
	sim := terminal.NewSimulator(balance)
	sim.SetQuote("EURUSD", 1.0999, 1.1001)
	sender := &captureSender{}
	a := New(Config{
		RiskPercent:         2,
		MaxDailyRiskPercent: 5,
		MaxOpenPositions:    5,
		MaxSpreadPoints:     3,
		TrailingDistance:    20,
	}, sim, testCatalog(t), sender)
	return a, sim, sender
}

func executeOrder(signalID string) protocol.Message {
	msg := protocol.New(protocol.TypeExecuteOrder)
	msg.ExecutionID = "exec-" + signalID
	msg.SignalID = signalID
	msg.Symbol = "EURUSD"
	msg.Direction = "BUY"
	msg.Entry = 1.1000
	msg.StopLoss = 1.0950
	msg.TakeProfit = 1.1100
	return msg
}

func TestExecuteOrderSizesAndFills(t *testing.T) {
	a, _, sender := testAgent(t, 10000)

	a.HandleMessage(executeOrder("sig-1"))

	result := sender.last(t)
	if result.Type != protocol.TypeOrderExecuted {
		t.Fatalf("result type = %q (%s), want order_executed", result.Type, result.Reason)
	}
	if !result.Success {
		t.Fatal("success = false")
	}
	// $10k at 2% risk, 50-pip stop, $10/pip per lot -> 0.40 lots.
	if result.Lot != 0.40 {
		t.Errorf("lot = %v, want 0.40", result.Lot)
	}
	if result.Price != 1.1001 {
		t.Errorf("price = %v, want fill at ask 1.1001", result.Price)
	}
	if result.Ticket == 0 {
		t.Error("ticket not reported")
	}
	if !a.Bindings().HasActive("sig-1") {
		t.Error("no active binding created")
	}
}

func TestExecuteOrderValidationRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*protocol.Message)
		reason string
	}{
		{"missing signal id", func(m *protocol.Message) { m.SignalID = "" }, reasonMissingFields},
		{"missing symbol", func(m *protocol.Message) { m.Symbol = "" }, reasonMissingFields},
		{"bad direction", func(m *protocol.Message) { m.Direction = "LONG" }, reasonMissingFields},
		{"non-positive entry", func(m *protocol.Message) { m.Entry = 0 }, reasonBadPrice},
		{"negative stop", func(m *protocol.Message) { m.StopLoss = -1 }, reasonBadPrice},
		{"expired", func(m *protocol.Message) { m.ExpiresAt = time.Now().Add(-time.Minute) }, reasonExpired},
		{"unsupported instrument", func(m *protocol.Message) { m.Symbol = "BTCUSD" }, "unsupported instrument: BTCUSD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, sender := testAgent(t, 10000)
			msg := executeOrder("sig-v")
			tt.mutate(&msg)

			a.HandleMessage(msg)

			result := sender.last(t)
			if result.Type != protocol.TypeOrderFailed {
				t.Fatalf("type = %q, want order_failed", result.Type)
			}
			if result.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", result.Reason, tt.reason)
			}
			if a.Bindings().ActiveCount() != 0 {
				t.Error("rejected signal still created a binding")
			}
		})
	}
}

func TestExecuteOrderSpreadCeiling(t *testing.T) {
	a, sim, sender := testAgent(t, 10000)
	sim.SetQuote("EURUSD", 1.1000, 1.1010) // 10 pips, ceiling is 3

	a.HandleMessage(executeOrder("sig-spread"))

	result := sender.last(t)
	if result.Type != protocol.TypeOrderFailed {
		t.Fatalf("type = %q, want order_failed", result.Type)
	}
	if !strings.Contains(result.Reason, "spread") {
		t.Errorf("reason = %q, want spread rejection", result.Reason)
	}
}

func TestExecuteOrderMaxOpenPositions(t *testing.T) {
	a, sim, sender := testAgent(t, 100000)
	for i := 0; i < 5; i++ {
		sim.Seed(terminal.Position{Symbol: "EURUSD", Direction: "BUY", Lots: 0.1, OpenPrice: 1.1})
	}

	a.HandleMessage(executeOrder("sig-max"))

	if got := sender.last(t).Reason; got != reasonMaxPositions {
		t.Errorf("reason = %q, want %q", got, reasonMaxPositions)
	}
}

func TestExecuteOrderDuplicateSignal(t *testing.T) {
	a, _, sender := testAgent(t, 10000)

	a.HandleMessage(executeOrder("sig-dup"))
	if got := sender.last(t).Type; got != protocol.TypeOrderExecuted {
		t.Fatalf("first order: type = %q, want order_executed", got)
	}

	a.HandleMessage(executeOrder("sig-dup"))
	result := sender.last(t)
	if result.Type != protocol.TypeOrderFailed {
		t.Fatalf("duplicate: type = %q, want order_failed", result.Type)
	}
	if result.Reason != reasonDuplicate {
		t.Errorf("reason = %q, want %q", result.Reason, reasonDuplicate)
	}
	if sender.count() != 2 {
		t.Errorf("sent %d messages, want exactly one result per order", sender.count())
	}
}

func TestExecuteOrderDailyRiskBreach(t *testing.T) {
	a, sim, sender := testAgent(t, 10000)

	// Realize a loss beyond 5% of balance today.
	sim.SetQuote("USDJPY", 150.00, 150.02)
	pos, err := sim.OpenPosition(context.Background(), terminal.OrderRequest{Symbol: "USDJPY", Direction: "BUY", Lots: 0.01})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	sim.SetQuote("USDJPY", 149.40, 149.42)
	if _, err := sim.ClosePosition(context.Background(), pos.Ticket); err != nil {
		t.Fatalf("close seed: %v", err)
	}

	a.HandleMessage(executeOrder("sig-risk"))

	result := sender.last(t)
	if result.Reason != reasonDailyRiskBreach {
		t.Errorf("reason = %q, want %q (daily pnl %.2f)", result.Reason, reasonDailyRiskBreach, a.ledger.DailyPnL())
	}
}

func TestExecuteOrderTerminalReject(t *testing.T) {
	a, sim, sender := testAgent(t, 10000)
	sim.FailNextOrder("not enough money")

	a.HandleMessage(executeOrder("sig-rej"))

	result := sender.last(t)
	if result.Type != protocol.TypeOrderFailed {
		t.Fatalf("type = %q, want order_failed", result.Type)
	}
	if !strings.Contains(result.Reason, "not enough money") {
		t.Errorf("reason = %q, want terminal reject text surfaced verbatim", result.Reason)
	}
	// The terminal reject must not leave a binding; the source may re-issue.
	if a.Bindings().HasActive("sig-rej") {
		t.Error("failed order left an active binding")
	}
}

func TestFixedLotMode(t *testing.T) {
	sim := terminal.NewSimulator(10000)
	sim.SetQuote("EURUSD", 1.0999, 1.1001)
	sender := &captureSender{}
	a := New(Config{FixedLotMode: true, FixedLot: 0.05}, sim, testCatalog(t), sender)

	a.HandleMessage(executeOrder("sig-fixed"))

	result := sender.last(t)
	if !result.Success || result.Lot != 0.05 {
		t.Errorf("lot = %v success=%v, want fixed 0.05", result.Lot, result.Success)
	}
}

func TestCloseSignal(t *testing.T) {
	a, sim, sender := testAgent(t, 10000)
	a.HandleMessage(executeOrder("sig-close"))
	sim.SetQuote("EURUSD", 1.1051, 1.1053)

	closeMsg := protocol.New(protocol.TypeCloseSignal)
	closeMsg.SignalID = "sig-close"
	closeMsg.ExecutionID = "exec-sig-close"
	a.HandleMessage(closeMsg)

	result := sender.last(t)
	if result.Type != protocol.TypeSignalResult || !result.Success {
		t.Fatalf("close result = %+v, want success signal_result", result)
	}
	if a.Bindings().HasActive("sig-close") {
		t.Error("binding still active after close")
	}

	open, _ := sim.OpenPositions(context.Background())
	if len(open) != 0 {
		t.Errorf("%d positions still open", len(open))
	}

	// Closing again reports failure, not a second close.
	a.HandleMessage(closeMsg)
	if result := sender.last(t); result.Success {
		t.Error("second close succeeded, want failure")
	}
}

func TestCloseAll(t *testing.T) {
	a, sim, sender := testAgent(t, 100000)
	a.HandleMessage(executeOrder("sig-a"))
	msgB := executeOrder("sig-b")
	msgB.Direction = "SELL"
	a.HandleMessage(msgB)

	// A position the agent did not open is closed too.
	sim.Seed(terminal.Position{Symbol: "EURUSD", Direction: "BUY", Lots: 0.1, OpenPrice: 1.1})

	closeAll := protocol.New(protocol.TypeCloseAll)
	a.HandleMessage(closeAll)

	result := sender.last(t)
	if !result.Success {
		t.Fatalf("close_all failed: %+v", result)
	}
	open, _ := sim.OpenPositions(context.Background())
	if len(open) != 0 {
		t.Errorf("%d positions still open after close_all", len(open))
	}
	if a.Bindings().ActiveCount() != 0 {
		t.Error("bindings still active after close_all")
	}
}

func TestAccountInfoRequest(t *testing.T) {
	a, _, sender := testAgent(t, 10000)

	req := protocol.New(protocol.TypeAccountInfoRequest)
	req.RequestID = "req-acct"
	a.HandleMessage(req)

	reply := sender.last(t)
	if reply.Type != protocol.TypeAccountInfo {
		t.Fatalf("type = %q, want account_info", reply.Type)
	}
	if reply.RequestID != "req-acct" {
		t.Errorf("request id = %q, want req-acct", reply.RequestID)
	}
	if reply.Balance != 10000 {
		t.Errorf("balance = %v, want 10000", reply.Balance)
	}
}

func TestReconcileRebindsTaggedPositions(t *testing.T) {
	a, sim, _ := testAgent(t, 10000)
	sim.Seed(terminal.Position{
		Symbol: "EURUSD", Direction: "BUY", Lots: 0.4,
		OpenPrice: 1.1001, Comment: signalComment("sig-old"),
	})
	sim.Seed(terminal.Position{
		Symbol: "EURUSD", Direction: "SELL", Lots: 0.1,
		OpenPrice: 1.0999, Comment: "manual trade",
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !a.Bindings().HasActive("sig-old") {
		t.Error("tagged position was not rebound")
	}
	if a.Bindings().ActiveCount() != 1 {
		t.Errorf("active bindings = %d, want 1 (untagged left unmanaged)", a.Bindings().ActiveCount())
	}

	// A rebound signal id still counts for duplicate detection.
	sender := a.sender.(*captureSender)
	a.HandleMessage(executeOrder("sig-old"))
	if got := sender.last(t).Reason; got != reasonDuplicate {
		t.Errorf("reason = %q, want %q", got, reasonDuplicate)
	}
}
