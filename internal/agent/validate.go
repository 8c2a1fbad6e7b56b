package agent

import (
	"context"
	"fmt"
	"time"

	"execbridge/internal/protocol"
	"execbridge/pkg/instruments"
)

// Rejection reasons carried back in signal_result messages. These are the
// human-readable strings the signal source sees; keep them stable.
const (
	reasonMissingFields   = "missing required fields"
	reasonBadPrice        = "non-positive price"
	reasonExpired         = "signal expired"
	reasonDuplicate       = "signal already has an active position"
	reasonMaxPositions    = "maximum open positions reached"
	reasonDailyRiskBreach = "daily risk limit breached"
	reasonInvalidLot      = "invalid lot size"
)

// validate runs the pre-sizing checks on an execute_order message and
// returns the instrument plus a rejection reason ("" when accepted).
// Checks are ordered cheapest first; the first failure wins.
func (a *Agent) validate(ctx context.Context, msg protocol.Message) (instruments.Instrument, string) {
	var inst instruments.Instrument

	if msg.SignalID == "" || msg.Symbol == "" || (msg.Direction != "BUY" && msg.Direction != "SELL") {
		return inst, reasonMissingFields
	}
	if msg.Entry <= 0 || msg.StopLoss <= 0 || (msg.TakeProfit != 0 && msg.TakeProfit < 0) {
		return inst, reasonBadPrice
	}
	if !msg.ExpiresAt.IsZero() && time.Now().After(msg.ExpiresAt) {
		return inst, reasonExpired
	}

	inst, err := a.catalog.Get(msg.Symbol)
	if err != nil {
		return inst, fmt.Sprintf("unsupported instrument: %s", msg.Symbol)
	}

	if a.bindings.HasActive(msg.SignalID) {
		return inst, reasonDuplicate
	}

	if a.cfg.MaxOpenPositions > 0 {
		acct, err := a.term.Account(ctx)
		if err != nil {
			return inst, fmt.Sprintf("terminal unavailable: %v", err)
		}
		if acct.OpenPositions >= a.cfg.MaxOpenPositions {
			return inst, reasonMaxPositions
		}
	}

	if reason := a.checkSpread(ctx, inst, msg.Symbol); reason != "" {
		return inst, reason
	}

	if reason := a.checkDailyRisk(ctx); reason != "" {
		return inst, reason
	}

	return inst, ""
}

// checkSpread rejects when the live spread in pips exceeds the ceiling.
// The instrument's own MaxSpread overrides the agent-wide setting.
func (a *Agent) checkSpread(ctx context.Context, inst instruments.Instrument, symbol string) string {
	ceiling := a.cfg.MaxSpreadPoints
	if inst.MaxSpread > 0 {
		ceiling = inst.MaxSpread
	}
	if ceiling <= 0 || inst.PipSize <= 0 {
		return ""
	}

	q, err := a.term.Quote(ctx, symbol)
	if err != nil {
		return fmt.Sprintf("no quote for %s", symbol)
	}
	spread := (q.Ask - q.Bid) / inst.PipSize
	if spread > ceiling {
		return fmt.Sprintf("spread %.1f pips exceeds ceiling %.1f", spread, ceiling)
	}
	return ""
}

// checkDailyRisk refreshes the ledger (on demand, and across a day
// boundary) and rejects when the daily loss ceiling has been reached.
func (a *Agent) checkDailyRisk(ctx context.Context) string {
	if a.cfg.MaxDailyRiskPercent <= 0 {
		return ""
	}

	if err := a.ledger.Refresh(ctx, time.Now()); err != nil {
		return fmt.Sprintf("terminal unavailable: %v", err)
	}
	acct, err := a.term.Account(ctx)
	if err != nil {
		return fmt.Sprintf("terminal unavailable: %v", err)
	}
	if a.ledger.Breached(acct.Balance, a.cfg.MaxDailyRiskPercent) {
		return reasonDailyRiskBreach
	}
	return ""
}
