package agent

import (
	"context"
	"time"

	"execbridge/internal/terminal"
)

// RiskLedger tracks today's profit and loss for one terminal account. It
// is always recomputed from the terminal's closed deals plus the floating
// result of open positions, never drifted incrementally, so a missed tick
// or restart cannot corrupt it.
type RiskLedger struct {
	term terminal.Terminal

	lastReset time.Time
	dailyPnL  float64
}

// NewRiskLedger creates a ledger over the given terminal.
func NewRiskLedger(term terminal.Terminal) *RiskLedger {
	return &RiskLedger{term: term}
}

// Refresh recomputes today's PnL. The day boundary is the calendar day of
// now; crossing it resets the accumulation window.
func (r *RiskLedger) Refresh(ctx context.Context, now time.Time) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	r.lastReset = dayStart

	deals, err := r.term.DealsSince(ctx, dayStart)
	if err != nil {
		return err
	}
	total := 0.0
	for _, d := range deals {
		total += d.Profit
	}

	acct, err := r.term.Account(ctx)
	if err != nil {
		return err
	}
	// Floating PnL of open positions is equity minus balance.
	total += acct.Equity - acct.Balance

	r.dailyPnL = total
	return nil
}

// NeedsReset reports whether now falls on a later calendar day than the
// last refresh.
func (r *RiskLedger) NeedsReset(now time.Time) bool {
	if r.lastReset.IsZero() {
		return true
	}
	y1, m1, d1 := r.lastReset.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// DailyPnL returns today's realized plus floating result as of the last
// refresh.
func (r *RiskLedger) DailyPnL() float64 { return r.dailyPnL }

// Breached reports whether today's loss has reached the maximum daily
// risk, expressed as a percentage of balance.
func (r *RiskLedger) Breached(balance, maxDailyRiskPercent float64) bool {
	if maxDailyRiskPercent <= 0 || balance <= 0 {
		return false
	}
	return r.dailyPnL <= -(maxDailyRiskPercent / 100 * balance)
}
