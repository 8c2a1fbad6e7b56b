package agent

import (
	"context"
	"log"
	"time"
)

// trailingLoop advances stop losses on a fixed interval until ctx is done.
func (a *Agent) trailingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TrailingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.trailStops(ctx)
		}
	}
}

// trailStops runs one trailing pass over every active binding. The stop
// only ever moves in the position's favor: up for BUY, down for SELL. It
// never crosses the open price until price itself has moved past it, so
// a position is never "locked in" at a loss-free level it has not earned.
func (a *Agent) trailStops(ctx context.Context) {
	for _, bd := range a.bindings.Active() {
		inst, err := a.catalog.Get(bd.Symbol)
		if err != nil {
			continue
		}
		q, err := a.term.Quote(ctx, bd.Symbol)
		if err != nil {
			continue
		}

		positions, err := a.term.OpenPositions(ctx)
		if err != nil {
			continue
		}
		var current float64
		found := false
		for _, p := range positions {
			if p.Ticket == bd.Ticket {
				current = p.StopLoss
				found = true
				break
			}
		}
		if !found {
			// Position closed out from under us (stop hit, manual close).
			a.bindings.Deactivate(bd.SignalID)
			continue
		}

		distance := a.cfg.TrailingDistance * inst.PipSize
		if distance <= 0 {
			continue
		}

		var newStop float64
		switch bd.Direction {
		case "BUY":
			newStop = q.Bid - distance
			if newStop < bd.OpenPrice {
				continue // price has not cleared the open yet
			}
			if newStop <= current {
				continue // never retrace
			}
		case "SELL":
			newStop = q.Ask + distance
			if newStop > bd.OpenPrice {
				continue
			}
			if current > 0 && newStop >= current {
				continue
			}
		default:
			continue
		}

		if err := a.term.ModifyPosition(ctx, bd.Ticket, newStop, 0); err != nil {
			log.Printf("agent: trailing modify failed ticket=%d: %v", bd.Ticket, err)
			continue
		}
		log.Printf("agent: trailed stop ticket=%d %s -> %.5f", bd.Ticket, bd.Symbol, newStop)
	}
}
