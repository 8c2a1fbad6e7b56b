package agent

import (
	"context"
	"testing"

	"execbridge/internal/terminal"
)

// openBuy fills a BUY at the current ask and returns the agent ready for
// trailing passes (20-pip distance from testAgent's config).
func openBuy(t *testing.T) (*Agent, *terminal.Simulator) {
	t.Helper()
	a, sim, sender := testAgent(t, 10000)
	a.HandleMessage(executeOrder("sig-trail"))
	if result := sender.last(t); !result.Success {
		t.Fatalf("setup order failed: %s", result.Reason)
	}
	return a, sim
}

func stopLoss(t *testing.T, sim *terminal.Simulator) float64 {
	t.Helper()
	open, err := sim.OpenPositions(context.Background())
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open position, got %d (%v)", len(open), err)
	}
	return open[0].StopLoss
}

func TestTrailingDoesNotEngageBelowOpen(t *testing.T) {
	a, sim := openBuy(t) // filled at 1.1001, stop 1.0950, distance 20 pips

	// Bid at 1.1010: candidate stop 1.0990 is still below the open price.
	sim.SetQuote("EURUSD", 1.1010, 1.1012)
	a.trailStops(context.Background())

	if got := stopLoss(t, sim); got != 1.0950 {
		t.Errorf("stop moved to %.5f before price cleared the open", got)
	}
}

func TestTrailingAdvancesAndNeverRetraces(t *testing.T) {
	a, sim := openBuy(t)
	ctx := context.Background()

	// Price well past the open: stop trails 20 pips behind the bid.
	sim.SetQuote("EURUSD", 1.1060, 1.1062)
	a.trailStops(ctx)
	first := stopLoss(t, sim)
	if first < 1.1001 {
		t.Fatalf("stop %.5f below open after trailing engaged", first)
	}
	want := 1.1060 - 20*0.0001
	if diff := first - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("stop = %.5f, want %.5f", first, want)
	}

	// Price advances further: stop follows.
	sim.SetQuote("EURUSD", 1.1080, 1.1082)
	a.trailStops(ctx)
	second := stopLoss(t, sim)
	if second <= first {
		t.Errorf("stop did not advance: %.5f -> %.5f", first, second)
	}

	// Price retraces: stop must hold.
	sim.SetQuote("EURUSD", 1.1020, 1.1022)
	a.trailStops(ctx)
	if got := stopLoss(t, sim); got != second {
		t.Errorf("stop retraced: %.5f -> %.5f", second, got)
	}
}

func TestTrailingSellPosition(t *testing.T) {
	a, sim, sender := testAgent(t, 10000)
	msg := executeOrder("sig-sell")
	msg.Direction = "SELL"
	msg.Entry = 1.0999
	msg.StopLoss = 1.1050
	a.HandleMessage(msg)
	if result := sender.last(t); !result.Success {
		t.Fatalf("setup order failed: %s", result.Reason)
	}
	ctx := context.Background()

	// Price falls well past the open; stop trails 20 pips above the ask.
	sim.SetQuote("EURUSD", 1.0920, 1.0922)
	a.trailStops(ctx)
	got := stopLoss(t, sim)
	want := 1.0922 + 20*0.0001
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("stop = %.5f, want %.5f", got, want)
	}
	if got > 1.0999 {
		t.Errorf("sell stop %.5f above open price", got)
	}

	// Price bounces: stop holds.
	sim.SetQuote("EURUSD", 1.0960, 1.0962)
	a.trailStops(ctx)
	if after := stopLoss(t, sim); after != got {
		t.Errorf("stop retraced: %.5f -> %.5f", got, after)
	}
}

func TestTrailingDeactivatesVanishedPosition(t *testing.T) {
	a, sim := openBuy(t)
	ctx := context.Background()

	// Position closed behind the agent's back (stop hit at the broker).
	open, _ := sim.OpenPositions(ctx)
	if _, err := sim.ClosePosition(ctx, open[0].Ticket); err != nil {
		t.Fatalf("close: %v", err)
	}

	a.trailStops(ctx)
	if a.Bindings().HasActive("sig-trail") {
		t.Error("binding still active for a closed position")
	}
}
