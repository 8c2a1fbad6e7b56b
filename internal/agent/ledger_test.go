package agent

import (
	"context"
	"testing"
	"time"

	"execbridge/internal/terminal"
)

func TestRiskLedgerRecomputesFromDeals(t *testing.T) {
	ctx := context.Background()
	sim := terminal.NewSimulator(10000)
	sim.SetQuote("EURUSD", 1.1000, 1.1002)
	ledger := NewRiskLedger(sim)

	pos, _ := sim.OpenPosition(ctx, terminal.OrderRequest{Symbol: "EURUSD", Direction: "BUY", Lots: 0.1})
	sim.SetQuote("EURUSD", 1.0952, 1.0954)
	if _, err := sim.ClosePosition(ctx, pos.Ticket); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := ledger.Refresh(ctx, time.Now()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := (1.0952 - 1.1002) * 0.1 * 100000
	if diff := ledger.DailyPnL() - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("daily pnl = %.2f, want %.2f", ledger.DailyPnL(), want)
	}
}

func TestRiskLedgerIncludesFloatingPnL(t *testing.T) {
	ctx := context.Background()
	sim := terminal.NewSimulator(10000)
	sim.SetQuote("EURUSD", 1.1000, 1.1002)
	ledger := NewRiskLedger(sim)

	if _, err := sim.OpenPosition(ctx, terminal.OrderRequest{Symbol: "EURUSD", Direction: "BUY", Lots: 0.1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	sim.SetQuote("EURUSD", 1.0960, 1.0962)

	if err := ledger.Refresh(ctx, time.Now()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := (1.0960 - 1.1002) * 0.1 * 100000
	if diff := ledger.DailyPnL() - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("daily pnl = %.2f, want floating %.2f", ledger.DailyPnL(), want)
	}
}

func TestRiskLedgerBreached(t *testing.T) {
	ledger := &RiskLedger{dailyPnL: -500}
	tests := []struct {
		name    string
		balance float64
		maxPct  float64
		want    bool
	}{
		{"at ceiling", 10000, 5, true},
		{"beyond ceiling", 5000, 5, true},
		{"within budget", 20000, 5, false},
		{"ceiling disabled", 10000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ledger.Breached(tt.balance, tt.maxPct); got != tt.want {
				t.Errorf("Breached(%v, %v) = %v, want %v", tt.balance, tt.maxPct, got, tt.want)
			}
		})
	}
}

func TestRiskLedgerDayBoundary(t *testing.T) {
	sim := terminal.NewSimulator(10000)
	ledger := NewRiskLedger(sim)

	if !ledger.NeedsReset(time.Now()) {
		t.Error("fresh ledger should need a reset")
	}

	noon := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if err := ledger.Refresh(context.Background(), noon); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ledger.NeedsReset(noon.Add(6 * time.Hour)) {
		t.Error("same-day check should not need a reset")
	}
	if !ledger.NeedsReset(noon.Add(13 * time.Hour)) {
		t.Error("next calendar day should need a reset")
	}
}
