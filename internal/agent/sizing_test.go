package agent

import (
	"testing"

	"execbridge/pkg/instruments"
)

var eurusd = instruments.Instrument{
	Symbol:   "EURUSD",
	PipSize:  0.0001,
	PipValue: 10,
	MinLot:   0.01,
	MaxLot:   100,
	LotStep:  0.01,
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name         string
		riskAmount   float64
		stopDistance float64
		want         float64
	}{
		// $10k balance, 2% risk, 50-pip stop on EURUSD.
		{"fifty pip stop", 200, 0.0050, 0.40},
		{"hundred pip stop", 200, 0.0100, 0.20},
		{"round down to step", 100, 0.0030, 0.33},
		{"below min lot", 1, 0.0100, 0},
		{"zero risk", 0, 0.0050, 0},
		{"zero stop distance", 200, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := positionSize(eurusd, tt.riskAmount, tt.stopDistance)
			if got != tt.want {
				t.Errorf("positionSize(%v, %v) = %v, want %v", tt.riskAmount, tt.stopDistance, got, tt.want)
			}
		})
	}
}

func TestPositionSizeMonotonicInStopDistance(t *testing.T) {
	prev := positionSize(eurusd, 200, 0.0010)
	for _, dist := range []float64{0.0020, 0.0035, 0.0050, 0.0100, 0.0250} {
		got := positionSize(eurusd, 200, dist)
		if got > prev {
			t.Fatalf("size increased with stop distance: %v pips -> %v lots (prev %v)", dist/eurusd.PipSize, got, prev)
		}
		prev = got
	}
}

func TestPositionSizeClampedToMax(t *testing.T) {
	inst := eurusd
	inst.MaxLot = 0.50
	if got := positionSize(inst, 10000, 0.0010); got != 0.50 {
		t.Errorf("got %v, want clamp at 0.50", got)
	}
}

func TestFixedSize(t *testing.T) {
	tests := []struct {
		name string
		lot  float64
		want float64
	}{
		{"exact", 0.10, 0.10},
		{"rounded to step", 0.117, 0.11},
		{"raised to min", 0.001, 0.01},
		{"clamped to max", 500, 100},
		{"zero rejected", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fixedSize(eurusd, tt.lot); got != tt.want {
				t.Errorf("fixedSize(%v) = %v, want %v", tt.lot, got, tt.want)
			}
		})
	}
}
