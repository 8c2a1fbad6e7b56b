package agent

import (
	"github.com/shopspring/decimal"

	"execbridge/pkg/instruments"
)

// positionSize computes the risk-based lot for a trade. See
// instruments.LotForRisk for the formula and clamping rules.
func positionSize(inst instruments.Instrument, riskAmount, stopDistance float64) float64 {
	return instruments.LotForRisk(inst, riskAmount, stopDistance)
}

// fixedSize clamps a configured fixed lot to the instrument's bounds and
// step. Risk sizing is skipped entirely; only broker constraints apply,
// so an undersized fixed lot is raised to the minimum rather than rejected.
func fixedSize(inst instruments.Instrument, lot float64) float64 {
	if lot <= 0 {
		return 0
	}
	sized := instruments.ClampLot(inst, decimal.NewFromFloat(lot))
	if sized == 0 {
		return inst.MinLot
	}
	return sized
}
