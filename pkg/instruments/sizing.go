package instruments

import "github.com/shopspring/decimal"

// LotForRisk computes the lot size for a trade risking riskAmount of
// account currency with the given stop distance in price units. The raw
// size is clamped to the instrument's max and rounded down to the lot
// step; a result under the minimum lot returns 0 rather than risking
// more than requested.
func LotForRisk(inst Instrument, riskAmount, stopDistance float64) float64 {
	if riskAmount <= 0 || stopDistance <= 0 || inst.PipSize <= 0 || inst.PipValue <= 0 {
		return 0
	}

	stopPips := decimal.NewFromFloat(stopDistance).Div(decimal.NewFromFloat(inst.PipSize))
	riskPerLot := stopPips.Mul(decimal.NewFromFloat(inst.PipValue))
	if riskPerLot.IsZero() {
		return 0
	}

	lots := decimal.NewFromFloat(riskAmount).Div(riskPerLot)
	return ClampLot(inst, lots)
}

// ClampLot clamps a raw lot to the instrument's bounds, rounding down to
// the lot step. Sizes that cannot reach the minimum return 0.
func ClampLot(inst Instrument, lots decimal.Decimal) float64 {
	min := decimal.NewFromFloat(inst.MinLot)
	max := decimal.NewFromFloat(inst.MaxLot)
	step := decimal.NewFromFloat(inst.LotStep)

	if lots.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	if lots.GreaterThan(max) {
		lots = max
	}
	if step.IsPositive() {
		lots = lots.Div(step).Floor().Mul(step)
	}
	if lots.LessThan(min) {
		return 0
	}
	f, _ := lots.Float64()
	return f
}
