package cogs

import "github.com/shopspring/decimal"

// intermediatePrecisionPad is the number of extra fractional digits
// unit-cost averages keep over a run's configured final precision, so that
// summing already-rounded intermediate values and then rounding once more
// to finalPrecision doesn't accumulate drift.
const intermediatePrecisionPad = 2

// averageUnitCost divides totalCost by quantity using banker's rounding
// (round-half-to-even) at finalPrecision+intermediatePrecisionPad places.
// Returns zero for a zero quantity rather than dividing by zero; the
// allocator reaches that case for a sale with no eligible lot and for a
// summary period whose returns cancel its sales.
func averageUnitCost(totalCost decimal.Decimal, quantity int64, finalPrecision int32) decimal.Decimal {
	if quantity == 0 {
		return decimal.Zero
	}
	intermediate := finalPrecision + intermediatePrecisionPad
	return totalCost.DivRound(decimal.NewFromInt(quantity), intermediate+4).RoundBank(intermediate)
}

// roundCurrency rounds a final monetary sum to finalPrecision places using
// banker's rounding, matching the intermediate rounding rule so that
// summation order never changes the rounded result.
func roundCurrency(amount decimal.Decimal, finalPrecision int32) decimal.Decimal {
	return amount.RoundBank(finalPrecision)
}
