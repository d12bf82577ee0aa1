package pyramid

import (
	"math"

	"github.com/ksred/paperexec/internal/money"
)

// PipSize is the pip unit a session's waves are sized against:
// pip_multiplier * min_qty.
func PipSize(pipMultiplier float64, minQty money.Decimal) money.Decimal {
	return minQty.Mul(money.NewFromFloat(pipMultiplier))
}

// TargetQty is wave n's buy size: (n+1) * pip_size, rounded to the
// symbol's step and floored at min_qty.
func TargetQty(waveNum int, pipSize, minQty, stepSize money.Decimal) money.Decimal {
	raw := pipSize.Mul(money.NewFromFloat(float64(waveNum + 1)))
	rounded := money.RoundToStep(raw, stepSize)
	if rounded.LessThan(minQty) {
		return minQty
	}
	return rounded
}

// TargetPrice is wave n's limit price: entry_price *
// (1 - distance_pct/100)^n. The exponentiation is transient float math
// and is immediately quantized to priceStep on return.
func TargetPrice(entryPrice money.Decimal, distancePct float64, waveNum int, priceStep money.Decimal) money.Decimal {
	entry, _ := entryPrice.Float64()
	factor := math.Pow(1-distancePct/100.0, float64(waveNum))
	raw := money.NewFromFloat(entry * factor)
	return money.RoundToStep(raw, priceStep)
}

// EstimatedCost sums target_price(n) * target_qty(n) for
// n = 0..numWaves-1: the capital a session commits if every wave fills.
func EstimatedCost(entryPrice money.Decimal, distancePct float64, pipMultiplier float64, minQty, stepSize, priceStep money.Decimal, numWaves int) money.Decimal {
	pipSize := PipSize(pipMultiplier, minQty)
	total := money.Zero
	for n := 0; n < numWaves; n++ {
		qty := TargetQty(n, pipSize, minQty, stepSize)
		price := TargetPrice(entryPrice, distancePct, n, priceStep)
		total = total.Add(qty.Mul(price))
	}
	return total
}

// TPThreshold is the price at which check_tp fires:
// avg_price * (1 + tp_pct/100).
func TPThreshold(avgPrice money.Decimal, tpPct float64) money.Decimal {
	return avgPrice.Mul(money.NewFromFloat(1 + tpPct/100.0))
}
