package execution

import (
	"github.com/ksred/paperexec/internal/clockwork"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/sot"
)

// FillPricing is computeFill's result: everything one fill step needs
// to persist.
type FillPricing struct {
	FillQty        money.Decimal
	Slippage       money.Decimal
	EffectivePrice money.Decimal
	Fees           money.Decimal
	Liquidity      sot.Liquidity
}

// computeSlippage implements:
//
//	slippage = uniform(0, slippage_pct) * price
//
// signed positive for BUY (price moves against the buyer, up) and
// negative for SELL (price moves against the seller, down).
func computeSlippage(rng clockwork.RandomSource, slippagePct float64, price money.Decimal, side sot.Side) money.Decimal {
	u := rng.Uniform(slippagePct)
	magnitude := price.Mul(money.NewFromFloat(u))
	if side == sot.SideSell {
		return magnitude.Neg()
	}
	return magnitude
}

// computeFillQty implements:
//
//	fill_qty = round_to_step(remaining_qty * fill_pct, step)
//
// A remainder too small to round onto the step grid fills in full, so a
// partial-fill sequence always terminates instead of leaving dust.
func computeFillQty(remainingQty money.Decimal, fillPct float64, step money.Decimal) money.Decimal {
	raw := remainingQty.Mul(money.NewFromFloat(fillPct))
	qty := money.RoundToStep(raw, step)
	if qty.GreaterThan(remainingQty) || qty.IsZero() {
		return remainingQty
	}
	return qty
}

// computeFill prices one fill step: pure given its inputs, no store
// access, so stop-loss triggers, the latency dispatcher, and inline
// approval all share one fill-pricing path.
func computeFill(order *sot.Order, fillPct, slippagePct float64, price money.Decimal, step money.Decimal, rng clockwork.RandomSource) FillPricing {
	slippage := computeSlippage(rng, slippagePct, price, order.Side)
	effective := price.Add(slippage)

	fillQty := computeFillQty(order.RemainingQty.Decimal, fillPct, step)

	feeRate := order.TakerFeeRate
	liquidity := sot.LiquidityTaker
	if order.IsMaker {
		feeRate = order.MakerFeeRate
		liquidity = sot.LiquidityMaker
	}
	fees := effective.Mul(fillQty).Mul(money.NewFromFloat(feeRate))

	return FillPricing{
		FillQty:        fillQty,
		Slippage:       slippage,
		EffectivePrice: effective,
		Fees:           fees,
		Liquidity:      liquidity,
	}
}
