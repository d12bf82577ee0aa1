// Package risk implements the pure, side-effect-free pre-trade checks:
// pip sizing, position-size limits, and daily-loss limits. Each
// function is a pure function of its inputs; the caller
// (internal/pending) builds the input view from two separate TS reads
// (the position, then today's realized PnL), which are not wrapped in
// one transaction.
package risk

import (
	"fmt"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/priceapi"
)

// PositionView is the read view a caller supplies for the position and
// daily-loss checks; it is a snapshot, not a live query.
type PositionView struct {
	EquityValue       money.Decimal
	CurrentExposure   money.Decimal // on the symbol being checked
	RealizedPnLToday  money.Decimal
}

// ResolveQty converts a pip count into a concrete quantity:
//
//	resolve_qty(symbol, pips) = round_to_step(pips * pip_multiplier * min_qty, step)
//
// An out-of-range result is clamped into [min_qty, max_qty] and
// returned alongside a non-empty riskNote rather than rejected:
// violations warn the approver, they never block queuing.
func ResolveQty(pips money.Decimal, pipMultiplier float64, info priceapi.ExchangeInfo) (qty money.Decimal, riskNote string) {
	multiplier := money.NewFromFloat(pipMultiplier)
	raw := pips.Mul(multiplier).Mul(info.MinQty)
	rounded := money.RoundToStep(raw, info.StepSize)

	if rounded.LessThan(info.MinQty) {
		riskNote = fmt.Sprintf("pip-resolved qty %s below min_qty %s, clamped", rounded.String(), info.MinQty.String())
		return info.MinQty, riskNote
	}
	if rounded.GreaterThan(info.MaxQty) {
		riskNote = fmt.Sprintf("pip-resolved qty %s above max_qty %s, clamped", rounded.String(), info.MaxQty.String())
		return info.MaxQty, riskNote
	}
	return rounded, ""
}

// CheckPositionSize implements:
//
//	Δ = qty * price
//	passed ⇔ (X + Δ) / E ≤ max_position_pct
func CheckPositionSize(qty, price money.Decimal, view PositionView, maxPositionPct float64) (passed bool, note string) {
	if view.EquityValue.IsZero() {
		return false, "position check skipped: zero equity"
	}
	delta := qty.Mul(price)
	exposure := view.CurrentExposure.Add(delta)
	pct := exposure.Div(view.EquityValue).Mul(money.New(100, 0))
	max := money.NewFromFloat(maxPositionPct)
	if pct.GreaterThan(max) {
		return false, fmt.Sprintf("position %.1f%% exceeds max %.1f%%", toFloat(pct), maxPositionPct)
	}
	return true, ""
}

// CheckDailyLoss implements:
//
//	daily_loss = Σ realized_pnl today
//	passed ⇔ -daily_loss / E ≤ max_daily_loss_pct
func CheckDailyLoss(view PositionView, maxDailyLossPct float64) (passed bool, note string) {
	if view.EquityValue.IsZero() {
		return false, "daily-loss check skipped: zero equity"
	}
	lossPct := view.RealizedPnLToday.Neg().Div(view.EquityValue).Mul(money.New(100, 0))
	max := money.NewFromFloat(maxDailyLossPct)
	if lossPct.GreaterThan(max) {
		return false, fmt.Sprintf("daily loss %.1f%% exceeds max %.1f%%", toFloat(lossPct), maxDailyLossPct)
	}
	return true, ""
}

// Evaluate runs both checks and combines any violation notes into a
// single risk_note string for the PendingOrder; the order queues
// either way and the human approver sees the warning.
func Evaluate(qty, price money.Decimal, view PositionView, maxPositionPct, maxDailyLossPct float64) string {
	var notes []string
	if ok, note := CheckPositionSize(qty, price, view, maxPositionPct); !ok {
		notes = append(notes, note)
	}
	if ok, note := CheckDailyLoss(view, maxDailyLossPct); !ok {
		notes = append(notes, note)
	}
	if len(notes) == 0 {
		return ""
	}
	combined := notes[0]
	for _, n := range notes[1:] {
		combined += "; " + n
	}
	return combined
}

func toFloat(d money.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// ValidateQuantity rejects a resolved quantity of zero or less, a
// hard validation failure distinct from the soft risk-note path above:
// a non-positive quantity cannot be queued at all.
func ValidateQuantity(qty money.Decimal) error {
	if !qty.IsPositive() {
		return coreerrors.NewValidationError("quantity", qty.String(), "must be positive after pip resolution")
	}
	return nil
}
