package execution

import (
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/sot"
)

// shouldFillNow is a pure fill-eligibility predicate per order type:
// no class hierarchy, just an enum switch over OrderType.
func shouldFillNow(order *sot.Order, currentPrice money.Decimal) bool {
	switch order.OrderType {
	case sot.OrderTypeMarket:
		return true
	case sot.OrderTypeLimit:
		if order.Side == sot.SideBuy {
			return currentPrice.LessThanOrEqual(order.Price.Decimal)
		}
		return currentPrice.GreaterThanOrEqual(order.Price.Decimal)
	case sot.OrderTypeStopLoss:
		// A stop only fills once triggered; the stop-loss scanner
		// transitions NEW->TRIGGERED and re-dispatches at market, so by
		// the time shouldFillNow is asked about a TRIGGERED order it is
		// always true.
		return order.Status == sot.OrderStatusTriggered
	default:
		return false
	}
}

// stopTriggered is the stop-loss trigger condition:
//
//	SELL stop: current_price <= stop_price
//	BUY stop:  current_price >= stop_price
func stopTriggered(order *sot.Order, currentPrice money.Decimal) bool {
	if order.StopPrice == nil {
		return false
	}
	stop := order.StopPrice.Decimal
	if order.Side == sot.SideSell {
		return currentPrice.LessThanOrEqual(stop)
	}
	return currentPrice.GreaterThanOrEqual(stop)
}

// dispatchPrice picks the price computeFill should use for order:
// LIMIT fills at its own limit price, MARKET and triggered STOP_LOSS
// fill at the current market price (never at the stop price).
func dispatchPrice(order *sot.Order, currentPrice money.Decimal) money.Decimal {
	if order.OrderType == sot.OrderTypeLimit {
		return order.Price.Decimal
	}
	return currentPrice
}
