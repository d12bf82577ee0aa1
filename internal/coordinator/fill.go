package coordinator

import (
	"context"
	"strings"

	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"github.com/rs/zerolog"
)

// handleFill runs one fill through the three-step fan-out: trade
// service projection, pyramid dispatch, dashboard broadcast. A
// projection failure is the fatal case the circuit breaker guards;
// the other two steps are best-effort and never trip the breaker on
// their own.
func (c *Coordinator) handleFill(ctx context.Context, logger zerolog.Logger, ev sot.FillAppended) {
	if !c.breaker.Allow() {
		logger.Error().
			Int64("order_id", ev.Order.ID).
			Msg("coordinator: circuit open, dropping fill")
		return
	}

	if err := c.applyToTS(ev); err != nil {
		c.breaker.RecordFailure()
		logger.Error().
			Err(err).
			Int64("order_id", ev.Order.ID).
			Int64("fill_id", ev.Fill.ID).
			Msg("coordinator: failed to apply fill to trade service")
		return
	}
	c.breaker.RecordSuccess()

	if strings.HasPrefix(ev.Order.SourceRef, "pyramid:") {
		if err := c.pyramid.HandleFill(ev.Order, ev.Fill); err != nil {
			logger.Error().
				Err(err).
				Int64("order_id", ev.Order.ID).
				Str("source_ref", ev.Order.SourceRef).
				Msg("coordinator: pyramid dispatch failed")
		}
	}

	c.broadcastBus.Publish(Broadcast{Order: ev.Order, Fill: ev.Fill})
}

func (c *Coordinator) applyToTS(ev sot.FillAppended) error {
	return c.ts.ApplyFill(ts.FillContext{
		OrderID:        ev.Order.ID,
		Symbol:         ev.Order.Symbol,
		Side:           string(ev.Order.Side),
		FillQty:        ev.Fill.FillQty.Decimal,
		EffectivePrice: ev.Fill.EffectivePrice.Decimal,
		Fees:           ev.Fill.Fees.Decimal,
		FilledAt:       ev.Fill.FilledAt,
		StrategyCode:   ev.Order.SourceRef,
	})
}
