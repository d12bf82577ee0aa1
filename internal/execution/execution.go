// Package execution implements the paper execution engine: fill
// pricing, partial fills, SELL sufficiency checks, the stop-loss
// scanner, and the async latency dispatcher. Fills are deterministic
// given the injected clock and random source.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/paperexec/internal/clockwork"
	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/priceapi"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"gorm.io/gorm"
)

// Config is the per-execution tuning: slippage, fee rates, partial
// fill fraction, latency, plus the stop scanner's own interval.
type Config struct {
	DefaultFillPct     float64
	DefaultSlippagePct float64
	DefaultMakerFee    float64
	DefaultTakerFee    float64
	DefaultLatencyMs   int64
	RandomLatencyMs    int64
	StopScanInterval   time.Duration
}

// Engine owns the order state machine. It reads ts.Store for Position
// sufficiency/avg-price checks (read-only: position mutation happens
// later, in the coordinator) and writes sot.Store for orders, fills,
// and events.
type Engine struct {
	sot    *sot.Store
	ts     *ts.Store
	prices priceapi.Source
	clock  clockwork.Clock
	rng    clockwork.RandomSource
	cfg    Config
}

func New(sotStore *sot.Store, tsStore *ts.Store, prices priceapi.Source, clock clockwork.Clock, rng clockwork.RandomSource, cfg Config) *Engine {
	return &Engine{sot: sotStore, ts: tsStore, prices: prices, clock: clock, rng: rng, cfg: cfg}
}

// ExecutePending implements internal/pending.Executor: it creates the
// Order inside the caller's transaction and, for inline (latency=0)
// orders, runs the first fill too, so a fill failure rolls the
// PENDING->APPROVED CAS back with it. The inline fill is returned for
// the caller to publish once its transaction commits. Async-latency
// orders are created NEW->PENDING instead and picked up later by the
// dispatcher.
func (e *Engine) ExecutePending(tx *gorm.DB, po *sot.PendingOrder) (*sot.Order, *sot.Fill, error) {
	clientOrderID := fmt.Sprintf("pending:%d", po.ID)
	isMaker := po.OrderType == sot.OrderTypeLimit

	order, _, err := e.sot.AppendOrderInTx(tx, sot.NewOrderParams{
		ClientOrderID: clientOrderID,
		Symbol:        po.Symbol,
		Side:          po.Side,
		OrderType:     po.OrderType,
		Qty:           po.Quantity.Decimal,
		Price:         po.Price.Decimal,
		StopPrice:     decimalPtr(po.StopPrice),
		IsMaker:       isMaker,
		LatencyMs:     e.cfg.DefaultLatencyMs,
		MakerFeeRate:  e.cfg.DefaultMakerFee,
		TakerFeeRate:  e.cfg.DefaultTakerFee,
		SourceRef:     po.SourceRef,
	})
	if err != nil {
		return nil, nil, err
	}

	if e.cfg.DefaultLatencyMs <= 0 {
		if order.OrderType == sot.OrderTypeStopLoss {
			// A stop with no latency still waits for a trigger; the
			// scanner picks it up on its next tick rather than filling
			// here.
			return order, nil, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		price, err := e.currentPrice(ctx, order.Symbol)
		if err != nil {
			// No live quote: fill at the order's accepted price.
			price = order.Price.Decimal
		}
		fill, updated, err := e.fillOnceInTx(tx, order, price)
		if err != nil {
			var insufficient *coreerrors.InsufficientPositionError
			if errors.As(err, &insufficient) {
				// CancelOrderInTx already recorded CANCELLED + ERROR;
				// this is not an ExecutePending failure, the PendingOrder
				// still resolves to EXECUTED against a cancelled Order.
				return updated, nil, nil
			}
			return nil, nil, err
		}
		return updated, fill, nil
	}

	now := e.clock.Now()
	jitter := e.rng.Uniform(float64(e.cfg.RandomLatencyMs))
	scheduled := now.Add(time.Duration(e.cfg.DefaultLatencyMs) * time.Millisecond).Add(time.Duration(jitter) * time.Millisecond)
	updated, err := e.sot.TransitionStatusInTx(tx, order.ID, sot.OrderStatusPending, map[string]interface{}{
		"submitted_at": now,
		"scheduled_at": scheduled,
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, nil, nil
}

func decimalPtr(sd *money.StorableDecimal) *money.Decimal {
	if sd == nil {
		return nil
	}
	d := sd.Decimal
	return &d
}

func (e *Engine) currentPrice(ctx context.Context, symbol string) (money.Decimal, error) {
	q, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return money.Zero, err
	}
	return q.Price, nil
}

// fillOnceInTx runs one fill step against order at currentPrice,
// inside the caller's transaction. It is the single path shared by
// inline execution, the latency dispatcher, and the stop-loss
// scanner's post-trigger fill.
func (e *Engine) fillOnceInTx(tx *gorm.DB, order *sot.Order, currentPrice money.Decimal) (*sot.Fill, *sot.Order, error) {
	info, err := e.prices.ExchangeInfo(context.Background(), order.Symbol)
	if err != nil {
		return nil, nil, err
	}

	price := dispatchPrice(order, currentPrice)
	pricing := computeFill(order, e.cfg.DefaultFillPct, e.cfg.DefaultSlippagePct, price, info.StepSize, e.rng)

	if order.Side == sot.SideSell {
		pos, err := e.ts.GetPosition(order.Symbol)
		if err != nil {
			return nil, nil, err
		}
		if pos.Quantity.Decimal.LessThan(pricing.FillQty) {
			cancelled, cancelErr := e.sot.CancelOrderInTx(tx, order.ID, sot.EventError,
				fmt.Sprintf("insufficient position: have %s, need %s", pos.Quantity.Decimal.String(), pricing.FillQty.String()))
			if cancelErr != nil {
				return nil, nil, cancelErr
			}
			return nil, cancelled, coreerrors.NewInsufficientPositionError(order.Symbol, pos.Quantity.Decimal.String(), pricing.FillQty.String())
		}
	}

	remaining := order.RemainingQty.Decimal.Sub(pricing.FillQty)
	newStatus := sot.OrderStatusPartiallyFilled
	eventType := sot.EventPartialFill
	if remaining.IsZero() {
		newStatus = sot.OrderStatusFilled
		eventType = sot.EventFill
	}

	var realizedPnL *money.Decimal
	if order.Side == sot.SideSell {
		pos, err := e.ts.GetPosition(order.Symbol)
		if err != nil {
			return nil, nil, err
		}
		realized := pricing.EffectivePrice.Sub(pos.AvgEntryPrice.Decimal).Mul(pricing.FillQty).Sub(pricing.Fees)
		realizedPnL = &realized
	}

	fill, err := e.sot.AppendFillInTx(tx, sot.FillParams{
		OrderID:        order.ID,
		FillQty:        pricing.FillQty,
		FillPrice:      price,
		EffectivePrice: pricing.EffectivePrice,
		Fees:           pricing.Fees,
		SlippageAmount: pricing.Slippage,
		Liquidity:      pricing.Liquidity,
		RealizedPnL:    realizedPnL,
		EventType:      eventType,
		EventPayload:   "",
		NewStatus:      newStatus,
	})
	if err != nil {
		return nil, nil, err
	}

	order.RemainingQty = money.Wrap(remaining)
	order.Status = newStatus
	return fill, order, nil
}

// Fill runs one fill step against an existing order outside any
// caller transaction, publishing FillAppended once committed. Used by
// the stop-loss scanner (post-trigger) and the latency dispatcher.
func (e *Engine) Fill(orderID int64, currentPrice money.Decimal) (*sot.Fill, *sot.Order, error) {
	var fill *sot.Fill
	var order *sot.Order
	txErr := e.sot.WithTx(func(tx *gorm.DB) error {
		o, err := e.sot.GetOrder(orderID)
		if err != nil {
			return err
		}
		f, updated, err := e.fillOnceInTx(tx, o, currentPrice)
		if err != nil {
			var insufficient *coreerrors.InsufficientPositionError
			if errors.As(err, &insufficient) {
				order = updated
				return nil
			}
			return err
		}
		fill = f
		order = updated
		return nil
	})
	if txErr != nil {
		return nil, nil, txErr
	}
	if fill != nil && order != nil {
		e.sot.NotifyFillAppended(order, fill)
	}
	return fill, order, nil
}
