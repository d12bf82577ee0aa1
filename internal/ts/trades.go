package ts

import (
	"errors"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"gorm.io/gorm"
)

// FillContext is everything the Coordinator knows about a fill and the
// order it belongs to, which TS needs to aggregate it.
type FillContext struct {
	OrderID        int64
	Symbol         string
	Side           string // BUY or SELL
	FillQty        money.Decimal
	EffectivePrice money.Decimal
	Fees           money.Decimal
	FilledAt       time.Time
	StrategyCode   string
}

// ApplyFill updates Position and Trade/TradePnL for a single fill, in
// one transaction: every mutation for one fill's processing commits or
// rolls back together. For SELL fills, the realized-PnL contribution
// also flows into the current open Trade's TradePnL snapshot computed
// at the end of this call.
func (s *Store) ApplyFill(fc FillContext) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		realized, err := applyPositionFill(tx, fc.Symbol, fc.Side, fc.FillQty, fc.EffectivePrice, fc.Fees, fc.FilledAt)
		if err != nil {
			return err
		}

		trade, err := openOrExtendTrade(tx, s, fc)
		if err != nil {
			return err
		}
		if fc.Side == "SELL" {
			if err := closeOrPartial(tx, trade, fc, realized); err != nil {
				return err
			}
		}
		return nil
	})
}

// openOrExtendTrade finds the symbol's open/partial Trade and extends
// its entry side on a BUY fill, or creates a new Trade if none is
// open. Multi-wave DCA entries (e.g. the KSS pyramid) keep the first
// order that opened a flat position as the Trade's entry_order_id and
// average subsequent BUY fills into it, mirroring how Position itself
// averages entries.
func openOrExtendTrade(tx *gorm.DB, s *Store, fc FillContext) (*Trade, error) {
	var trade Trade
	err := tx.Where("symbol = ? AND status IN (?)", fc.Symbol, []TradeStatus{TradeStatusOpen, TradeStatusPartial}).
		Order("id desc").First(&trade).Error

	if fc.Side == "BUY" {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			id, idErr := s.ids.NextInTx(tx, "trades")
			if idErr != nil {
				return nil, idErr
			}
			now := fc.FilledAt
			trade = Trade{
				ID:           id,
				EntryOrderID: fc.OrderID,
				Symbol:       fc.Symbol,
				Side:         fc.Side,
				Status:       TradeStatusOpen,
				EntryQty:     money.Wrap(fc.FillQty),
				EntryPrice:   money.Wrap(fc.EffectivePrice),
				EntryTime:    now,
				CurrentQty:   money.Wrap(fc.FillQty),
				EntryFees:    money.Wrap(fc.Fees),
				StrategyCode: fc.StrategyCode,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Create(&trade).Error; err != nil {
				return nil, err
			}
			return &trade, nil
		}
		if err != nil {
			return nil, err
		}

		newEntryQty := trade.EntryQty.Decimal.Add(fc.FillQty)
		weighted := trade.EntryQty.Decimal.Mul(trade.EntryPrice.Decimal).Add(fc.FillQty.Mul(fc.EffectivePrice))
		trade.EntryQty = money.Wrap(newEntryQty)
		trade.EntryPrice = money.Wrap(weighted.Div(newEntryQty))
		trade.CurrentQty = money.Wrap(trade.CurrentQty.Decimal.Add(fc.FillQty))
		trade.EntryFees = money.Wrap(trade.EntryFees.Decimal.Add(fc.Fees))
		trade.UpdatedAt = fc.FilledAt
		if err := tx.Save(&trade).Error; err != nil {
			return nil, err
		}
		return &trade, nil
	}

	// SELL with no open trade is a rebuild inconsistency (the execution
	// engine already guarantees sufficient position before a SELL fill
	// lands).
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerrors.NewInternalError("ts.trades", "SELL fill with no open trade for "+fc.Symbol)
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// closeOrPartial applies a SELL fill to the Trade's exit side,
// transitioning CLOSED when current_qty reaches zero, and recomputes
// the TradePnL snapshot.
func closeOrPartial(tx *gorm.DB, trade *Trade, fc FillContext, realizedDelta money.Decimal) error {
	newExitQty := trade.ExitQty.Decimal.Add(fc.FillQty)
	var newExitPrice money.Decimal
	if newExitQty.IsZero() {
		newExitPrice = fc.EffectivePrice
	} else {
		weighted := trade.ExitQty.Decimal.Mul(trade.ExitPrice.Decimal).Add(fc.FillQty.Mul(fc.EffectivePrice))
		newExitPrice = weighted.Div(newExitQty)
	}
	trade.ExitQty = money.Wrap(newExitQty)
	trade.ExitPrice = money.Wrap(newExitPrice)
	trade.ExitFees = money.Wrap(trade.ExitFees.Decimal.Add(fc.Fees))
	trade.CurrentQty = money.Wrap(trade.CurrentQty.Decimal.Sub(fc.FillQty))
	trade.UpdatedAt = fc.FilledAt

	if trade.CurrentQty.Decimal.IsZero() {
		trade.Status = TradeStatusClosed
		oid := fc.OrderID
		trade.ExitOrderID = &oid
		exitTime := fc.FilledAt
		trade.ExitTime = &exitTime
	} else {
		trade.Status = TradeStatusPartial
	}

	if err := tx.Save(trade).Error; err != nil {
		return err
	}

	return upsertTradePnL(tx, trade)
}

// upsertTradePnL recomputes and persists TradePnL:
//
//	cost_basis = entry_qty * entry_price
//	gross_pnl  = (exit_price - entry_price) * exit_qty  [negated for SELL entry]
//	total_fees = entry fees + exit fees
//	net_pnl    = gross_pnl - total_fees
//	return_pct = net_pnl / cost_basis * 100
//	duration_s = exit_time - entry_time
func upsertTradePnL(tx *gorm.DB, trade *Trade) error {
	costBasis := trade.EntryQty.Decimal.Mul(trade.EntryPrice.Decimal)
	gross := trade.ExitPrice.Decimal.Sub(trade.EntryPrice.Decimal).Mul(trade.ExitQty.Decimal)
	if trade.Side == "SELL" {
		gross = gross.Neg()
	}
	totalFees := trade.EntryFees.Decimal.Add(trade.ExitFees.Decimal)
	net := gross.Sub(totalFees)

	var returnPct money.Decimal
	if !costBasis.IsZero() {
		returnPct = net.Div(costBasis).Mul(money.New(100, 0))
	}

	var duration int64
	if trade.ExitTime != nil {
		duration = int64(trade.ExitTime.Sub(trade.EntryTime).Seconds())
	}

	unrealized := money.Zero // TS does not mark to market; unrealized PnL is always stored as zero

	pnl := TradePnL{
		TradeID:         trade.ID,
		GrossPnL:        money.Wrap(gross),
		TotalFees:       money.Wrap(totalFees),
		NetPnL:          money.Wrap(net),
		ReturnPct:       money.Wrap(returnPct),
		RealizedPnL:     money.Wrap(net),
		UnrealizedPnL:   money.Wrap(unrealized),
		DurationSeconds: duration,
		UpdatedAt:       trade.UpdatedAt,
	}

	return tx.Save(&pnl).Error
}

func (s *Store) GetTrade(id int64) (*Trade, error) {
	var t Trade
	if err := s.db.First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrNotFound
		}
		return nil, coreerrors.NewStoreError("get_trade", err)
	}
	return &t, nil
}

// TradeFilters selects rows for ListTrades.
type TradeFilters struct {
	Symbol string
	Status TradeStatus
}

func (s *Store) ListTrades(f TradeFilters) ([]Trade, error) {
	q := s.db.Model(&Trade{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var rows []Trade
	if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_trades", err)
	}
	return rows, nil
}

func (s *Store) GetTradePnL(tradeID int64) (*TradePnL, error) {
	var p TradePnL
	if err := s.db.First(&p, tradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrNotFound
		}
		return nil, coreerrors.NewStoreError("get_trade_pnl", err)
	}
	return &p, nil
}
