package ts

import (
	"errors"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"gorm.io/gorm"
)

// GetPosition fetches a Position by symbol, returning a flat (zero)
// position if none exists yet.
func (s *Store) GetPosition(symbol string) (*Position, error) {
	var p Position
	err := s.db.Where("symbol = ?", symbol).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Position{Symbol: symbol, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, coreerrors.NewStoreError("get_position", err)
	}
	return &p, nil
}

func (s *Store) ListPositions() ([]Position, error) {
	var rows []Position
	if err := s.db.Order("symbol asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_positions", err)
	}
	return rows, nil
}

// applyPositionFill updates a symbol's Position inside tx: a BUY
// averages into the entry price, a SELL realizes against it. Returns
// the realized PnL contribution of this fill (zero for BUY).
func applyPositionFill(tx *gorm.DB, symbol string, side string, fillQty, effectivePrice, fees money.Decimal, at time.Time) (money.Decimal, error) {
	var p Position
	err := tx.Where("symbol = ?", symbol).First(&p).Error
	isNew := false
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p = Position{Symbol: symbol, Quantity: money.Wrap(money.Zero), AvgEntryPrice: money.Wrap(money.Zero), TotalCost: money.Wrap(money.Zero), RealizedPnL: money.Wrap(money.Zero)}
		isNew = true
	} else if err != nil {
		return money.Zero, err
	}

	realized := money.Zero

	switch side {
	case "BUY":
		newQty := p.Quantity.Decimal.Add(fillQty)
		var newAvg money.Decimal
		if newQty.IsZero() {
			newAvg = money.Zero
		} else {
			weighted := p.Quantity.Decimal.Mul(p.AvgEntryPrice.Decimal).Add(fillQty.Mul(effectivePrice))
			newAvg = weighted.Div(newQty)
		}
		p.Quantity = money.Wrap(newQty)
		p.AvgEntryPrice = money.Wrap(newAvg)
		p.TotalCost = money.Wrap(p.TotalCost.Decimal.Add(fillQty.Mul(effectivePrice)).Add(fees))
	case "SELL":
		if p.Quantity.Decimal.LessThan(fillQty) {
			return money.Zero, coreerrors.NewInsufficientPositionError(symbol, p.Quantity.Decimal.String(), fillQty.String())
		}
		realized = effectivePrice.Sub(p.AvgEntryPrice.Decimal).Mul(fillQty).Sub(fees)
		p.RealizedPnL = money.Wrap(p.RealizedPnL.Decimal.Add(realized))
		p.Quantity = money.Wrap(p.Quantity.Decimal.Sub(fillQty))
		if p.Quantity.Decimal.IsZero() {
			p.AvgEntryPrice = money.Wrap(money.Zero)
		}
	}
	p.UpdatedAt = at

	if isNew {
		if err := tx.Create(&p).Error; err != nil {
			return money.Zero, err
		}
	} else {
		if err := tx.Save(&p).Error; err != nil {
			return money.Zero, err
		}
	}
	return realized, nil
}

// GetTotalPnL sums realized_pnl across every Position.
func (s *Store) GetTotalPnL() (money.Decimal, error) {
	positions, err := s.ListPositions()
	if err != nil {
		return money.Zero, err
	}
	total := money.Zero
	for _, p := range positions {
		total = total.Add(p.RealizedPnL.Decimal)
	}
	return total, nil
}

// RealizedPnLToday sums realized_pnl events recorded since the start
// of the current UTC day, for the daily-loss check. TS derives this
// from trade_pnl snapshots updated today rather than re-deriving from
// SOT, since TS already owns the authoritative realized figures.
func (s *Store) RealizedPnLToday(now time.Time) (money.Decimal, error) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var rows []TradePnL
	if err := s.db.Where("updated_at >= ?", startOfDay).Find(&rows).Error; err != nil {
		return money.Zero, coreerrors.NewStoreError("realized_pnl_today", err)
	}
	total := money.Zero
	for _, r := range rows {
		total = total.Add(r.RealizedPnL.Decimal)
	}
	return total, nil
}
