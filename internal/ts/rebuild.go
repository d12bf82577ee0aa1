package ts

import (
	"fmt"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/sot"
)

// RebuildFromSOT reconstructs every derived table by replaying SOT's
// fill stream in append order, starting after sinceFillID (0 means
// "from scratch", which first wipes TS). The rebuild reproduces the
// live state exactly, because TS carries no information that isn't
// derivable from SOT's orders + fills + events.
func (s *Store) RebuildFromSOT(sotStore *sot.Store, sinceFillID int64) error {
	if sinceFillID == 0 {
		if err := s.Wipe(); err != nil {
			return coreerrors.Wrap(err, "rebuild: wipe")
		}
	}

	fills, err := sotStore.ListFillsSince(sinceFillID)
	if err != nil {
		return coreerrors.Wrap(err, "rebuild: list fills")
	}

	orderCache := make(map[int64]*sot.Order)
	var lastFillID int64

	for _, f := range fills {
		order, ok := orderCache[f.OrderID]
		if !ok {
			order, err = sotStore.GetOrder(f.OrderID)
			if err != nil {
				return fmt.Errorf("rebuild: load order %d for fill %d: %w", f.OrderID, f.ID, err)
			}
			orderCache[f.OrderID] = order
		}

		fc := FillContext{
			OrderID:        order.ID,
			Symbol:         order.Symbol,
			Side:           string(order.Side),
			FillQty:        f.FillQty.Decimal,
			EffectivePrice: f.EffectivePrice.Decimal,
			Fees:           f.Fees.Decimal,
			FilledAt:       f.FilledAt,
			StrategyCode:   order.SourceRef,
		}
		if err := s.ApplyFill(fc); err != nil {
			return fmt.Errorf("rebuild: apply fill %d: %w", f.ID, err)
		}
		lastFillID = f.ID
	}

	if lastFillID > 0 {
		return s.db.Save(&SyncState{Key: syncStateKey, LastFillID: lastFillID}).Error
	}
	return nil
}

// SyncCursor returns the last fill ID TS has applied, for incremental
// rebuilds and for the coordinator's crash-recovery startup path.
func (s *Store) SyncCursor() (int64, error) {
	var st SyncState
	err := s.db.Where("key = ?", syncStateKey).First(&st).Error
	if err != nil {
		return 0, nil
	}
	return st.LastFillID, nil
}

// AdvanceSyncCursor records fillID as the latest fill TS has applied.
func (s *Store) AdvanceSyncCursor(fillID int64) error {
	return s.db.Save(&SyncState{Key: syncStateKey, LastFillID: fillID}).Error
}
