package sot

import (
	"errors"
	"fmt"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"gorm.io/gorm"
)

// QueueIntent is the input to QueuePending.
type QueueIntent struct {
	Symbol       string
	Side         Side
	OrderType    OrderType
	Quantity     money.Decimal
	Pips         *money.Decimal
	Price        money.Decimal
	StopPrice    *money.Decimal
	Source       Source
	SourceRef    string
	StrategyName string
	Confidence   *float64
	RiskNote     string
}

// QueuePending persists a new PendingOrder, idempotent on
// (source, source_ref) when SourceRef is non-empty: a duplicate call
// returns the existing row rather than erroring.
func (s *Store) QueuePending(intent QueueIntent) (*PendingOrder, bool, error) {
	if intent.SourceRef != "" {
		var existing PendingOrder
		err := s.db.Where("source = ? AND source_ref = ?", intent.Source, intent.SourceRef).
			First(&existing).Error
		if err == nil {
			return &existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, coreerrors.NewStoreError("queue_pending:lookup", err)
		}
	}

	id, err := s.ids.Next("pending_orders")
	if err != nil {
		return nil, false, coreerrors.NewStoreError("queue_pending:id", err)
	}

	now := time.Now().UTC()
	po := &PendingOrder{
		ID:           id,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		OrderType:    intent.OrderType,
		Quantity:     money.Wrap(intent.Quantity),
		Price:        money.Wrap(intent.Price),
		Source:       intent.Source,
		SourceRef:    intent.SourceRef,
		StrategyName: intent.StrategyName,
		Confidence:   intent.Confidence,
		Status:       PendingStatusPending,
		RiskNote:     intent.RiskNote,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if intent.Pips != nil {
		wrapped := money.Wrap(*intent.Pips)
		po.Pips = &wrapped
	}
	if intent.StopPrice != nil {
		wrapped := money.Wrap(*intent.StopPrice)
		po.StopPrice = &wrapped
	}

	if err := s.db.Create(po).Error; err != nil {
		// A racing duplicate insert on the partial unique index loses
		// the race gracefully by returning the winner's row.
		if intent.SourceRef != "" {
			var existing PendingOrder
			if lookupErr := s.db.Where("source = ? AND source_ref = ?", intent.Source, intent.SourceRef).
				First(&existing).Error; lookupErr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, coreerrors.NewStoreError("queue_pending:create", err)
	}

	s.publishPendingQueued(po)
	return po, true, nil
}

// GetPending fetches a PendingOrder by ID.
func (s *Store) GetPending(id int64) (*PendingOrder, error) {
	var po PendingOrder
	if err := s.db.First(&po, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrNotFound
		}
		return nil, coreerrors.NewStoreError("get_pending", err)
	}
	return &po, nil
}

// PendingFilters selects rows for List.
type PendingFilters struct {
	StatusFilter PendingStatus
	Symbol       string
	Source       Source
	Since        *time.Time
	Until        *time.Time
}

// ListPending returns PendingOrders matching the given filters, most
// recent first.
func (s *Store) ListPending(f PendingFilters) ([]PendingOrder, error) {
	q := s.db.Model(&PendingOrder{})
	if f.StatusFilter != "" {
		q = q.Where("status = ?", f.StatusFilter)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("created_at <= ?", *f.Until)
	}
	var rows []PendingOrder
	if err := q.Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_pending", err)
	}
	return rows, nil
}

// MarkPendingCAS transitions a PendingOrder from PENDING to
// newStatus, failing with StaleStateError if the row is no longer
// PENDING: concurrent reviewers race and exactly one wins.
func (s *Store) MarkPendingCAS(id int64, newStatus PendingStatus, reviewer, note string) (*PendingOrder, error) {
	if newStatus != PendingStatusApproved && newStatus != PendingStatusRejected {
		return nil, coreerrors.NewInternalError("sot.pending", fmt.Sprintf("illegal target status %s", newStatus))
	}

	var result *PendingOrder
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var po PendingOrder
		if err := tx.First(&po, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return coreerrors.ErrNotFound
			}
			return err
		}
		if po.Status != PendingStatusPending {
			return coreerrors.NewStaleStateError("pending_order", id, string(PendingStatusPending), string(po.Status))
		}

		res := tx.Model(&PendingOrder{}).
			Where("id = ? AND status = ?", id, PendingStatusPending).
			Updates(map[string]interface{}{
				"status":      newStatus,
				"reviewed_by": reviewer,
				"note":        note,
				"reviewed_at": time.Now().UTC(),
				"updated_at":  time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return coreerrors.NewStaleStateError("pending_order", id, string(PendingStatusPending), "concurrently modified")
		}

		po.Status = newStatus
		po.ReviewedBy = reviewer
		po.Note = note
		result = &po
		return nil
	})
	if err != nil {
		var stale *coreerrors.StaleStateError
		if errors.As(err, &stale) || errors.Is(err, coreerrors.ErrNotFound) {
			return nil, err
		}
		return nil, coreerrors.NewStoreError("mark_pending_cas", err)
	}
	s.publishPendingResolved(result, newStatus == PendingStatusApproved, note)
	return result, nil
}

// ApprovePendingInTx performs the PENDING -> APPROVED half of approve()
// inside the caller's transaction, so that a subsequent execution
// failure rolls the approval back with the rest of the transaction.
// The caller is responsible for calling MarkExecuted (success) or
// letting the transaction fail and then RevertToPending (failure)
// afterward.
func (s *Store) ApprovePendingInTx(tx *gorm.DB, id int64, reviewer, note string) (*PendingOrder, error) {
	var po PendingOrder
	if err := tx.First(&po, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrNotFound
		}
		return nil, coreerrors.NewStoreError("approve_pending_in_tx:lookup", err)
	}
	if po.Status != PendingStatusPending {
		return nil, coreerrors.NewStaleStateError("pending_order", id, string(PendingStatusPending), string(po.Status))
	}

	res := tx.Model(&PendingOrder{}).
		Where("id = ? AND status = ?", id, PendingStatusPending).
		Updates(map[string]interface{}{
			"status":      PendingStatusApproved,
			"reviewed_by": reviewer,
			"note":        note,
			"reviewed_at": time.Now().UTC(),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, coreerrors.NewStoreError("approve_pending_in_tx:update", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, coreerrors.NewStaleStateError("pending_order", id, string(PendingStatusPending), "concurrently modified")
	}

	po.Status = PendingStatusApproved
	po.ReviewedBy = reviewer
	po.Note = note
	return &po, nil
}

// NotifyPendingResolved publishes PendingResolved once the caller's own
// transaction (e.g. internal/pending's approve-and-handoff) has
// committed; it exists because ApprovePendingInTx itself must not
// publish before the outer transaction is durable.
func (s *Store) NotifyPendingResolved(po *PendingOrder, approved bool, reason string) {
	s.publishPendingResolved(po, approved, reason)
}

// MarkExecuted transitions a PendingOrder from APPROVED to EXECUTED
// and records the resulting Order's ID, inside the caller's
// transaction (it is only ever called from within Approve's
// transaction in internal/pending).
func (s *Store) MarkExecuted(tx *gorm.DB, id int64, orderID int64) error {
	res := tx.Model(&PendingOrder{}).
		Where("id = ? AND status = ?", id, PendingStatusApproved).
		Updates(map[string]interface{}{
			"status":            PendingStatusExecuted,
			"executed_order_id": orderID,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return coreerrors.NewStaleStateError("pending_order", id, string(PendingStatusApproved), "concurrently modified")
	}
	return nil
}

// RevertToPending records a failed execution attempt on a PendingOrder
// whose approve transaction has already rolled back: the row is PENDING
// again (the CAS rolled back with the rest of the transaction), so this
// only attaches the error note and increments attempt_count.
func (s *Store) RevertToPending(id int64, errNote string) error {
	res := s.db.Model(&PendingOrder{}).
		Where("id = ? AND status = ?", id, PendingStatusPending).
		Updates(map[string]interface{}{
			"note":          errNote,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return coreerrors.NewStoreError("revert_to_pending", res.Error)
	}
	return nil
}

// WithTx runs fn inside a new transaction on the SOT database, used by
// internal/pending to keep approve-then-execute atomic.
func (s *Store) WithTx(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}
