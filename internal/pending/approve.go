package pending

import (
	"errors"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/sot"
	"gorm.io/gorm"
)

// Approve performs the CAS PENDING -> APPROVED transition and hands
// the order off to the execution engine in the same transaction: an
// execution failure rolls the approval back and leaves the row PENDING
// again with attempt_count incremented and a note recording why.
func (s *Service) Approve(id int64, reviewer, note string) (*sot.Order, error) {
	var approvedPO *sot.PendingOrder
	var createdOrder *sot.Order
	var inlineFill *sot.Fill

	txErr := s.sot.WithTx(func(tx *gorm.DB) error {
		po, err := s.sot.ApprovePendingInTx(tx, id, reviewer, note)
		if err != nil {
			return err
		}
		order, fill, err := s.executor.ExecutePending(tx, po)
		if err != nil {
			return err
		}
		if err := s.sot.MarkExecuted(tx, id, order.ID); err != nil {
			return err
		}
		approvedPO = po
		createdOrder = order
		inlineFill = fill
		return nil
	})

	if txErr != nil {
		var stale *coreerrors.StaleStateError
		if errors.As(txErr, &stale) || errors.Is(txErr, coreerrors.ErrNotFound) {
			return nil, txErr
		}
		// The CAS itself succeeded in-transaction but execution failed,
		// so the whole transaction (CAS included) rolled back; the row
		// is still PENDING in the database. Revert records the attempt
		// and error note for the next approver to see.
		if revertErr := s.sot.RevertToPending(id, txErr.Error()); revertErr != nil {
			return nil, revertErr
		}
		return nil, coreerrors.Wrap(txErr, "approve: execution failed, reverted to pending")
	}

	s.sot.NotifyPendingResolved(approvedPO, true, note)
	if inlineFill != nil {
		s.sot.NotifyFillAppended(createdOrder, inlineFill)
	}
	return createdOrder, nil
}

// Reject performs the CAS PENDING -> REJECTED transition. On a
// PYRAMID-sourced order this also lets subscribers of
// sot.PendingResolved (the pyramid manager's rejection hook) react;
// the queue itself has no PYRAMID-specific knowledge beyond the
// source tag.
func (s *Service) Reject(id int64, reviewer, reason string) (*sot.PendingOrder, error) {
	po, err := s.sot.MarkPendingCAS(id, sot.PendingStatusRejected, reviewer, reason)
	if err != nil {
		return nil, err
	}
	return po, nil
}
