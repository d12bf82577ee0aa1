package execution

import (
	"github.com/ksred/paperexec/internal/sot"
)

// PendingProgress is the dashboard's per-row view of a
// latency-scheduled order: purely derived from the clock, never
// mutates state.
type PendingProgress struct {
	OrderID       int64
	Symbol        string
	ElapsedMs     int64
	RemainingMs   int64
	ProgressPct   float64
}

// GetPendingOrders returns progress for every order currently
// awaiting latency-scheduled dispatch.
func (e *Engine) GetPendingOrders() ([]PendingProgress, error) {
	orders, err := e.sot.ListOrdersByStatus(sot.OrderStatusPending)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	out := make([]PendingProgress, 0, len(orders))
	for _, o := range orders {
		if o.SubmittedAt == nil || o.ScheduledAt == nil {
			continue
		}
		total := o.ScheduledAt.Sub(*o.SubmittedAt)
		elapsed := now.Sub(*o.SubmittedAt)
		var pct float64
		if total > 0 {
			pct = float64(elapsed) / float64(total) * 100
			pct = clampPct(pct)
		}
		remaining := o.ScheduledAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, PendingProgress{
			OrderID:     o.ID,
			Symbol:      o.Symbol,
			ElapsedMs:   elapsed.Milliseconds(),
			RemainingMs: remaining.Milliseconds(),
			ProgressPct: pct,
		})
	}
	return out, nil
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
