package execution

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ksred/paperexec/internal/sot"
)

// Dispatcher is the background latency task: it pops due PENDING
// orders in submitted-order order (stable FIFO) and executes them
// inline, re-checking status first so a cancellation observed before
// the due time is honored.
type Dispatcher struct {
	engine       *Engine
	pollInterval time.Duration
}

func NewDispatcher(engine *Engine, pollInterval time.Duration) *Dispatcher {
	return &Dispatcher{engine: engine, pollInterval: pollInterval}
}

func (d *Dispatcher) Start(ctx context.Context) {
	logger := log.With().Str("component", "latency_dispatcher").Logger()
	logger.Info().Msg("starting latency dispatcher")

	ticker := d.engine.clock.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping latency dispatcher")
			return
		case <-ticker.C():
			if err := d.dispatchDue(ctx); err != nil {
				logger.Error().Err(err).Msg("latency dispatch tick failed")
			}
		}
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) error {
	orders, err := d.engine.sot.ListOrdersByStatus(sot.OrderStatusPending)
	if err != nil {
		return err
	}

	now := d.engine.clock.Now()
	due := make([]sot.Order, 0, len(orders))
	for _, o := range orders {
		if o.ScheduledAt != nil && !o.ScheduledAt.After(now) {
			due = append(due, o)
		}
	}
	sortBySubmittedAt(due)

	for _, order := range due {
		order := order
		// Re-check status: another caller may have cancelled it since
		// the list query.
		fresh, err := d.engine.sot.GetOrder(order.ID)
		if err != nil {
			return err
		}
		if fresh.Status != sot.OrderStatusPending {
			continue
		}

		if fresh.OrderType == sot.OrderTypeStopLoss {
			// Armed but not yet triggered: leave it for the scanner.
			continue
		}

		price, err := d.engine.currentPrice(ctx, fresh.Symbol)
		if err != nil {
			continue // retry next tick
		}
		if _, _, err := d.engine.Fill(fresh.ID, price); err != nil {
			return err
		}
	}
	return nil
}

// sortBySubmittedAt gives the dispatcher a stable FIFO order over the
// due set.
func sortBySubmittedAt(orders []sot.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return submittedOrZero(orders[i]).Before(submittedOrZero(orders[j]))
	})
}

func submittedOrZero(o sot.Order) time.Time {
	if o.SubmittedAt == nil {
		return time.Time{}
	}
	return *o.SubmittedAt
}
