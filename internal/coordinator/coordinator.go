// Package coordinator implements the single-owner fill fan-out: it
// consumes the SOT store's FillAppended events and, in order, projects
// them into the trade service, dispatches pyramid-sourced fills to the
// pyramid manager, and publishes a best-effort dashboard broadcast.
package coordinator

import (
	"context"

	"github.com/ksred/paperexec/internal/corekit/eventbus"
	"github.com/ksred/paperexec/internal/pyramid"
	"github.com/ksred/paperexec/internal/resilience"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"github.com/rs/zerolog/log"
)

// Broadcast is the best-effort dashboard feed. Subscribers that fall
// behind simply miss events (eventbus.Bus never blocks a publish).
type Broadcast struct {
	Order *sot.Order
	Fill  *sot.Fill
}

// Coordinator is the single owner of fill application: no two fills of
// the same session (or order) are ever applied concurrently, because
// every fill runs through this one consumer loop.
type Coordinator struct {
	sot     *sot.Store
	ts      *ts.Store
	pyramid *pyramid.Manager
	breaker *resilience.CircuitBreaker

	broadcastBus *eventbus.Bus[Broadcast]
}

func New(sotStore *sot.Store, tsStore *ts.Store, pyr *pyramid.Manager, breaker *resilience.CircuitBreaker) *Coordinator {
	return &Coordinator{
		sot:          sotStore,
		ts:           tsStore,
		pyramid:      pyr,
		breaker:      breaker,
		broadcastBus: eventbus.New[Broadcast](),
	}
}

// SubscribeBroadcast exposes the dashboard feed.
func (c *Coordinator) SubscribeBroadcast(capacity int) <-chan Broadcast {
	return c.broadcastBus.Subscribe(capacity)
}

// Run consumes FillAppended events sequentially until ctx is cancelled.
// Repeated fatal errors on consecutive fills trip the circuit breaker:
// once open, the coordinator stops applying fills and logs an operator
// alert, but keeps draining (and dropping) the channel so the
// execution engine is never blocked producing fills.
func (c *Coordinator) Run(ctx context.Context) {
	logger := log.With().Str("component", "coordinator").Logger()
	logger.Info().Msg("starting coordinator")

	fills := c.sot.SubscribeFills(64)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down coordinator")
			return
		case ev := <-fills:
			c.handleFill(ctx, logger, ev)
		}
	}
}

