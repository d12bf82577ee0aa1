package execution

import (
	"context"
	"fmt"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/rs/zerolog/log"
	"github.com/ksred/paperexec/internal/sot"
)

// Scanner is the periodic stop-loss task: one background loop, firing
// on a timer (default 1s), checking every armed stop against the
// current price.
type Scanner struct {
	engine *Engine
}

func NewScanner(engine *Engine) *Scanner {
	return &Scanner{engine: engine}
}

// Start runs the scan loop until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	logger := log.With().Str("component", "stop_loss_scanner").Logger()
	logger.Info().Msg("starting stop-loss scanner")

	ticker := s.engine.clock.NewTicker(s.engine.cfg.StopScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping stop-loss scanner")
			return
		case <-ticker.C():
			if err := s.scanOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("stop-loss scan tick failed")
			}
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) error {
	orders, err := s.engine.sot.ListOrdersByTypeAndStatus(sot.OrderTypeStopLoss, sot.OrderStatusNew)
	if err != nil {
		return err
	}

	for _, order := range orders {
		order := order
		price, err := s.engine.currentPrice(ctx, order.Symbol)
		if err != nil {
			if coreerrors.Is(err, coreerrors.ErrPriceSourceUnavailable) {
				s.engine.sot.AppendEvent(order.ID, sot.EventScanSkipped, err.Error())
				continue
			}
			return err
		}

		if !stopTriggered(&order, price) {
			continue
		}

		triggered, err := s.engine.sot.TransitionStatus(order.ID, sot.OrderStatusTriggered, nil)
		if err != nil {
			return err
		}
		if _, err := s.engine.sot.AppendEvent(triggered.ID, sot.EventTriggered,
			fmt.Sprintf("triggered at %s", price.String())); err != nil {
			return err
		}

		if _, _, err := s.engine.Fill(triggered.ID, price); err != nil {
			return err
		}
	}
	return nil
}
