package pyramid

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// parsedRef is a parsed pyramid source_ref, either "pyramid:{id}:wave:{n}"
// or "pyramid:{id}:tp".
type parsedRef struct {
	sessionID int64
	isTP      bool
	waveNum   int
}

func parseSourceRef(ref string) (parsedRef, bool) {
	parts := strings.Split(ref, ":")
	if len(parts) < 3 || parts[0] != "pyramid" {
		return parsedRef{}, false
	}
	sessionID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return parsedRef{}, false
	}
	if parts[2] == "tp" {
		return parsedRef{sessionID: sessionID, isTP: true}, true
	}
	if len(parts) == 4 && parts[2] == "wave" {
		n, err := strconv.Atoi(parts[3])
		if err != nil {
			return parsedRef{}, false
		}
		return parsedRef{sessionID: sessionID, waveNum: n}, true
	}
	return parsedRef{}, false
}

// HandleFill is the coordinator's dispatch hook, called synchronously
// for every fill whose order's source_ref starts with "pyramid:". It
// drives the session's fill-by-fill progression.
func (m *Manager) HandleFill(order *sot.Order, fill *sot.Fill) error {
	ref, ok := parseSourceRef(order.SourceRef)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ref.sessionID)
	if err != nil {
		return err
	}

	if ref.isTP {
		return m.handleTPFillLocked(sess, fill)
	}
	return m.handleWaveFillLocked(sess, ref.waveNum, fill)
}

// handleWaveFillLocked processes a wave leg's fill: accumulate totals,
// mark the wave filled, enqueue the next wave if due, then check TP.
func (m *Manager) handleWaveFillLocked(sess *Session, waveNum int, fill *sot.Fill) error {
	var wave *Wave
	if err := m.store.WithTx(func(tx *gorm.DB) error {
		w, err := m.store.getWaveTx(tx, sess.ID, waveNum)
		if err != nil {
			return err
		}
		filledQty := fill.FillQty.Decimal
		if w.FilledQty != nil {
			filledQty = filledQty.Add(w.FilledQty.Decimal)
		}
		w.FilledQty = wrapPtr(filledQty)
		w.FilledPrice = wrapPtr(fill.EffectivePrice.Decimal)
		filledAt := fill.FilledAt
		w.FilledAt = &filledAt
		if filledQty.GreaterThanOrEqual(w.TargetQty.Decimal) {
			w.Status = WaveStatusFilled
		}
		wave = w
		return m.store.saveWaveTx(tx, wave)
	}); err != nil {
		return err
	}

	sess.TotalFilledQty = money.Wrap(sess.TotalFilledQty.Decimal.Add(fill.FillQty.Decimal))
	sess.TotalCost = money.Wrap(sess.TotalCost.Decimal.Add(fill.FillQty.Decimal.Mul(fill.EffectivePrice.Decimal)).Add(fill.Fees.Decimal))
	if !sess.TotalFilledQty.Decimal.IsZero() {
		sess.AvgPrice = money.Wrap(sess.TotalCost.Decimal.Div(sess.TotalFilledQty.Decimal))
	}
	filledAt := fill.FilledAt
	sess.LastFillAt = &filledAt
	if wave.Status == WaveStatusFilled && waveNum >= sess.CurrentWave {
		sess.CurrentWave = waveNum + 1
	}

	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	}); err != nil {
		return err
	}

	if wave.Status != WaveStatusFilled {
		// Partial fill of this wave: not enough qty to progress yet.
		return nil
	}

	if err := m.maybeQueueNextWave(sess); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	price, err := m.prices.CurrentPrice(ctx, sess.Symbol)
	if err != nil {
		log.Debug().Err(err).Int64("session_id", sess.ID).Msg("pyramid: no price for post-fill tp check")
		return nil
	}
	_, err = m.checkTPLocked(ctx, sess.ID, price.Price)
	return err
}

// maybeQueueNextWave enqueues the next wave once the gap has elapsed:
// whichever of the fill hook or the timer observes
// now() >= next_wave_due_at first performs the enqueue, and queuing is
// idempotent on (source, source_ref) so a racing double-enqueue is
// harmless.
func (m *Manager) maybeQueueNextWave(sess *Session) error {
	if sess.CurrentWave >= sess.MaxWaves {
		return nil
	}
	if sess.NextWaveDueAt != nil && m.clock.Now().Before(*sess.NextWaveDueAt) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.queueWave(ctx, sess, sess.CurrentWave)
}

// handleTPFillLocked completes the session once the closing SELL fills.
func (m *Manager) handleTPFillLocked(sess *Session, fill *sot.Fill) error {
	sess.Status = StatusCompleted
	return m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	})
}

func wrapPtr(d money.Decimal) *money.StorableDecimal {
	w := money.Wrap(d)
	return &w
}
