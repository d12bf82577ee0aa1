package pyramid

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/paperexec/internal/sot"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Run is the pyramid manager's background task: it subscribes to the
// SOT store's PendingResolved feed for the rejection hook and ticks on
// a timer to check session timeouts and perform any wave enqueue
// deferred past gap_min.
func (m *Manager) Run(ctx context.Context) {
	logger := log.With().Str("component", "pyramid_manager").Logger()
	logger.Info().Msg("starting pyramid manager")

	resolved := m.sotSt.SubscribePendingResolved(32)
	ticker := m.clock.NewTicker(m.timer)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down pyramid manager")
			return
		case ev := <-resolved:
			m.handlePendingResolved(ev)
		case <-ticker.C():
			m.tick()
		}
	}
}

// handlePendingResolved is the rejection hook: a rejected
// PYRAMID-sourced order stops its session.
func (m *Manager) handlePendingResolved(ev sot.PendingResolved) {
	if ev.Approved || ev.PendingOrder.Source != sot.SourcePyramid {
		return
	}
	ref, ok := parseSourceRef(ev.PendingOrder.SourceRef)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ref.sessionID)
	if err != nil {
		log.Warn().Err(err).Int64("session_id", ref.sessionID).Msg("pyramid: rejection for unknown session")
		return
	}
	if sess.Status != StatusActive {
		return
	}
	if _, err := m.stopLocked(sess.ID, fmt.Sprintf("rejected_by_user:%s", ev.Reason)); err != nil {
		log.Error().Err(err).Int64("session_id", sess.ID).Msg("pyramid: failed to stop session on rejection")
	}
}

// tick runs every Manager.timer interval (default 10s): timeout
// detection and deferred wave enqueues.
func (m *Manager) tick() {
	rows, err := m.store.ListSessions(StatusActive, "")
	if err != nil {
		log.Error().Err(err).Msg("pyramid: tick: list active sessions")
		return
	}

	for i := range rows {
		sess := &rows[i]
		m.mu.Lock()
		m.tickSessionLocked(sess)
		m.mu.Unlock()
	}
}

func (m *Manager) tickSessionLocked(sess *Session) {
	// Re-read under lock: another goroutine (HandleFill) may have
	// mutated this session between the unlocked list and the lock.
	fresh, err := m.store.GetSession(sess.ID)
	if err != nil || fresh.Status != StatusActive {
		return
	}
	*sess = *fresh

	if m.checkTimeoutLocked(sess) {
		return
	}
	if err := m.maybeQueueNextWave(sess); err != nil {
		log.Error().Err(err).Int64("session_id", sess.ID).Msg("pyramid: deferred wave enqueue failed")
	}
}

// checkTimeoutLocked reports true when time since the last fill
// exceeds timeout_min, moving the session to TIMEOUT and cancelling
// any wave still queued.
func (m *Manager) checkTimeoutLocked(sess *Session) bool {
	if sess.LastFillAt == nil {
		return false
	}
	elapsed := m.clock.Now().Sub(*sess.LastFillAt)
	if elapsed <= time.Duration(sess.TimeoutMin*float64(time.Minute)) {
		return false
	}

	sess.Status = StatusTimeout
	sess.StopReason = "timeout"
	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	}); err != nil {
		log.Error().Err(err).Int64("session_id", sess.ID).Msg("pyramid: failed to persist timeout")
		return true
	}
	if err := m.cancelQueuedWave(sess); err != nil {
		log.Warn().Err(err).Int64("session_id", sess.ID).Msg("pyramid: failed to cancel queued wave on timeout")
	}
	return true
}
