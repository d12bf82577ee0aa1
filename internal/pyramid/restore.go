package pyramid

import (
	"github.com/rs/zerolog/log"
)

// Restore reloads every ACTIVE session on process start without
// re-emitting duplicate wave orders. Sessions and waves already
// persisted need no replay: queue idempotency means any wave still
// QUEUED already has its PendingOrder row, and NextWaveDueAt/LastFillAt
// are already on the Session row, so Restore only needs to log what it
// found for operator visibility. The fill hook and timer pick the
// session right back up on the next event.
func (m *Manager) Restore() error {
	rows, err := m.store.ListSessions(StatusActive, "")
	if err != nil {
		return err
	}
	for _, sess := range rows {
		log.Info().
			Int64("session_id", sess.ID).
			Str("symbol", sess.Symbol).
			Int("current_wave", sess.CurrentWave).
			Msg("pyramid: restored active session")
	}
	return nil
}
