package pyramid

import (
	"fmt"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"gorm.io/gorm"
)

func (s *Store) createSessionTx(tx *gorm.DB, sess *Session) error {
	id, err := s.ids.NextInTx(tx, "pyramid_sessions")
	if err != nil {
		return err
	}
	sess.ID = id
	return tx.Create(sess).Error
}

func (s *Store) createWaveTx(tx *gorm.DB, w *Wave) error {
	id, err := s.ids.NextInTx(tx, "pyramid_waves")
	if err != nil {
		return err
	}
	w.ID = id
	return tx.Create(w).Error
}

func (s *Store) GetSession(id int64) (*Session, error) {
	var sess Session
	if err := s.db.First(&sess, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: pyramid session %d", coreerrors.ErrNotFound, id)
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) saveSessionTx(tx *gorm.DB, sess *Session) error {
	return tx.Save(sess).Error
}

// ListSessions filters by optional status and symbol.
func (s *Store) ListSessions(status Status, symbol string) ([]Session, error) {
	q := s.db.Model(&Session{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var rows []Session
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListWaves(sessionID int64) ([]Wave, error) {
	var rows []Wave
	if err := s.db.Where("session_id = ?", sessionID).Order("wave_num").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) getWaveTx(tx *gorm.DB, sessionID int64, waveNum int) (*Wave, error) {
	var w Wave
	err := tx.Where("session_id = ? AND wave_num = ?", sessionID, waveNum).First(&w).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: session %d wave %d", coreerrors.ErrNotFound, sessionID, waveNum)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) saveWaveTx(tx *gorm.DB, w *Wave) error {
	return tx.Save(w).Error
}

// queuedWaveTx returns the session's single outstanding QUEUED wave,
// if any.
func (s *Store) queuedWaveTx(tx *gorm.DB, sessionID int64) (*Wave, error) {
	var w Wave
	err := tx.Where("session_id = ? AND status = ?", sessionID, WaveStatusQueued).First(&w).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) WithTx(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}
