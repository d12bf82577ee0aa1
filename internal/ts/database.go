package ts

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/paperexec/internal/idgen"
)

// Store owns the derived tables the trade service is authoritative
// for. Uses a separate connection pool and database file from SOT, so
// TS can fail or be rebuilt independently.
type Store struct {
	db  *gorm.DB
	ids *idgen.Generator
}

func Open(path string, maxOpen, maxIdle int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ts: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ts: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := db.AutoMigrate(&Position{}, &Trade{}, &TradePnL{}, &SyncState{}); err != nil {
		return nil, fmt.Errorf("ts: automigrate: %w", err)
	}

	ids, err := idgen.NewGenerator(db)
	if err != nil {
		return nil, fmt.Errorf("ts: idgen: %w", err)
	}

	return &Store{db: db, ids: ids}, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Wipe truncates every derived table; used before RebuildFromSOT
// replays the SOT fact stream from scratch.
func (s *Store) Wipe() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range []string{
			"DELETE FROM positions",
			"DELETE FROM trades",
			"DELETE FROM trade_pnl",
			"DELETE FROM ts_sync_state",
		} {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
