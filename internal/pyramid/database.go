package pyramid

import (
	"fmt"

	"github.com/ksred/paperexec/internal/idgen"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the pyramid_sessions and pyramid_waves tables, mirroring
// internal/sot's and internal/ts's Open/AutoMigrate shape.
type Store struct {
	db  *gorm.DB
	ids *idgen.Generator
}

func Open(path string, maxOpen, maxIdle int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("pyramid: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pyramid: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := db.AutoMigrate(&Session{}, &Wave{}); err != nil {
		return nil, fmt.Errorf("pyramid: automigrate: %w", err)
	}

	ids, err := idgen.NewGenerator(db)
	if err != nil {
		return nil, fmt.Errorf("pyramid: idgen: %w", err)
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
