package sot

import (
	"fmt"

	"github.com/ksred/paperexec/internal/corekit/eventbus"
	"github.com/ksred/paperexec/internal/idgen"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the SOT tables and their ID generator, with its own
// connection pool and database file.
type Store struct {
	db  *gorm.DB
	ids *idgen.Generator

	fillBus            *eventbus.Bus[FillAppended]
	pendingQueuedBus   *eventbus.Bus[PendingQueued]
	pendingResolvedBus *eventbus.Bus[PendingResolved]
}

// Open opens (or creates) the SOT SQLite database at path and runs
// AutoMigrate over the fact tables.
func Open(path string, maxOpen, maxIdle int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sot: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sot: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := db.AutoMigrate(
		&PendingOrder{},
		&Order{},
		&OrderEvent{},
		&Fill{},
		&OrderCost{},
		&OrderPnL{},
	); err != nil {
		return nil, fmt.Errorf("sot: automigrate: %w", err)
	}

	if err := ensureIndexes(db); err != nil {
		return nil, fmt.Errorf("sot: indexes: %w", err)
	}

	ids, err := idgen.NewGenerator(db)
	if err != nil {
		return nil, fmt.Errorf("sot: idgen: %w", err)
	}

	return &Store{
		db:                 db,
		ids:                ids,
		fillBus:            eventbus.New[FillAppended](),
		pendingQueuedBus:   eventbus.New[PendingQueued](),
		pendingResolvedBus: eventbus.New[PendingResolved](),
	}, nil
}

// ensureIndexes creates the indexes gorm tags can't express: a partial
// unique index on pending_orders(source, source_ref) where source_ref
// is non-empty, so idempotent queuing is enforced at the store
// boundary even under concurrent callers.
func ensureIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_source_ref
			ON pending_orders(source, source_ref)
			WHERE source_ref IS NOT NULL AND source_ref != ''`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_order_id ON order_fills(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status_created ON pending_orders(status, created_at)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying connection for components (e.g. the
// coordinator's rebuild path) that need raw transactional access.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
