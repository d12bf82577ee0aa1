// Package idgen issues per-table 64-bit monotonic IDs, persisted
// alongside the store that owns them. Each table gets its own counter
// row so SOT and TS can each rebuild their own ID space without
// coordinating with the other.
package idgen

import (
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Counter is the persisted row backing one table's ID sequence.
type Counter struct {
	TableKey string `gorm:"primaryKey;column:table_name"`
	NextValue int64  `gorm:"column:next_value"`
}

func (Counter) TableName() string { return "id_counters" }

// Generator issues IDs for a fixed set of tables against a single
// database connection. Callers share one Generator per store; the
// mutex serializes in-process contention, and the counter row rides
// the store's own transaction.
type Generator struct {
	db *gorm.DB
	mu sync.Mutex
}

func NewGenerator(db *gorm.DB) (*Generator, error) {
	if err := db.AutoMigrate(&Counter{}); err != nil {
		return nil, fmt.Errorf("idgen: migrate counters: %w", err)
	}
	return &Generator{db: db}, nil
}

// Next returns the next ID for the given table, starting at 1.
func (g *Generator) Next(table string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id int64
	err := g.db.Transaction(func(tx *gorm.DB) error {
		var c Counter
		err := tx.Where("table_name = ?", table).First(&c).Error
		if err == gorm.ErrRecordNotFound {
			c = Counter{TableKey: table, NextValue: 1}
			id = c.NextValue
			c.NextValue++
			return tx.Create(&c).Error
		}
		if err != nil {
			return err
		}
		id = c.NextValue
		c.NextValue++
		return tx.Save(&c).Error
	})
	if err != nil {
		return 0, fmt.Errorf("idgen: next(%s): %w", table, err)
	}
	return id, nil
}

// NextInTx issues an ID using the caller's own transaction, so the ID
// allocation commits atomically with the row it will be attached to.
func (g *Generator) NextInTx(tx *gorm.DB, table string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var c Counter
	err := tx.Where("table_name = ?", table).First(&c).Error
	if err == gorm.ErrRecordNotFound {
		c = Counter{TableKey: table, NextValue: 2}
		if err := tx.Create(&c).Error; err != nil {
			return 0, fmt.Errorf("idgen: next(%s): %w", table, err)
		}
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("idgen: next(%s): %w", table, err)
	}
	id := c.NextValue
	c.NextValue++
	if err := tx.Save(&c).Error; err != nil {
		return 0, fmt.Errorf("idgen: next(%s): %w", table, err)
	}
	return id, nil
}
