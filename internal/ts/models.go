// Package ts is the derived trade-service store: positions, trades,
// and trade PnL snapshots, all rebuildable from the SOT store's facts.
// It lives in its own database with its own pool so it can fail and be
// rebuilt independently of the fact store.
package ts

import (
	"time"

	"github.com/ksred/paperexec/internal/money"
)

// TradeStatus tracks how much of a Trade remains open.
type TradeStatus string

const (
	TradeStatusOpen    TradeStatus = "OPEN"
	TradeStatusPartial TradeStatus = "PARTIAL"
	TradeStatusClosed  TradeStatus = "CLOSED"
)

// Position is the mutable per-symbol aggregate.
type Position struct {
	Symbol        string    `gorm:"primaryKey" json:"symbol"`
	Quantity      money.StorableDecimal `gorm:"type:text" json:"quantity"`
	AvgEntryPrice money.StorableDecimal `gorm:"type:text" json:"avg_entry_price"`
	TotalCost     money.StorableDecimal `gorm:"type:text" json:"total_cost"`
	RealizedPnL   money.StorableDecimal `gorm:"type:text" json:"realized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Position) TableName() string { return "positions" }

// Trade aggregates Fills into an entry/exit pair.
type Trade struct {
	ID            int64       `gorm:"primaryKey" json:"id"`
	EntryOrderID  int64       `gorm:"index" json:"entry_order_id"`
	ExitOrderID   *int64      `json:"exit_order_id,omitempty"`
	Symbol        string      `gorm:"index" json:"symbol"`
	Side          string      `json:"side"`
	Status        TradeStatus `gorm:"index" json:"status"`
	EntryQty      money.StorableDecimal `gorm:"type:text" json:"entry_qty"`
	EntryPrice    money.StorableDecimal `gorm:"type:text" json:"entry_price"`
	EntryTime     time.Time   `json:"entry_time"`
	ExitQty       money.StorableDecimal `gorm:"type:text" json:"exit_qty"`
	ExitPrice     money.StorableDecimal `gorm:"type:text" json:"exit_price"`
	ExitTime      *time.Time  `json:"exit_time,omitempty"`
	CurrentQty    money.StorableDecimal `gorm:"type:text" json:"current_qty"`
	EntryFees     money.StorableDecimal `gorm:"type:text" json:"-"`
	ExitFees      money.StorableDecimal `gorm:"type:text" json:"-"`
	StrategyCode  string      `json:"strategy_code,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (Trade) TableName() string { return "trades" }

// TradePnL is a derived snapshot per Trade, recomputed on close or
// partial close.
type TradePnL struct {
	TradeID        int64     `gorm:"primaryKey" json:"trade_id"`
	GrossPnL       money.StorableDecimal `gorm:"type:text" json:"gross_pnl"`
	TotalFees      money.StorableDecimal `gorm:"type:text" json:"total_fees"`
	NetPnL         money.StorableDecimal `gorm:"type:text" json:"net_pnl"`
	ReturnPct      money.StorableDecimal `gorm:"type:text" json:"return_pct"`
	RealizedPnL    money.StorableDecimal `gorm:"type:text" json:"realized_pnl"`
	UnrealizedPnL  money.StorableDecimal `gorm:"type:text" json:"unrealized_pnl"`
	DurationSeconds int64    `json:"duration_s"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (TradePnL) TableName() string { return "trade_pnl" }

// SyncState tracks how far TS has replayed SOT's fill stream, so a
// rebuild can resume incrementally.
type SyncState struct {
	Key            string `gorm:"primaryKey"`
	LastFillID     int64
}

func (SyncState) TableName() string { return "ts_sync_state" }

const syncStateKey = "sot_fill_cursor"
