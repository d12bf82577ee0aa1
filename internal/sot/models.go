// Package sot is the append-only Source-of-Truth store: orders, order
// events, fills, costs, pnl snapshots, and the pending-order queue.
// Facts (events, fills, costs, pnl rows) are never updated or deleted;
// derived state elsewhere is rebuilt from them.
package sot

import (
	"time"

	"github.com/ksred/paperexec/internal/money"
)

// Side is BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects the fill-dispatch strategy in the execution engine.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "STOP_LOSS"
)

// Source attributes where an order intent originated.
type Source string

const (
	SourceSpreadsheet Source = "SPREADSHEET"
	SourceStrategy    Source = "STRATEGY"
	SourcePyramid     Source = "PYRAMID"
	SourceBacktest    Source = "BACKTEST"
)

// PendingStatus is the pending-order approval state.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "PENDING"
	PendingStatusApproved PendingStatus = "APPROVED"
	PendingStatusRejected PendingStatus = "REJECTED"
	PendingStatusExecuted PendingStatus = "EXECUTED"
)

// OrderStatus is a node in the order status lattice; transitions only
// move forward (see ValidateTransition).
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusTriggered       OrderStatus = "TRIGGERED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// EventType enumerates OrderEvent.event_type.
type EventType string

const (
	EventCreated      EventType = "CREATED"
	EventSubmitted    EventType = "SUBMITTED"
	EventTriggered    EventType = "TRIGGERED"
	EventPartialFill  EventType = "PARTIAL_FILL"
	EventFill         EventType = "FILL"
	EventCancelled    EventType = "CANCELLED"
	EventError        EventType = "ERROR"
	EventScanSkipped  EventType = "STOP_SCAN_SKIPPED"
)

// Liquidity classifies a Fill as MAKER or TAKER for fee purposes.
type Liquidity string

const (
	LiquidityMaker Liquidity = "MAKER"
	LiquidityTaker Liquidity = "TAKER"
)

// PendingOrder is a queued order intent awaiting human review,
// persisted until EXECUTED or REJECTED.
type PendingOrder struct {
	ID            int64         `gorm:"primaryKey" json:"id"`
	Symbol        string        `gorm:"index" json:"symbol"`
	Side          Side          `json:"side"`
	OrderType     OrderType     `json:"order_type"`
	Quantity      money.StorableDecimal `gorm:"type:text" json:"quantity"`
	Pips          *money.StorableDecimal `gorm:"type:text" json:"pips,omitempty"`
	Price         money.StorableDecimal `gorm:"type:text" json:"price"`
	StopPrice     *money.StorableDecimal `gorm:"type:text" json:"stop_price,omitempty"`
	Source        Source        `gorm:"index" json:"source"`
	SourceRef     string        `gorm:"index" json:"source_ref,omitempty"`
	StrategyName  string        `json:"strategy_name,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`
	Status        PendingStatus `gorm:"index" json:"status"`
	RiskNote      string        `json:"risk_note,omitempty"`
	Note          string        `json:"note,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewed_at,omitempty"`
	ReviewedBy    string        `json:"reviewed_by,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	ExecutedOrderID *int64      `json:"executed_order_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (PendingOrder) TableName() string { return "pending_orders" }

// Order is immutable once appended except status and remaining_qty,
// which only move forward along the lattice.
type Order struct {
	ID             int64       `gorm:"primaryKey" json:"id"`
	ClientOrderID  string      `gorm:"uniqueIndex" json:"client_order_id"`
	Symbol         string      `gorm:"index" json:"symbol"`
	Side           Side        `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Qty            money.StorableDecimal `gorm:"type:text" json:"qty"`
	RemainingQty   money.StorableDecimal `gorm:"type:text" json:"remaining_qty"`
	Price          money.StorableDecimal `gorm:"type:text" json:"price"`
	StopPrice      *money.StorableDecimal `gorm:"type:text" json:"stop_price,omitempty"`
	Status         OrderStatus `gorm:"index" json:"status"`
	IsMaker        bool        `json:"is_maker"`
	LatencyMs      int64       `json:"latency_ms"`
	SubmittedAt    *time.Time  `json:"submitted_at,omitempty"`
	ScheduledAt    *time.Time  `gorm:"index" json:"scheduled_at,omitempty"`
	ExecutedAt     *time.Time  `json:"executed_at,omitempty"`
	MakerFeeRate   float64     `json:"maker_fee_rate"`
	TakerFeeRate   float64     `json:"taker_fee_rate"`
	SourceRef      string      `gorm:"index" json:"source_ref,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// OrderEvent is strictly append-only.
type OrderEvent struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	OrderID   int64     `gorm:"index" json:"order_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	Payload   string    `json:"payload,omitempty"`
}

func (OrderEvent) TableName() string { return "order_events" }

// Fill is strictly append-only.
type Fill struct {
	ID              int64     `gorm:"primaryKey" json:"id"`
	OrderID         int64     `gorm:"index" json:"order_id"`
	FillQty         money.StorableDecimal `gorm:"type:text" json:"fill_qty"`
	FillPrice       money.StorableDecimal `gorm:"type:text" json:"fill_price"`
	EffectivePrice  money.StorableDecimal `gorm:"type:text" json:"effective_price"`
	Fees            money.StorableDecimal `gorm:"type:text" json:"fees"`
	SlippageAmount  money.StorableDecimal `gorm:"type:text" json:"slippage_amount"`
	Liquidity       Liquidity `json:"liquidity"`
	FilledAt        time.Time `json:"filled_at"`
}

func (Fill) TableName() string { return "order_fills" }

// OrderCost records a fee charge tied to a fill, append-only.
type OrderCost struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	OrderID   int64     `gorm:"index" json:"order_id"`
	FillID    int64     `json:"fill_id"`
	FeeAmount money.StorableDecimal `gorm:"type:text" json:"fee_amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (OrderCost) TableName() string { return "order_costs" }

// OrderPnL records a realized-PnL event tied to a SELL fill,
// append-only; the trade service aggregates these but never mutates
// them.
type OrderPnL struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	OrderID     int64     `gorm:"index" json:"order_id"`
	FillID      int64     `json:"fill_id"`
	RealizedPnL money.StorableDecimal `gorm:"type:text" json:"realized_pnl"`
	CreatedAt   time.Time `json:"created_at"`
}

func (OrderPnL) TableName() string { return "order_pnl" }
