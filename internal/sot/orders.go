package sot

import (
	"errors"
	"fmt"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"gorm.io/gorm"
)

// NewOrderParams is the input to AppendOrder.
type NewOrderParams struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Qty           money.Decimal
	Price         money.Decimal
	StopPrice     *money.Decimal
	IsMaker       bool
	LatencyMs     int64
	MakerFeeRate  float64
	TakerFeeRate  float64
	SourceRef     string
}

// AppendOrder creates a new Order plus its CREATED event atomically.
// Duplicate client_order_id is treated as success: the existing Order
// is returned unchanged, so retries are idempotent.
func (s *Store) AppendOrder(p NewOrderParams) (*Order, bool, error) {
	if existing, err := s.lookupOrderByClientID(s.db, p.ClientOrderID); existing != nil || err != nil {
		return existing, false, err
	}

	var created *Order
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		order, err := s.createOrderTx(tx, p)
		if err != nil {
			return err
		}
		created = order
		return nil
	})
	if txErr != nil {
		// Lost a race against another caller inserting the same
		// client_order_id: fall back to returning their row.
		if existing, err := s.lookupOrderByClientID(s.db, p.ClientOrderID); existing != nil && err == nil {
			return existing, false, nil
		}
		return nil, false, coreerrors.NewStoreError("append_order:create", txErr)
	}
	return created, true, nil
}

// AppendOrderInTx is AppendOrder's variant for callers (internal/pending's
// approve handoff) that already hold a transaction against this same
// database and need order creation to be part of it, so an execution
// failure rolls the PendingOrder's APPROVED transition back too. It
// does not publish FillAppended/PendingQueued events itself; the
// caller's outer transaction is expected to commit before any such
// event would be meaningful.
func (s *Store) AppendOrderInTx(tx *gorm.DB, p NewOrderParams) (*Order, bool, error) {
	if existing, err := s.lookupOrderByClientID(tx, p.ClientOrderID); existing != nil || err != nil {
		return existing, false, err
	}
	order, err := s.createOrderTx(tx, p)
	if err != nil {
		return nil, false, coreerrors.NewStoreError("append_order_in_tx:create", err)
	}
	return order, true, nil
}

func (s *Store) lookupOrderByClientID(db *gorm.DB, clientOrderID string) (*Order, error) {
	var existing Order
	err := db.Where("client_order_id = ?", clientOrderID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, coreerrors.NewStoreError("append_order:lookup", err)
}

func (s *Store) createOrderTx(tx *gorm.DB, p NewOrderParams) (*Order, error) {
	id, err := s.ids.NextInTx(tx, "orders")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	order := &Order{
		ID:            id,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		OrderType:     p.OrderType,
		Qty:           money.Wrap(p.Qty),
		RemainingQty:  money.Wrap(p.Qty),
		Price:         money.Wrap(p.Price),
		Status:        OrderStatusNew,
		IsMaker:       p.IsMaker,
		LatencyMs:     p.LatencyMs,
		MakerFeeRate:  p.MakerFeeRate,
		TakerFeeRate:  p.TakerFeeRate,
		SourceRef:     p.SourceRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.StopPrice != nil {
		wrapped := money.Wrap(*p.StopPrice)
		order.StopPrice = &wrapped
	}
	if err := tx.Create(order).Error; err != nil {
		return nil, err
	}

	evID, err := s.ids.NextInTx(tx, "order_events")
	if err != nil {
		return nil, err
	}
	event := &OrderEvent{ID: evID, OrderID: order.ID, EventType: EventCreated, EventTime: now}
	if err := tx.Create(event).Error; err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder fetches an Order by ID.
func (s *Store) GetOrder(id int64) (*Order, error) {
	var o Order
	if err := s.db.First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrNotFound
		}
		return nil, coreerrors.NewStoreError("get_order", err)
	}
	return &o, nil
}

// GetOrderByClientID fetches an Order by its client_order_id.
func (s *Store) GetOrderByClientID(clientOrderID string) (*Order, error) {
	var o Order
	if err := s.db.Where("client_order_id = ?", clientOrderID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrNotFound
		}
		return nil, coreerrors.NewStoreError("get_order_by_client_id", err)
	}
	return &o, nil
}

// OrderFilters selects rows for ListOrders.
type OrderFilters struct {
	Symbol string
	Status OrderStatus
}

func (s *Store) ListOrders(f OrderFilters) ([]Order, error) {
	q := s.db.Model(&Order{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var rows []Order
	if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_orders", err)
	}
	return rows, nil
}

// ListOrdersByTypeAndStatus returns orders of the given type and status, used
// by the stop-loss scanner.
func (s *Store) ListOrdersByTypeAndStatus(orderType OrderType, status OrderStatus) ([]Order, error) {
	var rows []Order
	if err := s.db.Where("order_type = ? AND status = ?", orderType, status).
		Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_orders_by_type_status", err)
	}
	return rows, nil
}

// ListOrdersByStatus returns orders of any type in the given status,
// used by the latency dispatcher to find due PENDING orders.
func (s *Store) ListOrdersByStatus(status OrderStatus) ([]Order, error) {
	var rows []Order
	if err := s.db.Where("status = ?", status).Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_orders_by_status", err)
	}
	return rows, nil
}

// AppendEvent appends an OrderEvent row. Never updates or deletes an
// existing row.
func (s *Store) AppendEvent(orderID int64, eventType EventType, payload string) (*OrderEvent, error) {
	id, err := s.ids.Next("order_events")
	if err != nil {
		return nil, coreerrors.NewStoreError("append_event:id", err)
	}
	ev := &OrderEvent{ID: id, OrderID: orderID, EventType: eventType, EventTime: time.Now().UTC(), Payload: payload}
	if err := s.db.Create(ev).Error; err != nil {
		return nil, coreerrors.NewStoreError("append_event:create", err)
	}
	return ev, nil
}

func (s *Store) ListEvents(orderID int64) ([]OrderEvent, error) {
	var rows []OrderEvent
	if err := s.db.Where("order_id = ?", orderID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_events", err)
	}
	return rows, nil
}

// orderLattice enumerates the legal status transitions; a move not
// present here is a programming error (fatal).
var orderLattice = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusNew: {
		OrderStatusPending:         true,
		OrderStatusTriggered:       true,
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
	},
	OrderStatusPending: {
		OrderStatusTriggered:       true,
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
	},
	OrderStatusTriggered: {
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
	},
}

// ValidateTransition enforces the lattice; a violation is fatal.
func ValidateTransition(from, to OrderStatus) error {
	if from == to {
		return nil
	}
	allowed := orderLattice[from]
	if allowed == nil || !allowed[to] {
		return coreerrors.NewInternalError("sot.orders", fmt.Sprintf("illegal order transition %s -> %s", from, to))
	}
	return nil
}

// FillParams is the input to AppendFill.
type FillParams struct {
	OrderID        int64
	FillQty        money.Decimal
	FillPrice      money.Decimal
	EffectivePrice money.Decimal
	Fees           money.Decimal
	SlippageAmount money.Decimal
	Liquidity      Liquidity
	RealizedPnL    *money.Decimal // nil unless this fill closes/reduces a SELL position
	EventType      EventType      // EventFill or EventPartialFill
	EventPayload   string
	NewStatus      OrderStatus
}

// AppendFill appends a Fill, its OrderCost, optionally an OrderPnL, and
// an OrderEvent, and updates the parent Order's remaining_qty/status,
// all in a single transaction. The execution engine is responsible for
// having already validated SELL-sufficiency and computed NewStatus
// against the lattice.
func (s *Store) AppendFill(p FillParams) (*Fill, error) {
	var fill *Fill
	err := s.db.Transaction(func(tx *gorm.DB) error {
		f, err := s.appendFillTx(tx, p)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		var internal *coreerrors.InternalError
		if errors.As(err, &internal) {
			return nil, err
		}
		return nil, coreerrors.NewStoreError("append_fill", err)
	}

	if updatedOrder, getErr := s.GetOrder(p.OrderID); getErr == nil {
		s.publishFillAppended(updatedOrder, fill)
	}
	return fill, nil
}

// AppendFillInTx is AppendFill's variant for callers that already hold
// a transaction on this database (inline execution during an approve
// handoff). It does not publish FillAppended; the caller must do so
// itself once its own outer transaction has committed, via
// NotifyFillAppended.
func (s *Store) AppendFillInTx(tx *gorm.DB, p FillParams) (*Fill, error) {
	f, err := s.appendFillTx(tx, p)
	if err != nil {
		var internal *coreerrors.InternalError
		if errors.As(err, &internal) {
			return nil, err
		}
		return nil, coreerrors.NewStoreError("append_fill_in_tx", err)
	}
	return f, nil
}

// NotifyFillAppended publishes FillAppended after a caller's own
// transaction (AppendFillInTx's caller) has committed.
func (s *Store) NotifyFillAppended(order *Order, fill *Fill) {
	s.publishFillAppended(order, fill)
}

func (s *Store) appendFillTx(tx *gorm.DB, p FillParams) (*Fill, error) {
	var order Order
	if err := tx.Clauses().First(&order, p.OrderID).Error; err != nil {
		return nil, err
	}
	if err := ValidateTransition(order.Status, p.NewStatus); err != nil {
		return nil, err
	}

	fillID, err := s.ids.NextInTx(tx, "order_fills")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	f := &Fill{
		ID:             fillID,
		OrderID:        p.OrderID,
		FillQty:        money.Wrap(p.FillQty),
		FillPrice:      money.Wrap(p.FillPrice),
		EffectivePrice: money.Wrap(p.EffectivePrice),
		Fees:           money.Wrap(p.Fees),
		SlippageAmount: money.Wrap(p.SlippageAmount),
		Liquidity:      p.Liquidity,
		FilledAt:       now,
	}
	if err := tx.Create(f).Error; err != nil {
		return nil, err
	}

	costID, err := s.ids.NextInTx(tx, "order_costs")
	if err != nil {
		return nil, err
	}
	cost := &OrderCost{ID: costID, OrderID: p.OrderID, FillID: f.ID, FeeAmount: money.Wrap(p.Fees), CreatedAt: now}
	if err := tx.Create(cost).Error; err != nil {
		return nil, err
	}

	if p.RealizedPnL != nil {
		pnlID, err := s.ids.NextInTx(tx, "order_pnl")
		if err != nil {
			return nil, err
		}
		pnl := &OrderPnL{ID: pnlID, OrderID: p.OrderID, FillID: f.ID, RealizedPnL: money.Wrap(*p.RealizedPnL), CreatedAt: now}
		if err := tx.Create(pnl).Error; err != nil {
			return nil, err
		}
	}

	evID, err := s.ids.NextInTx(tx, "order_events")
	if err != nil {
		return nil, err
	}
	ev := &OrderEvent{ID: evID, OrderID: p.OrderID, EventType: p.EventType, EventTime: now, Payload: p.EventPayload}
	if err := tx.Create(ev).Error; err != nil {
		return nil, err
	}

	remaining := order.RemainingQty.Decimal.Sub(p.FillQty)
	updates := map[string]interface{}{
		"remaining_qty": money.Wrap(remaining).String(),
		"status":        p.NewStatus,
		"updated_at":    now,
	}
	if p.NewStatus == OrderStatusFilled || p.NewStatus == OrderStatusCancelled {
		updates["executed_at"] = now
	}
	if err := tx.Model(&Order{}).Where("id = ?", p.OrderID).Updates(updates).Error; err != nil {
		return nil, err
	}

	return f, nil
}

// CancelOrder transitions an order to CANCELLED and appends an event,
// only while remaining_qty > 0.
func (s *Store) CancelOrder(orderID int64, eventType EventType, payload string) (*Order, error) {
	var updated *Order
	err := s.db.Transaction(func(tx *gorm.DB) error {
		o, err := s.cancelOrderTx(tx, orderID, eventType, payload)
		if err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelOrderInTx is CancelOrder's variant for callers already holding
// a transaction (inline SELL-insufficiency failure during an approve
// handoff).
func (s *Store) CancelOrderInTx(tx *gorm.DB, orderID int64, eventType EventType, payload string) (*Order, error) {
	return s.cancelOrderTx(tx, orderID, eventType, payload)
}

func (s *Store) cancelOrderTx(tx *gorm.DB, orderID int64, eventType EventType, payload string) (*Order, error) {
	var order Order
	if err := tx.First(&order, orderID).Error; err != nil {
		return nil, err
	}
	if order.RemainingQty.Decimal.IsZero() {
		return nil, coreerrors.NewStaleStateError("order", orderID, "remaining_qty>0", "remaining_qty=0")
	}
	if err := ValidateTransition(order.Status, OrderStatusCancelled); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := tx.Model(&Order{}).Where("id = ?", orderID).Updates(map[string]interface{}{
		"status":      OrderStatusCancelled,
		"updated_at":  now,
		"executed_at": now,
	}).Error; err != nil {
		return nil, err
	}

	evID, err := s.ids.NextInTx(tx, "order_events")
	if err != nil {
		return nil, err
	}
	ev := &OrderEvent{ID: evID, OrderID: orderID, EventType: eventType, EventTime: now, Payload: payload}
	if err := tx.Create(ev).Error; err != nil {
		return nil, err
	}

	order.Status = OrderStatusCancelled
	return &order, nil
}

// TransitionStatus moves an order along the lattice without a fill
// (e.g. NEW->PENDING for async latency, NEW->TRIGGERED for a stop).
func (s *Store) TransitionStatus(orderID int64, newStatus OrderStatus, extra map[string]interface{}) (*Order, error) {
	var updated *Order
	err := s.db.Transaction(func(tx *gorm.DB) error {
		o, err := s.transitionStatusTx(tx, orderID, newStatus, extra)
		if err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		var internal *coreerrors.InternalError
		if errors.As(err, &internal) {
			return nil, err
		}
		return nil, coreerrors.NewStoreError("transition_status", err)
	}
	return updated, nil
}

// TransitionStatusInTx is TransitionStatus's variant for callers
// already holding a transaction.
func (s *Store) TransitionStatusInTx(tx *gorm.DB, orderID int64, newStatus OrderStatus, extra map[string]interface{}) (*Order, error) {
	o, err := s.transitionStatusTx(tx, orderID, newStatus, extra)
	if err != nil {
		var internal *coreerrors.InternalError
		if errors.As(err, &internal) {
			return nil, err
		}
		return nil, coreerrors.NewStoreError("transition_status_in_tx", err)
	}
	return o, nil
}

func (s *Store) transitionStatusTx(tx *gorm.DB, orderID int64, newStatus OrderStatus, extra map[string]interface{}) (*Order, error) {
	var order Order
	if err := tx.First(&order, orderID).Error; err != nil {
		return nil, err
	}
	if err := ValidateTransition(order.Status, newStatus); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"status": newStatus, "updated_at": time.Now().UTC()}
	for k, v := range extra {
		updates[k] = v
	}
	if err := tx.Model(&Order{}).Where("id = ? AND status = ?", orderID, order.Status).Updates(updates).Error; err != nil {
		return nil, err
	}
	order.Status = newStatus
	return &order, nil
}

func (s *Store) ListFills(orderID int64) ([]Fill, error) {
	var rows []Fill
	if err := s.db.Where("order_id = ?", orderID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_fills", err)
	}
	return rows, nil
}

// ListCosts returns the fee charges appended for an order, in append
// order.
func (s *Store) ListCosts(orderID int64) ([]OrderCost, error) {
	var rows []OrderCost
	if err := s.db.Where("order_id = ?", orderID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_costs", err)
	}
	return rows, nil
}

// ListPnL returns the realized-PnL events appended for an order, in
// append order.
func (s *Store) ListPnL(orderID int64) ([]OrderPnL, error) {
	var rows []OrderPnL
	if err := s.db.Where("order_id = ?", orderID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_pnl", err)
	}
	return rows, nil
}

// ListFillsSince returns all fills appended after (strictly greater
// than) the given fill ID, in append order — used by the Coordinator
// to replay new facts and by TS rebuild.
func (s *Store) ListFillsSince(fillID int64) ([]Fill, error) {
	var rows []Fill
	if err := s.db.Where("id > ?", fillID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, coreerrors.NewStoreError("list_fills_since", err)
	}
	return rows, nil
}
