package sot

import (
	"path/filepath"
	"testing"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sot.db"), 5, 2)
	if err != nil {
		t.Fatalf("open sot store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(t *testing.T, s string) money.Decimal {
	t.Helper()
	d, err := money.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func buyIntent(sourceRef string) QueueIntent {
	return QueueIntent{
		Symbol:    "BTCUSDT",
		Side:      SideBuy,
		OrderType: OrderTypeMarket,
		Quantity:  money.New(5, 0),
		Price:     money.New(100, 0),
		Source:    SourcePyramid,
		SourceRef: sourceRef,
	}
}

func TestQueuePendingIdempotentOnSourceRef(t *testing.T) {
	s := openTestStore(t)

	first, created, err := s.QueuePending(buyIntent("pyramid:1:wave:0"))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !created {
		t.Fatal("first queue should create")
	}

	second, created, err := s.QueuePending(buyIntent("pyramid:1:wave:0"))
	if err != nil {
		t.Fatalf("duplicate queue: %v", err)
	}
	if created {
		t.Error("duplicate (source, source_ref) must not create a second row")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned id %d, want existing id %d", second.ID, first.ID)
	}
}

func TestQueuePendingEmptyRefAlwaysCreates(t *testing.T) {
	s := openTestStore(t)

	a, _, err := s.QueuePending(buyIntent(""))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	b, _, err := s.QueuePending(buyIntent(""))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if a.ID == b.ID {
		t.Error("empty source_ref rows must be independent")
	}
}

func TestMarkPendingCASGuardsTerminalStates(t *testing.T) {
	s := openTestStore(t)
	po, _, err := s.QueuePending(buyIntent("ref-1"))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	approved, err := s.MarkPendingCAS(po.ID, PendingStatusApproved, "alice", "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != PendingStatusApproved || approved.ReviewedBy != "alice" {
		t.Errorf("unexpected row after approve: %+v", approved)
	}

	if _, err := s.MarkPendingCAS(po.ID, PendingStatusRejected, "bob", "too late"); !coreerrors.Is(err, coreerrors.ErrStaleState) {
		t.Errorf("second CAS err = %v, want StaleState", err)
	}
}

func TestMarkPendingCASSetsReviewedAt(t *testing.T) {
	s := openTestStore(t)
	po, _, _ := s.QueuePending(buyIntent("ref-reviewed"))

	if _, err := s.MarkPendingCAS(po.ID, PendingStatusRejected, "carol", "nope"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := s.GetPending(po.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReviewedAt == nil {
		t.Error("reviewed_at must be set once the row leaves PENDING")
	}
}

func TestRevertToPendingRecordsAttempt(t *testing.T) {
	s := openTestStore(t)
	po, _, _ := s.QueuePending(buyIntent("ref-revert"))

	if err := s.RevertToPending(po.ID, "execution failed: boom"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, _ := s.GetPending(po.ID)
	if got.Status != PendingStatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.Note != "execution failed: boom" {
		t.Errorf("note = %q", got.Note)
	}
}

func mustDec(s string) money.Decimal {
	d, err := money.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newOrderParams(clientID string, qty string) NewOrderParams {
	return NewOrderParams{
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		OrderType:     OrderTypeMarket,
		Qty:           mustDec(qty),
		Price:         money.New(100, 0),
		TakerFeeRate:  0,
	}
}

func TestAppendOrderDuplicateClientIDIsNoOp(t *testing.T) {
	s := openTestStore(t)

	first, created, err := s.AppendOrder(newOrderParams("cli-1", "5"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !created {
		t.Fatal("first append should create")
	}

	second, created, err := s.AppendOrder(newOrderParams("cli-1", "5"))
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("duplicate client_order_id must return the existing order, got id=%d created=%v", second.ID, created)
	}

	orders, err := s.ListOrders(OrderFilters{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("order count = %d, want 1", len(orders))
	}
}

func TestAppendOrderWritesCreatedEvent(t *testing.T) {
	s := openTestStore(t)
	order, _, err := s.AppendOrder(newOrderParams("cli-ev", "5"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListEvents(order.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventCreated {
		t.Errorf("events = %+v, want single CREATED", events)
	}
}

func TestValidateTransitionLattice(t *testing.T) {
	legal := []struct{ from, to OrderStatus }{
		{OrderStatusNew, OrderStatusPending},
		{OrderStatusNew, OrderStatusFilled},
		{OrderStatusNew, OrderStatusCancelled},
		{OrderStatusPending, OrderStatusTriggered},
		{OrderStatusTriggered, OrderStatusPartiallyFilled},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled},
		{OrderStatusPartiallyFilled, OrderStatusFilled},
		{OrderStatusPartiallyFilled, OrderStatusCancelled},
	}
	for _, tr := range legal {
		if err := ValidateTransition(tr.from, tr.to); err != nil {
			t.Errorf("legal transition %s -> %s rejected: %v", tr.from, tr.to, err)
		}
	}

	illegal := []struct{ from, to OrderStatus }{
		{OrderStatusFilled, OrderStatusNew},
		{OrderStatusFilled, OrderStatusPartiallyFilled},
		{OrderStatusCancelled, OrderStatusFilled},
		{OrderStatusTriggered, OrderStatusPending},
	}
	for _, tr := range illegal {
		if err := ValidateTransition(tr.from, tr.to); !coreerrors.Is(err, coreerrors.ErrInternal) {
			t.Errorf("illegal transition %s -> %s err = %v, want Internal", tr.from, tr.to, err)
		}
	}
}

func TestAppendFillMaintainsQtyInvariant(t *testing.T) {
	s := openTestStore(t)
	order, _, err := s.AppendOrder(newOrderParams("cli-fill", "10"))
	if err != nil {
		t.Fatalf("append order: %v", err)
	}

	fill1, err := s.AppendFill(FillParams{
		OrderID:        order.ID,
		FillQty:        dec(t, "4"),
		FillPrice:      dec(t, "100"),
		EffectivePrice: dec(t, "100"),
		Fees:           money.Zero,
		SlippageAmount: money.Zero,
		Liquidity:      LiquidityTaker,
		EventType:      EventPartialFill,
		NewStatus:      OrderStatusPartiallyFilled,
	})
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if fill1.ID == 0 {
		t.Error("fill must carry a generated id")
	}

	mid, _ := s.GetOrder(order.ID)
	if mid.Status != OrderStatusPartiallyFilled || !mid.RemainingQty.Decimal.Equal(dec(t, "6")) {
		t.Errorf("after partial: status=%s remaining=%s", mid.Status, mid.RemainingQty.Decimal.String())
	}

	if _, err := s.AppendFill(FillParams{
		OrderID:        order.ID,
		FillQty:        dec(t, "6"),
		FillPrice:      dec(t, "100"),
		EffectivePrice: dec(t, "100"),
		Fees:           money.Zero,
		SlippageAmount: money.Zero,
		Liquidity:      LiquidityTaker,
		EventType:      EventFill,
		NewStatus:      OrderStatusFilled,
	}); err != nil {
		t.Fatalf("final fill: %v", err)
	}

	final, _ := s.GetOrder(order.ID)
	if final.Status != OrderStatusFilled || !final.RemainingQty.Decimal.IsZero() {
		t.Errorf("after full fill: status=%s remaining=%s", final.Status, final.RemainingQty.Decimal.String())
	}
	if final.ExecutedAt == nil {
		t.Error("executed_at must be set on FILLED")
	}

	// remaining_qty + sum(fill_qty) = qty
	fills, _ := s.ListFills(order.ID)
	total := money.Zero
	for _, f := range fills {
		total = total.Add(f.FillQty.Decimal)
	}
	if !total.Add(final.RemainingQty.Decimal).Equal(final.Qty.Decimal) {
		t.Errorf("fill-quantity invariant broken: fills=%s remaining=%s qty=%s",
			total.String(), final.RemainingQty.Decimal.String(), final.Qty.Decimal.String())
	}
}

func TestAppendFillRecordsCostAndPnL(t *testing.T) {
	s := openTestStore(t)
	order, _, _ := s.AppendOrder(newOrderParams("cli-cost", "5"))

	realized := dec(t, "-12.5")
	if _, err := s.AppendFill(FillParams{
		OrderID:        order.ID,
		FillQty:        dec(t, "5"),
		FillPrice:      dec(t, "100"),
		EffectivePrice: dec(t, "100"),
		Fees:           dec(t, "0.5"),
		SlippageAmount: money.Zero,
		Liquidity:      LiquidityTaker,
		RealizedPnL:    &realized,
		EventType:      EventFill,
		NewStatus:      OrderStatusFilled,
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	costs, err := s.ListCosts(order.ID)
	if err != nil {
		t.Fatalf("list costs: %v", err)
	}
	if len(costs) != 1 || !costs[0].FeeAmount.Decimal.Equal(dec(t, "0.5")) {
		t.Errorf("costs = %+v, want single 0.5 fee", costs)
	}

	pnls, err := s.ListPnL(order.ID)
	if err != nil {
		t.Fatalf("list pnl: %v", err)
	}
	if len(pnls) != 1 || !pnls[0].RealizedPnL.Decimal.Equal(realized) {
		t.Errorf("pnl rows = %+v, want single -12.5", pnls)
	}
}

func TestCancelOrderOnlyWhileRemaining(t *testing.T) {
	s := openTestStore(t)
	order, _, _ := s.AppendOrder(newOrderParams("cli-cancel", "5"))

	cancelled, err := s.CancelOrder(order.ID, EventCancelled, "caller rejected")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	filled, _, _ := s.AppendOrder(newOrderParams("cli-cancel-2", "5"))
	if _, err := s.AppendFill(FillParams{
		OrderID:        filled.ID,
		FillQty:        dec(t, "5"),
		FillPrice:      dec(t, "100"),
		EffectivePrice: dec(t, "100"),
		Fees:           money.Zero,
		SlippageAmount: money.Zero,
		Liquidity:      LiquidityTaker,
		EventType:      EventFill,
		NewStatus:      OrderStatusFilled,
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := s.CancelOrder(filled.ID, EventCancelled, "too late"); !coreerrors.Is(err, coreerrors.ErrStaleState) {
		t.Errorf("cancel of fully-filled order err = %v, want StaleState", err)
	}
}

func TestSubscribeFillsPublishesAfterCommit(t *testing.T) {
	s := openTestStore(t)
	fills := s.SubscribeFills(4)

	order, _, _ := s.AppendOrder(newOrderParams("cli-sub", "5"))
	if _, err := s.AppendFill(FillParams{
		OrderID:        order.ID,
		FillQty:        dec(t, "5"),
		FillPrice:      dec(t, "100"),
		EffectivePrice: dec(t, "100"),
		Fees:           money.Zero,
		SlippageAmount: money.Zero,
		Liquidity:      LiquidityTaker,
		EventType:      EventFill,
		NewStatus:      OrderStatusFilled,
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	select {
	case ev := <-fills:
		if ev.Order.ID != order.ID || !ev.Fill.FillQty.Decimal.Equal(dec(t, "5")) {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Order.Status != OrderStatusFilled {
			t.Errorf("published order status = %s, want FILLED", ev.Order.Status)
		}
	default:
		t.Fatal("AppendFill did not publish FillAppended")
	}
}

// Event history for an order only ever grows: every operation appends,
// none rewrites.
func TestEventsAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	order, _, _ := s.AppendOrder(newOrderParams("cli-append-only", "5"))

	before, _ := s.ListEvents(order.ID)

	if _, err := s.AppendEvent(order.ID, EventScanSkipped, "price feed down"); err != nil {
		t.Fatalf("append event: %v", err)
	}

	after, _ := s.ListEvents(order.ID)
	if len(after) != len(before)+1 {
		t.Fatalf("event count %d -> %d, want strict growth by 1", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].EventType != after[i].EventType {
			t.Errorf("existing event %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}
