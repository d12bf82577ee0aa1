package pending

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ksred/paperexec/internal/clockwork"
	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/execution"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/priceapi"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"gorm.io/gorm"
)

func dec(t *testing.T, s string) money.Decimal {
	t.Helper()
	d, err := money.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

type fixture struct {
	sot    *sot.Store
	ts     *ts.Store
	prices *priceapi.MockSource
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	sotStore, err := sot.Open(filepath.Join(dir, "sot.db"), 5, 2)
	if err != nil {
		t.Fatalf("open sot: %v", err)
	}
	t.Cleanup(func() { sotStore.Close() })

	tsStore, err := ts.Open(filepath.Join(dir, "ts.db"), 5, 2)
	if err != nil {
		t.Fatalf("open ts: %v", err)
	}
	t.Cleanup(func() { tsStore.Close() })

	prices := priceapi.NewMockSource(time.Hour, 0)
	prices.SetExchangeInfo(priceapi.ExchangeInfo{
		Symbol:    "BTCUSDT",
		MinQty:    money.New(1, -5),
		MaxQty:    money.New(1000, 0),
		StepSize:  money.New(1, -5),
		PriceStep: money.New(1, -2),
	})
	prices.SetPrice("BTCUSDT", money.New(100, 0), time.Now().UTC())

	engine := execution.New(sotStore, tsStore, prices,
		clockwork.NewMockClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		clockwork.ZeroRandomSource{},
		execution.Config{DefaultFillPct: 1.0},
	)

	svc := New(sotStore, tsStore, prices, engine, RiskConfig{
		PipMultiplier:      2.0,
		MaxPositionSizePct: 10.0,
		MaxDailyLossPct:    5.0,
		StartingEquity:     100000,
	})

	return &fixture{sot: sotStore, ts: tsStore, prices: prices, svc: svc}
}

func buyIntent(qty string, t *testing.T) Intent {
	q := dec(t, qty)
	return Intent{
		Symbol:    "BTCUSDT",
		Side:      sot.SideBuy,
		OrderType: sot.OrderTypeMarket,
		Quantity:  &q,
		Price:     dec(t, "100"),
		Source:    sot.SourceSpreadsheet,
	}
}

func TestQueueResolvesPips(t *testing.T) {
	fx := newFixture(t)

	pips := dec(t, "5")
	po, created, err := fx.svc.Queue(context.Background(), Intent{
		Symbol:    "BTCUSDT",
		Side:      sot.SideBuy,
		OrderType: sot.OrderTypeMarket,
		Pips:      &pips,
		Price:     dec(t, "100"),
		Source:    sot.SourceStrategy,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !created {
		t.Fatal("expected a new pending order")
	}
	// 5 pips * 2.0 multiplier * 0.00001 min_qty = 0.0001
	if !po.Quantity.Decimal.Equal(dec(t, "0.0001")) {
		t.Errorf("resolved qty = %s, want 0.0001", po.Quantity.Decimal.String())
	}
	if po.Status != sot.PendingStatusPending {
		t.Errorf("status = %s, want PENDING", po.Status)
	}
}

func TestQueueRejectsMissingQuantity(t *testing.T) {
	fx := newFixture(t)
	_, _, err := fx.svc.Queue(context.Background(), Intent{
		Symbol:    "BTCUSDT",
		Side:      sot.SideBuy,
		OrderType: sot.OrderTypeMarket,
		Price:     dec(t, "100"),
		Source:    sot.SourceSpreadsheet,
	})
	if !coreerrors.Is(err, coreerrors.ErrValidation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

// Risk violations annotate but never block: an oversized order still
// queues, carrying the warning for the human approver.
func TestQueueRiskViolationStillQueues(t *testing.T) {
	fx := newFixture(t)

	// 200 * 100 = 20000 = 20% of the 100k equity, above the 10% cap.
	po, _, err := fx.svc.Queue(context.Background(), buyIntent("200", t))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if po.Status != sot.PendingStatusPending {
		t.Errorf("status = %s, want PENDING", po.Status)
	}
	if !strings.Contains(po.RiskNote, "position") {
		t.Errorf("risk_note = %q, want a position-size warning", po.RiskNote)
	}
}

func TestQueueIdempotentOnSourceRef(t *testing.T) {
	fx := newFixture(t)

	intent := buyIntent("1", t)
	intent.Source = sot.SourcePyramid
	intent.SourceRef = "pyramid:7:wave:0"

	first, created, err := fx.svc.Queue(context.Background(), intent)
	if err != nil || !created {
		t.Fatalf("first queue: created=%v err=%v", created, err)
	}
	second, created, err := fx.svc.Queue(context.Background(), intent)
	if err != nil {
		t.Fatalf("second queue: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("duplicate source_ref: id=%d created=%v, want existing id %d", second.ID, created, first.ID)
	}
}

func TestApproveExecutesInline(t *testing.T) {
	fx := newFixture(t)
	fillEvents := fx.sot.SubscribeFills(4)

	po, _, err := fx.svc.Queue(context.Background(), buyIntent("5", t))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	order, err := fx.svc.Approve(po.ID, "alice", "looks good")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if order.Status != sot.OrderStatusFilled {
		t.Errorf("order status = %s, want FILLED", order.Status)
	}

	got, _ := fx.svc.Get(po.ID)
	if got.Status != sot.PendingStatusExecuted {
		t.Errorf("pending status = %s, want EXECUTED", got.Status)
	}
	if got.ExecutedOrderID == nil || *got.ExecutedOrderID != order.ID {
		t.Errorf("executed_order_id = %v, want %d", got.ExecutedOrderID, order.ID)
	}

	fills, _ := fx.sot.ListFills(order.ID)
	if len(fills) != 1 || !fills[0].FillQty.Decimal.Equal(dec(t, "5")) {
		t.Fatalf("fills = %+v, want single qty-5 fill", fills)
	}

	// The inline fill is published once the approve transaction commits,
	// so the coordinator sees approval-driven fills too.
	select {
	case ev := <-fillEvents:
		if ev.Order.ID != order.ID {
			t.Errorf("published fill for order %d, want %d", ev.Order.ID, order.ID)
		}
	default:
		t.Error("approve did not publish the inline fill")
	}
}

func TestApproveIsSingleWinnerCAS(t *testing.T) {
	fx := newFixture(t)
	po, _, _ := fx.svc.Queue(context.Background(), buyIntent("1", t))

	if _, err := fx.svc.Approve(po.ID, "alice", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := fx.svc.Approve(po.ID, "bob", ""); !coreerrors.Is(err, coreerrors.ErrStaleState) {
		t.Errorf("second approve err = %v, want StaleState", err)
	}
}

func TestRejectResolvesPending(t *testing.T) {
	fx := newFixture(t)
	resolved := fx.sot.SubscribePendingResolved(4)

	po, _, _ := fx.svc.Queue(context.Background(), buyIntent("1", t))

	rejected, err := fx.svc.Reject(po.ID, "bob", "not today")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != sot.PendingStatusRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}

	select {
	case ev := <-resolved:
		if ev.Approved || ev.Reason != "not today" {
			t.Errorf("resolved event = %+v, want rejection with reason", ev)
		}
	default:
		t.Error("reject did not publish PendingResolved")
	}

	// No order was ever created.
	orders, _ := fx.sot.ListOrders(sot.OrderFilters{})
	if len(orders) != 0 {
		t.Errorf("orders after reject = %d, want 0", len(orders))
	}
}

type failingExecutor struct{}

func (failingExecutor) ExecutePending(tx *gorm.DB, po *sot.PendingOrder) (*sot.Order, *sot.Fill, error) {
	return nil, nil, errors.New("engine unavailable")
}

// An execution failure rolls the whole approve transaction back: the
// row stays PENDING with the error note and an incremented attempt
// count.
func TestApproveRevertsOnExecutionFailure(t *testing.T) {
	fx := newFixture(t)
	svc := New(fx.sot, fx.ts, fx.prices, failingExecutor{}, RiskConfig{
		PipMultiplier:      2.0,
		MaxPositionSizePct: 10.0,
		MaxDailyLossPct:    5.0,
		StartingEquity:     100000,
	})

	po, _, _ := svc.Queue(context.Background(), buyIntent("1", t))

	if _, err := svc.Approve(po.ID, "alice", ""); err == nil {
		t.Fatal("approve should surface the execution failure")
	}

	got, _ := svc.Get(po.ID)
	if got.Status != sot.PendingStatusPending {
		t.Errorf("status = %s, want PENDING after rollback", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if !strings.Contains(got.Note, "engine unavailable") {
		t.Errorf("note = %q, want the execution error recorded", got.Note)
	}

	// The row is back in the queue: a reviewer can act on it again.
	if _, err := svc.Reject(po.ID, "alice", "giving up"); err != nil {
		t.Errorf("post-revert reject failed: %v", err)
	}
}

// Oversell: approving a SELL larger than the owned position cancels the
// order with an ERROR event and leaves the position untouched.
func TestOversellCancelsOrder(t *testing.T) {
	fx := newFixture(t)

	// Establish a 5 BTC position: queue, approve, project the fill.
	buyPO, _, _ := fx.svc.Queue(context.Background(), buyIntent("5", t))
	buyOrder, err := fx.svc.Approve(buyPO.ID, "alice", "")
	if err != nil {
		t.Fatalf("approve buy: %v", err)
	}
	buyFills, _ := fx.sot.ListFills(buyOrder.ID)
	if err := fx.ts.ApplyFill(ts.FillContext{
		OrderID:        buyOrder.ID,
		Symbol:         buyOrder.Symbol,
		Side:           string(buyOrder.Side),
		FillQty:        buyFills[0].FillQty.Decimal,
		EffectivePrice: buyFills[0].EffectivePrice.Decimal,
		Fees:           buyFills[0].Fees.Decimal,
		FilledAt:       buyFills[0].FilledAt,
	}); err != nil {
		t.Fatalf("project buy fill: %v", err)
	}

	fx.prices.SetPrice("BTCUSDT", dec(t, "110"), time.Now().UTC())
	sellQty := dec(t, "10")
	sellPO, _, err := fx.svc.Queue(context.Background(), Intent{
		Symbol:    "BTCUSDT",
		Side:      sot.SideSell,
		OrderType: sot.OrderTypeMarket,
		Quantity:  &sellQty,
		Price:     dec(t, "110"),
		Source:    sot.SourceSpreadsheet,
	})
	if err != nil {
		t.Fatalf("queue sell: %v", err)
	}

	sellOrder, err := fx.svc.Approve(sellPO.ID, "alice", "")
	if err != nil {
		t.Fatalf("approve sell: %v", err)
	}
	if sellOrder.Status != sot.OrderStatusCancelled {
		t.Errorf("sell order status = %s, want CANCELLED", sellOrder.Status)
	}

	events, _ := fx.sot.ListEvents(sellOrder.ID)
	var sawError bool
	for _, ev := range events {
		if ev.EventType == sot.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("cancelled oversell must carry an ERROR event")
	}

	if fills, _ := fx.sot.ListFills(sellOrder.ID); len(fills) != 0 {
		t.Errorf("oversell appended %d fills, want 0", len(fills))
	}

	pos, _ := fx.ts.GetPosition("BTCUSDT")
	if !pos.Quantity.Decimal.Equal(dec(t, "5")) || !pos.AvgEntryPrice.Decimal.Equal(dec(t, "100")) {
		t.Errorf("position changed: qty=%s avg=%s, want 5 @ 100", pos.Quantity.Decimal.String(), pos.AvgEntryPrice.Decimal.String())
	}
	if !pos.RealizedPnL.Decimal.IsZero() {
		t.Errorf("realized = %s, want 0", pos.RealizedPnL.Decimal.String())
	}
}

func TestListFiltersByStatusAndSource(t *testing.T) {
	fx := newFixture(t)

	a := buyIntent("1", t)
	a.Source = sot.SourceSpreadsheet
	b := buyIntent("2", t)
	b.Source = sot.SourceStrategy

	poA, _, _ := fx.svc.Queue(context.Background(), a)
	fx.svc.Queue(context.Background(), b)
	fx.svc.Reject(poA.ID, "bob", "no")

	pendingRows, err := fx.svc.List(Filters{StatusFilter: sot.PendingStatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pendingRows) != 1 || pendingRows[0].Source != sot.SourceStrategy {
		t.Errorf("pending rows = %+v, want only the strategy order", pendingRows)
	}

	rejectedRows, _ := fx.svc.List(Filters{StatusFilter: sot.PendingStatusRejected, Source: sot.SourceSpreadsheet})
	if len(rejectedRows) != 1 {
		t.Errorf("rejected spreadsheet rows = %d, want 1", len(rejectedRows))
	}
}
