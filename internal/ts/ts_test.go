package ts

import (
	"path/filepath"
	"testing"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/sot"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ts.db"), 5, 2)
	if err != nil {
		t.Fatalf("open ts store: %v", err)
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

var fillTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func fc(orderID int64, side, qty, price, fees string, t *testing.T) FillContext {
	return FillContext{
		OrderID:        orderID,
		Symbol:         "BTCUSDT",
		Side:           side,
		FillQty:        dec(t, qty),
		EffectivePrice: dec(t, price),
		Fees:           dec(t, fees),
		FilledAt:       fillTime,
	}
}

func TestBuyUpdatesPositionWeightedAverage(t *testing.T) {
	s := openTestStore(t)

	if err := s.ApplyFill(fc(1, "BUY", "10", "100", "0", t)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if err := s.ApplyFill(fc(2, "BUY", "10", "200", "0", t)); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	pos, err := s.GetPosition("BTCUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Quantity.Decimal.Equal(dec(t, "20")) {
		t.Errorf("qty = %s, want 20", pos.Quantity.Decimal.String())
	}
	if !pos.AvgEntryPrice.Decimal.Equal(dec(t, "150")) {
		t.Errorf("avg = %s, want 150", pos.AvgEntryPrice.Decimal.String())
	}
	if !pos.TotalCost.Decimal.Equal(dec(t, "3000")) {
		t.Errorf("total_cost = %s, want 3000", pos.TotalCost.Decimal.String())
	}
}

func TestSellWithoutPositionFails(t *testing.T) {
	s := openTestStore(t)
	err := s.ApplyFill(fc(1, "SELL", "1", "100", "0", t))
	if !coreerrors.Is(err, coreerrors.ErrInsufficientPosition) {
		t.Errorf("err = %v, want InsufficientPosition", err)
	}
}

// Round trip: buy then sell the same qty at the same price with zero
// fees nets to exactly zero realized PnL and a flat position.
func TestPnLRoundTripIsZero(t *testing.T) {
	s := openTestStore(t)

	if err := s.ApplyFill(fc(1, "BUY", "5", "100", "0", t)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := s.ApplyFill(fc(2, "SELL", "5", "100", "0", t)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	pos, _ := s.GetPosition("BTCUSDT")
	if !pos.Quantity.Decimal.IsZero() {
		t.Errorf("qty = %s, want 0", pos.Quantity.Decimal.String())
	}
	if !pos.AvgEntryPrice.Decimal.IsZero() {
		t.Errorf("flat position must reset avg to 0, got %s", pos.AvgEntryPrice.Decimal.String())
	}
	if !pos.RealizedPnL.Decimal.IsZero() {
		t.Errorf("realized = %s, want 0", pos.RealizedPnL.Decimal.String())
	}
}

// Four-step scale-out: BUY 10 @ 100, then SELL 3 @ 110, 4 @ 120,
// 2 @ 130, 1 @ 140. Cumulative realized PnL after each sell is
// 30, 110, 170, 210; the Trade walks OPEN -> PARTIAL -> CLOSED.
func TestScaleOutLadder(t *testing.T) {
	s := openTestStore(t)

	if err := s.ApplyFill(fc(1, "BUY", "10", "100", "0", t)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	trades, _ := s.ListTrades(TradeFilters{Symbol: "BTCUSDT"})
	if len(trades) != 1 || trades[0].Status != TradeStatusOpen {
		t.Fatalf("after buy: trades = %+v, want one OPEN trade", trades)
	}
	tradeID := trades[0].ID

	sells := []struct {
		qty, price   string
		wantRealized string
		wantStatus   TradeStatus
	}{
		{"3", "110", "30", TradeStatusPartial},
		{"4", "120", "110", TradeStatusPartial},
		{"2", "130", "170", TradeStatusPartial},
		{"1", "140", "210", TradeStatusClosed},
	}
	for i, step := range sells {
		if err := s.ApplyFill(fc(int64(10+i), "SELL", step.qty, step.price, "0", t)); err != nil {
			t.Fatalf("sell %d: %v", i, err)
		}
		pos, _ := s.GetPosition("BTCUSDT")
		if !pos.RealizedPnL.Decimal.Equal(dec(t, step.wantRealized)) {
			t.Errorf("after sell %d: realized = %s, want %s", i, pos.RealizedPnL.Decimal.String(), step.wantRealized)
		}
		trade, err := s.GetTrade(tradeID)
		if err != nil {
			t.Fatalf("get trade: %v", err)
		}
		if trade.Status != step.wantStatus {
			t.Errorf("after sell %d: trade status = %s, want %s", i, trade.Status, step.wantStatus)
		}
	}

	pos, _ := s.GetPosition("BTCUSDT")
	if !pos.Quantity.Decimal.IsZero() || !pos.AvgEntryPrice.Decimal.IsZero() {
		t.Errorf("final position qty=%s avg=%s, want flat", pos.Quantity.Decimal.String(), pos.AvgEntryPrice.Decimal.String())
	}
	if !pos.RealizedPnL.Decimal.Equal(dec(t, "210")) {
		t.Errorf("final realized = %s, want 210", pos.RealizedPnL.Decimal.String())
	}
}

func TestTradePnLFormulas(t *testing.T) {
	s := openTestStore(t)

	if err := s.ApplyFill(fc(1, "BUY", "1", "100", "1", t)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := s.ApplyFill(fc(2, "SELL", "1", "110", "1", t)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	trades, _ := s.ListTrades(TradeFilters{Status: TradeStatusClosed})
	if len(trades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(trades))
	}
	pnl, err := s.GetTradePnL(trades[0].ID)
	if err != nil {
		t.Fatalf("get trade pnl: %v", err)
	}

	if !pnl.GrossPnL.Decimal.Equal(dec(t, "10")) {
		t.Errorf("gross = %s, want 10", pnl.GrossPnL.Decimal.String())
	}
	if !pnl.TotalFees.Decimal.Equal(dec(t, "2")) {
		t.Errorf("fees = %s, want 2", pnl.TotalFees.Decimal.String())
	}
	// net = gross - fees, exactly.
	if !pnl.NetPnL.Decimal.Equal(pnl.GrossPnL.Decimal.Sub(pnl.TotalFees.Decimal)) {
		t.Errorf("net %s != gross %s - fees %s", pnl.NetPnL.Decimal.String(), pnl.GrossPnL.Decimal.String(), pnl.TotalFees.Decimal.String())
	}
	if !pnl.NetPnL.Decimal.Equal(dec(t, "8")) {
		t.Errorf("net = %s, want 8", pnl.NetPnL.Decimal.String())
	}
	// return_pct = net / cost_basis * 100 = 8 / 100 * 100
	if !pnl.ReturnPct.Decimal.Equal(dec(t, "8")) {
		t.Errorf("return_pct = %s, want 8", pnl.ReturnPct.Decimal.String())
	}
}

func TestGetTotalPnLSumsAcrossSymbols(t *testing.T) {
	s := openTestStore(t)

	ctx1 := fc(1, "BUY", "1", "100", "0", t)
	if err := s.ApplyFill(ctx1); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell1 := fc(2, "SELL", "1", "110", "0", t)
	if err := s.ApplyFill(sell1); err != nil {
		t.Fatalf("sell: %v", err)
	}

	ethBuy := fc(3, "BUY", "2", "50", "0", t)
	ethBuy.Symbol = "ETHUSDT"
	if err := s.ApplyFill(ethBuy); err != nil {
		t.Fatalf("eth buy: %v", err)
	}
	ethSell := fc(4, "SELL", "2", "45", "0", t)
	ethSell.Symbol = "ETHUSDT"
	if err := s.ApplyFill(ethSell); err != nil {
		t.Fatalf("eth sell: %v", err)
	}

	total, err := s.GetTotalPnL()
	if err != nil {
		t.Fatalf("total pnl: %v", err)
	}
	if !total.Equal(dec(t, "0")) { // +10 on BTC, -10 on ETH
		t.Errorf("total = %s, want 0", total.String())
	}
}

// Rebuild reproduces the live state exactly from SOT facts.
func TestRebuildFromSOTMatchesLiveState(t *testing.T) {
	tsStore := openTestStore(t)

	sotStore, err := sot.Open(filepath.Join(t.TempDir(), "sot.db"), 5, 2)
	if err != nil {
		t.Fatalf("open sot: %v", err)
	}
	defer sotStore.Close()

	appendOrderAndFill := func(clientID string, side sot.Side, qty, price string) {
		t.Helper()
		order, _, err := sotStore.AppendOrder(sot.NewOrderParams{
			ClientOrderID: clientID,
			Symbol:        "BTCUSDT",
			Side:          side,
			OrderType:     sot.OrderTypeMarket,
			Qty:           dec(t, qty),
			Price:         dec(t, price),
		})
		if err != nil {
			t.Fatalf("append order: %v", err)
		}
		if _, err := sotStore.AppendFill(sot.FillParams{
			OrderID:        order.ID,
			FillQty:        dec(t, qty),
			FillPrice:      dec(t, price),
			EffectivePrice: dec(t, price),
			Fees:           money.Zero,
			SlippageAmount: money.Zero,
			Liquidity:      sot.LiquidityTaker,
			EventType:      sot.EventFill,
			NewStatus:      sot.OrderStatusFilled,
		}); err != nil {
			t.Fatalf("append fill: %v", err)
		}
	}

	appendOrderAndFill("r-1", sot.SideBuy, "10", "100")
	appendOrderAndFill("r-2", sot.SideSell, "4", "120")
	appendOrderAndFill("r-3", sot.SideSell, "6", "90")

	// Live application, fill by fill, the way the coordinator does it.
	fills, _ := sotStore.ListFillsSince(0)
	for _, f := range fills {
		order, _ := sotStore.GetOrder(f.OrderID)
		if err := tsStore.ApplyFill(FillContext{
			OrderID:        order.ID,
			Symbol:         order.Symbol,
			Side:           string(order.Side),
			FillQty:        f.FillQty.Decimal,
			EffectivePrice: f.EffectivePrice.Decimal,
			Fees:           f.Fees.Decimal,
			FilledAt:       f.FilledAt,
			StrategyCode:   order.SourceRef,
		}); err != nil {
			t.Fatalf("live apply: %v", err)
		}
	}

	livePos, _ := tsStore.GetPosition("BTCUSDT")

	// Wipe and replay from the fact store.
	if err := tsStore.RebuildFromSOT(sotStore, 0); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	rebuiltPos, _ := tsStore.GetPosition("BTCUSDT")
	if !rebuiltPos.Quantity.Decimal.Equal(livePos.Quantity.Decimal) ||
		!rebuiltPos.AvgEntryPrice.Decimal.Equal(livePos.AvgEntryPrice.Decimal) ||
		!rebuiltPos.RealizedPnL.Decimal.Equal(livePos.RealizedPnL.Decimal) {
		t.Errorf("rebuild diverged: live=%+v rebuilt=%+v", livePos, rebuiltPos)
	}
	// Expected absolute values: realized = (120-100)*4 + (90-100)*6 = 20
	if !rebuiltPos.RealizedPnL.Decimal.Equal(dec(t, "20")) {
		t.Errorf("rebuilt realized = %s, want 20", rebuiltPos.RealizedPnL.Decimal.String())
	}

	cursor, err := tsStore.SyncCursor()
	if err != nil {
		t.Fatalf("sync cursor: %v", err)
	}
	if cursor != fills[len(fills)-1].ID {
		t.Errorf("cursor = %d, want last fill id %d", cursor, fills[len(fills)-1].ID)
	}
}

func TestRealizedPnLToday(t *testing.T) {
	s := openTestStore(t)

	if err := s.ApplyFill(fc(1, "BUY", "1", "100", "0", t)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell := fc(2, "SELL", "1", "90", "0", t)
	sell.FilledAt = time.Now().UTC()
	if err := s.ApplyFill(sell); err != nil {
		t.Fatalf("sell: %v", err)
	}

	today, err := s.RealizedPnLToday(time.Now().UTC())
	if err != nil {
		t.Fatalf("realized today: %v", err)
	}
	if !today.Equal(dec(t, "-10")) {
		t.Errorf("realized today = %s, want -10", today.String())
	}
}
