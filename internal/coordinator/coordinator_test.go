package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/resilience"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"github.com/rs/zerolog"
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
	sot   *sot.Store
	ts    *ts.Store
	coord *Coordinator
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

	breaker := resilience.New("coordinator", resilience.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	})
	coord := New(sotStore, tsStore, nil, breaker)
	return &fixture{sot: sotStore, ts: tsStore, coord: coord}
}

func (fx *fixture) appendFilledOrder(t *testing.T, clientID string, side sot.Side, qty, price string) (*sot.Order, *sot.Fill) {
	t.Helper()
	order, _, err := fx.sot.AppendOrder(sot.NewOrderParams{
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
	fill, err := fx.sot.AppendFill(sot.FillParams{
		OrderID:        order.ID,
		FillQty:        dec(t, qty),
		FillPrice:      dec(t, price),
		EffectivePrice: dec(t, price),
		Fees:           money.Zero,
		SlippageAmount: money.Zero,
		Liquidity:      sot.LiquidityTaker,
		EventType:      sot.EventFill,
		NewStatus:      sot.OrderStatusFilled,
	})
	if err != nil {
		t.Fatalf("append fill: %v", err)
	}
	order.Status = sot.OrderStatusFilled
	return order, fill
}

func TestHandleFillProjectsAndBroadcasts(t *testing.T) {
	fx := newFixture(t)
	broadcast := fx.coord.SubscribeBroadcast(4)

	order, fill := fx.appendFilledOrder(t, "c-1", sot.SideBuy, "5", "100")
	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: order, Fill: fill})

	pos, err := fx.ts.GetPosition("BTCUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Quantity.Decimal.Equal(dec(t, "5")) || !pos.AvgEntryPrice.Decimal.Equal(dec(t, "100")) {
		t.Errorf("position = %s @ %s, want 5 @ 100", pos.Quantity.Decimal.String(), pos.AvgEntryPrice.Decimal.String())
	}

	select {
	case ev := <-broadcast:
		if ev.Order.ID != order.ID || ev.Fill.ID != fill.ID {
			t.Errorf("broadcast carried wrong fill: %+v", ev)
		}
	default:
		t.Error("handleFill did not publish the dashboard broadcast")
	}
}

// A fill the trade service cannot apply trips the breaker after
// repeated failures; once open, fills are dropped instead of retried
// forever.
func TestRepeatedFailuresTripBreaker(t *testing.T) {
	fx := newFixture(t)

	// SELL with no prior position: every projection attempt fails.
	order, fill := fx.appendFilledOrder(t, "c-bad", sot.SideSell, "5", "100")

	for i := 0; i < 3; i++ {
		fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: order, Fill: fill})
	}
	if fx.coord.breaker.State() != resilience.Open {
		t.Fatalf("breaker state = %s, want OPEN after 3 failures", fx.coord.breaker.State())
	}

	// A subsequent good fill is dropped while the circuit is open.
	good, goodFill := fx.appendFilledOrder(t, "c-good", sot.SideBuy, "1", "100")
	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: good, Fill: goodFill})

	pos, _ := fx.ts.GetPosition("BTCUSDT")
	if !pos.Quantity.Decimal.IsZero() {
		t.Errorf("open breaker applied a fill anyway: qty = %s", pos.Quantity.Decimal.String())
	}
}

func TestSuccessesKeepBreakerClosed(t *testing.T) {
	fx := newFixture(t)

	badOrder, badFill := fx.appendFilledOrder(t, "c-b1", sot.SideSell, "5", "100")
	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: badOrder, Fill: badFill})
	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: badOrder, Fill: badFill})

	// A success in between resets the consecutive-failure streak.
	goodOrder, goodFill := fx.appendFilledOrder(t, "c-g1", sot.SideBuy, "1", "100")
	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: goodOrder, Fill: goodFill})

	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: badOrder, Fill: badFill})
	fx.coord.handleFill(context.Background(), zerolog.Nop(), sot.FillAppended{Order: badOrder, Fill: badFill})

	if fx.coord.breaker.State() != resilience.Closed {
		t.Errorf("breaker state = %s, want CLOSED with non-consecutive failures", fx.coord.breaker.State())
	}
}

// End to end through the Run loop: a fill appended to SOT reaches the
// trade service without any direct call.
func TestRunConsumesFillStream(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.coord.Run(ctx)

	// Give the consumer a beat to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	fx.appendFilledOrder(t, "c-run", sot.SideBuy, "2", "100")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pos, err := fx.ts.GetPosition("BTCUSDT")
		if err == nil && pos.Quantity.Decimal.Equal(dec(t, "2")) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fill never reached the trade service through the Run loop")
}
