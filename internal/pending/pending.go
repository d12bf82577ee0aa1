// Package pending implements the pending-order queue: the human
// approval gate every order intent passes through before the
// execution engine ever sees it. Queuing is idempotent on
// (source, source_ref), which the SOT store enforces with a partial
// unique index.
package pending

import (
	"context"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/priceapi"
	"github.com/ksred/paperexec/internal/risk"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"gorm.io/gorm"
)

// Executor is the execution engine's handoff surface, as seen by
// Approve. Kept as an interface here (rather than importing
// internal/execution directly) so the engine can depend on this
// package's types without a cycle; execution.Engine implements it.
type Executor interface {
	// ExecutePending runs the newly-approved PendingOrder through the
	// engine inside tx: it must create the Order (via sot.Store.AppendOrderInTx)
	// and, for inline (non-latency) execution, run the first fill too,
	// returning it so the caller can publish FillAppended once tx has
	// committed (AppendFillInTx itself never publishes). Any error
	// aborts tx, which rolls the PENDING->APPROVED transition back
	// with it.
	ExecutePending(tx *gorm.DB, po *sot.PendingOrder) (*sot.Order, *sot.Fill, error)
}

// RiskConfig is the subset of internal/config.RiskConfig queue() and
// its risk checks need.
type RiskConfig struct {
	PipMultiplier      float64
	MaxPositionSizePct float64
	MaxDailyLossPct    float64
	StartingEquity     float64
}

// Service is the queue's entrypoint: queue/approve/reject/list over
// the SOT pending_orders table, with the pure risk functions applied
// inline.
type Service struct {
	sot      *sot.Store
	ts       *ts.Store
	prices   priceapi.Source
	executor Executor
	risk     RiskConfig
}

func New(sotStore *sot.Store, tsStore *ts.Store, prices priceapi.Source, executor Executor, riskCfg RiskConfig) *Service {
	return &Service{sot: sotStore, ts: tsStore, prices: prices, executor: executor, risk: riskCfg}
}

// Intent is the caller-facing order shape Queue accepts before the
// quantity is resolved.
type Intent struct {
	Symbol       string
	Side         sot.Side
	OrderType    sot.OrderType
	Quantity     *money.Decimal // set directly, or...
	Pips         *money.Decimal // ...resolved from pip sizing if set instead
	Price        money.Decimal
	StopPrice    *money.Decimal
	Source       sot.Source
	SourceRef    string
	StrategyName string
	Confidence   *float64
}

// Queue resolves the quantity, runs the risk checks, then persists a
// PendingOrder. Idempotent on (source, source_ref): see
// sot.Store.QueuePending.
func (s *Service) Queue(ctx context.Context, intent Intent) (*sot.PendingOrder, bool, error) {
	qty, riskNote, err := s.resolveQuantity(ctx, intent)
	if err != nil {
		return nil, false, err
	}
	if err := risk.ValidateQuantity(qty); err != nil {
		return nil, false, err
	}

	view, err := s.positionView(intent.Symbol)
	if err != nil {
		return nil, false, err
	}
	checkNote := risk.Evaluate(qty, intent.Price, view, s.risk.MaxPositionSizePct, s.risk.MaxDailyLossPct)
	riskNote = combineNotes(riskNote, checkNote)

	qIntent := sot.QueueIntent{
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		OrderType:    intent.OrderType,
		Quantity:     qty,
		Price:        intent.Price,
		StopPrice:    intent.StopPrice,
		Source:       intent.Source,
		SourceRef:    intent.SourceRef,
		StrategyName: intent.StrategyName,
		Confidence:   intent.Confidence,
		RiskNote:     riskNote,
	}
	if intent.Pips != nil {
		qIntent.Pips = intent.Pips
	}
	return s.sot.QueuePending(qIntent)
}

func (s *Service) resolveQuantity(ctx context.Context, intent Intent) (money.Decimal, string, error) {
	if intent.Quantity != nil {
		return *intent.Quantity, "", nil
	}
	if intent.Pips == nil {
		return money.Zero, "", coreerrors.NewValidationError("quantity", "", "either quantity or pips must be set")
	}
	info, err := s.prices.ExchangeInfo(ctx, intent.Symbol)
	if err != nil {
		return money.Zero, "", err
	}
	qty, note := risk.ResolveQty(*intent.Pips, s.risk.PipMultiplier, info)
	return qty, note, nil
}

func (s *Service) positionView(symbol string) (risk.PositionView, error) {
	pos, err := s.ts.GetPosition(symbol)
	if err != nil {
		return risk.PositionView{}, err
	}
	realizedToday, err := s.ts.RealizedPnLToday(time.Now().UTC())
	if err != nil {
		return risk.PositionView{}, err
	}
	exposure := pos.Quantity.Decimal.Mul(pos.AvgEntryPrice.Decimal)
	return risk.PositionView{
		EquityValue:      money.NewFromFloat(s.risk.StartingEquity),
		CurrentExposure:  exposure,
		RealizedPnLToday: realizedToday,
	}, nil
}

func combineNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

// Filters selects rows for List; thin pass-through to sot.PendingFilters.
type Filters = sot.PendingFilters

func (s *Service) List(f Filters) ([]sot.PendingOrder, error) {
	return s.sot.ListPending(f)
}

func (s *Service) Get(id int64) (*sot.PendingOrder, error) {
	return s.sot.GetPending(id)
}
