package pyramid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/paperexec/internal/clockwork"
	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/pending"
	"github.com/ksred/paperexec/internal/priceapi"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// CreateParams are the inputs to Create.
type CreateParams struct {
	Symbol        string
	EntryPrice    money.Decimal
	DistancePct   float64
	MaxWaves      int
	IsolatedFund  money.Decimal
	TPPct         float64
	TimeoutMin    float64
	GapMin        float64
	PipMultiplier float64
}

// Manager owns Session/Wave lifecycle. It queues wave orders through
// internal/pending rather than importing internal/execution directly,
// and reacts to fills/rejections via the SOT store's event bus so it
// never reaches into the queue's or coordinator's internals.
type Manager struct {
	store  *Store
	sotSt  *sot.Store
	prices priceapi.Source
	pend   *pending.Service
	clock  clockwork.Clock
	timer  time.Duration

	mu sync.Mutex
}

func New(store *Store, sotSt *sot.Store, prices priceapi.Source, pend *pending.Service, clock clockwork.Clock, timerInterval time.Duration) *Manager {
	return &Manager{store: store, sotSt: sotSt, prices: prices, pend: pend, clock: clock, timer: timerInterval}
}

// Create persists a new session in PENDING status. A session whose
// estimated cost exceeds its isolated fund is still created; the
// overrun is surfaced via Preview rather than blocking creation.
// IsolatedFund is not checked when waves are queued: queueWave sizes
// and queues each wave whatever the session's cumulative cost.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if p.MaxWaves <= 0 {
		return nil, coreerrors.NewValidationError("max_waves", p.MaxWaves, "must be positive")
	}
	info, err := m.prices.ExchangeInfo(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Symbol:         p.Symbol,
		EntryPrice:     money.Wrap(p.EntryPrice),
		DistancePct:    p.DistancePct,
		MaxWaves:       p.MaxWaves,
		IsolatedFund:   money.Wrap(p.IsolatedFund),
		TPPct:          p.TPPct,
		TimeoutMin:     p.TimeoutMin,
		GapMin:         p.GapMin,
		PipMultiplier:  p.PipMultiplier,
		MinQty:         money.Wrap(info.MinQty),
		StepSize:       money.Wrap(info.StepSize),
		PriceStep:      money.Wrap(info.PriceStep),
		Status:         StatusPending,
		TotalFilledQty: money.Wrap(money.Zero),
		TotalCost:      money.Wrap(money.Zero),
		AvgPrice:       money.Wrap(money.Zero),
		CreatedAt:      m.clock.Now(),
	}

	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.createSessionTx(tx, sess)
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// Start transitions PENDING -> ACTIVE and enqueues wave 0.
func (m *Manager) Start(ctx context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusPending {
		return nil, coreerrors.NewStaleStateError("pyramid_session", id, string(StatusPending), string(sess.Status))
	}

	now := m.clock.Now()
	sess.Status = StatusActive
	sess.StartedAt = &now

	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	}); err != nil {
		return nil, err
	}

	if err := m.queueWave(ctx, sess, 0); err != nil {
		return nil, err
	}
	return sess, nil
}

// queueWave creates wave n's row and queues its order through the
// approval queue; waves enqueue in strictly increasing wave_num order
// (the caller already holds m.mu).
func (m *Manager) queueWave(ctx context.Context, sess *Session, waveNum int) error {
	pipSize := PipSize(sess.PipMultiplier, sess.MinQty.Decimal)
	qty := TargetQty(waveNum, pipSize, sess.MinQty.Decimal, sess.StepSize.Decimal)
	price := TargetPrice(sess.EntryPrice.Decimal, sess.DistancePct, waveNum, sess.PriceStep.Decimal)
	sourceRef := fmt.Sprintf("pyramid:%d:wave:%d", sess.ID, waveNum)

	var wave *Wave
	if err := m.store.WithTx(func(tx *gorm.DB) error {
		w := &Wave{
			SessionID:   sess.ID,
			WaveNum:     waveNum,
			TargetQty:   money.Wrap(qty),
			TargetPrice: money.Wrap(price),
			Status:      WaveStatusQueued,
		}
		if err := m.store.createWaveTx(tx, w); err != nil {
			return err
		}
		wave = w
		return nil
	}); err != nil {
		return err
	}

	po, _, err := m.pend.Queue(ctx, pending.Intent{
		Symbol:       sess.Symbol,
		Side:         sot.SideBuy,
		OrderType:    sot.OrderTypeLimit,
		Quantity:     &qty,
		Price:        price,
		Source:       sot.SourcePyramid,
		SourceRef:    sourceRef,
		StrategyName: "kss_pyramid",
	})
	if err != nil {
		return err
	}

	now := m.clock.Now()
	return m.store.WithTx(func(tx *gorm.DB) error {
		wave.PendingOrderID = &po.ID
		if err := m.store.saveWaveTx(tx, wave); err != nil {
			return err
		}
		sess.LastWaveQueuedAt = &now
		nextDue := now.Add(time.Duration(sess.GapMin * float64(time.Minute)))
		sess.NextWaveDueAt = &nextDue
		return m.store.saveSessionTx(tx, sess)
	})
}

// Stop transitions an ACTIVE or PENDING session to STOPPED and cancels
// any outstanding QUEUED wave.
func (m *Manager) Stop(id int64, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(id, reason)
}

func (m *Manager) stopLocked(id int64, reason string) (*Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive && sess.Status != StatusPending {
		return nil, coreerrors.NewStaleStateError("pyramid_session", id, "ACTIVE or PENDING", string(sess.Status))
	}

	if err := m.cancelQueuedWave(sess); err != nil {
		log.Warn().Err(err).Int64("session_id", id).Msg("pyramid: failed to cancel queued wave on stop")
	}

	sess.Status = StatusStopped
	sess.StopReason = reason
	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// cancelQueuedWave cancels the session's single outstanding QUEUED
// wave: rejects it if still PENDING approval, or cancels the resulting
// Order directly if it was already approved but not yet filled.
func (m *Manager) cancelQueuedWave(sess *Session) error {
	var wave *Wave
	if err := m.store.WithTx(func(tx *gorm.DB) error {
		w, err := m.store.queuedWaveTx(tx, sess.ID)
		if err != nil {
			return err
		}
		wave = w
		return nil
	}); err != nil {
		return err
	}
	if wave == nil || wave.PendingOrderID == nil {
		return nil
	}

	po, err := m.pend.Get(*wave.PendingOrderID)
	if err != nil {
		return err
	}

	switch po.Status {
	case sot.PendingStatusPending:
		if _, err := m.pend.Reject(po.ID, "system", "session stopped"); err != nil {
			return err
		}
	case sot.PendingStatusExecuted:
		if po.ExecutedOrderID != nil {
			order, err := m.sotSt.GetOrder(*po.ExecutedOrderID)
			if err != nil {
				return err
			}
			if order.RemainingQty.Decimal.IsPositive() && order.Status != sot.OrderStatusCancelled {
				if _, err := m.sotSt.CancelOrder(order.ID, sot.EventCancelled, "session stopped"); err != nil {
					return err
				}
			}
		}
	}

	return m.store.WithTx(func(tx *gorm.DB) error {
		wave.Status = WaveStatusCancelled
		return m.store.saveWaveTx(tx, wave)
	})
}

// AdjustParams reshape a session in place: every field is optional and
// only applied while the session is PENDING or ACTIVE; filled waves
// are immutable facts and are never reshaped.
type AdjustParams struct {
	DistancePct   *float64
	TPPct         *float64
	TimeoutMin    *float64
	GapMin        *float64
	MaxWaves      *int
	IsolatedFund  *money.Decimal
}

func (m *Manager) Adjust(id int64, p AdjustParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusPending && sess.Status != StatusActive {
		return nil, coreerrors.NewStaleStateError("pyramid_session", id, "PENDING or ACTIVE", string(sess.Status))
	}

	if p.DistancePct != nil {
		sess.DistancePct = *p.DistancePct
	}
	if p.TPPct != nil {
		sess.TPPct = *p.TPPct
	}
	if p.TimeoutMin != nil {
		sess.TimeoutMin = *p.TimeoutMin
	}
	if p.GapMin != nil {
		sess.GapMin = *p.GapMin
	}
	if p.MaxWaves != nil {
		if *p.MaxWaves < sess.CurrentWave {
			return nil, coreerrors.NewValidationError("max_waves", *p.MaxWaves, "cannot be less than waves already filled")
		}
		sess.MaxWaves = *p.MaxWaves
	}
	if p.IsolatedFund != nil {
		sess.IsolatedFund = money.Wrap(*p.IsolatedFund)
	}

	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// CheckTP evaluates the take-profit condition against currentPrice
// and, on trigger, enqueues the closing SELL for the session's full
// accumulated quantity.
func (m *Manager) CheckTP(ctx context.Context, id int64, currentPrice money.Decimal) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkTPLocked(ctx, id, currentPrice)
}

func (m *Manager) checkTPLocked(ctx context.Context, id int64, currentPrice money.Decimal) (*Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return sess, nil
	}
	if sess.TotalFilledQty.Decimal.IsZero() {
		return sess, nil
	}

	threshold := TPThreshold(sess.AvgPrice.Decimal, sess.TPPct)
	if currentPrice.LessThan(threshold) {
		return sess, nil
	}

	sess.Status = StatusTPTriggered
	if err := m.store.WithTx(func(tx *gorm.DB) error {
		return m.store.saveSessionTx(tx, sess)
	}); err != nil {
		return nil, err
	}

	qty := sess.TotalFilledQty.Decimal
	sourceRef := fmt.Sprintf("pyramid:%d:tp", sess.ID)
	if _, _, err := m.pend.Queue(ctx, pending.Intent{
		Symbol:       sess.Symbol,
		Side:         sot.SideSell,
		OrderType:    sot.OrderTypeMarket,
		Quantity:     &qty,
		Price:        currentPrice,
		Source:       sot.SourcePyramid,
		SourceRef:    sourceRef,
		StrategyName: "kss_pyramid_tp",
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) GetSession(id int64) (*Session, error) { return m.store.GetSession(id) }

func (m *Manager) ListSessions(status Status, symbol string) ([]Session, error) {
	return m.store.ListSessions(status, symbol)
}

func (m *Manager) ListWaves(sessionID int64) ([]Wave, error) {
	return m.store.ListWaves(sessionID)
}

// Summary aggregates counts and isolated funds across ACTIVE sessions;
// sessions in any other status are not counted.
type Summary struct {
	ActiveSessions    int
	TotalIsolatedFund money.Decimal
	BySymbol          map[string]int
}

func (m *Manager) Summary() (Summary, error) {
	rows, err := m.store.ListSessions("", "")
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{BySymbol: make(map[string]int)}
	for _, s := range rows {
		if s.Status == StatusActive {
			sum.ActiveSessions++
			sum.TotalIsolatedFund = sum.TotalIsolatedFund.Add(s.IsolatedFund.Decimal)
			sum.BySymbol[s.Symbol]++
		}
	}
	return sum, nil
}
