// Package priceapi is the PriceSource capability: the core's only
// window onto market prices. The interface is deliberately narrow and
// its failure is non-fatal to the rest of the core — a down feed
// degrades mark-to-market and stop scanning but never blocks queuing
// or approval.
package priceapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	coreerrors "github.com/ksred/paperexec/internal/corekit/errors"
	"github.com/ksred/paperexec/internal/money"
)

// ExchangeInfo is effectively immutable per run.
type ExchangeInfo struct {
	Symbol    string
	MinQty    money.Decimal
	MaxQty    money.Decimal
	StepSize  money.Decimal
	PriceStep money.Decimal
}

// Quote is a priced-as-of observation, possibly stale.
type Quote struct {
	Symbol string
	Price  money.Decimal
	AsOf   time.Time
	Age    time.Duration
}

// Source is the capability the core consumes. CurrentPrice must honor
// ctx's deadline (bounded at FetchTimeout by the caller) and may return
// a stale cached value up to FreshnessBound old.
type Source interface {
	CurrentPrice(ctx context.Context, symbol string) (Quote, error)
	ExchangeInfo(ctx context.Context, symbol string) (ExchangeInfo, error)
}

// MockSource is a deterministic, seedable PriceSource for paper trading
// and tests. Prices are pushed explicitly via SetPrice (a strategy
// signal generator or spreadsheet-driven harness would call this in a
// real deployment); reads degrade to ErrPriceSourceUnavailable when
// marked down, missing, or stale.
type MockSource struct {
	mu sync.RWMutex

	quotes map[string]Quote
	info   map[string]ExchangeInfo

	freshnessBound time.Duration
	fetchLatency   time.Duration
	unavailable    map[string]bool
}

func NewMockSource(freshnessBound, fetchLatency time.Duration) *MockSource {
	return &MockSource{
		quotes:         make(map[string]Quote),
		info:           make(map[string]ExchangeInfo),
		freshnessBound: freshnessBound,
		fetchLatency:   fetchLatency,
		unavailable:    make(map[string]bool),
	}
}

// SetPrice records the current mid price for symbol as of asOf.
func (m *MockSource) SetPrice(symbol string, price money.Decimal, asOf time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = Quote{Symbol: symbol, Price: price, AsOf: asOf}
}

// SetExchangeInfo registers lot-size metadata for symbol.
func (m *MockSource) SetExchangeInfo(info ExchangeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[info.Symbol] = info
}

// SetUnavailable toggles a symbol's price feed down, simulating an
// upstream outage without affecting ExchangeInfo (lot-size metadata is
// static and unaffected by feed health).
func (m *MockSource) SetUnavailable(symbol string, unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[symbol] = unavailable
}

func (m *MockSource) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	if m.fetchLatency > 0 {
		select {
		case <-time.After(m.fetchLatency):
		case <-ctx.Done():
			return Quote{}, coreerrors.Wrap(coreerrors.ErrPriceSourceUnavailable, "price fetch timed out")
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.unavailable[symbol] {
		return Quote{}, fmt.Errorf("%w: %s marked down", coreerrors.ErrPriceSourceUnavailable, symbol)
	}

	q, ok := m.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no quote for %s", coreerrors.ErrPriceSourceUnavailable, symbol)
	}

	age := time.Since(q.AsOf)
	if age > m.freshnessBound {
		return Quote{}, fmt.Errorf("%w: %s quote stale (%s old)", coreerrors.ErrPriceSourceUnavailable, symbol, age)
	}

	q.Age = age
	return q, nil
}

func (m *MockSource) ExchangeInfo(ctx context.Context, symbol string) (ExchangeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.info[symbol]
	if !ok {
		return ExchangeInfo{}, fmt.Errorf("%w: no exchange info for %s", coreerrors.ErrNotFound, symbol)
	}
	return info, nil
}
