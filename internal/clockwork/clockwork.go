// Package clockwork provides the injected Clock and RandomSource
// capabilities: every time-dependent or random-dependent computation
// in the core goes through one of these so tests can seed both and
// replay an intent sequence deterministically.
package clockwork

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker so a mock clock can drive it manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RandomSource abstracts the RNG used for slippage, latency jitter,
// and any other non-monetary randomness. Monetary results derived from
// it are quantized to a step immediately.
type RandomSource interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// Uniform returns a value in [0, max).
	Uniform(max float64) float64
	// Int63n returns a value in [0, n).
	Int63n(n int64) int64
}

// SystemClock is the real Clock backed by the Go runtime.
type SystemClock struct{}

func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time                  { return time.Now().UTC() }
func (SystemClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// SystemRandomSource is the real RandomSource backed by math/rand,
// seeded once at construction.
type SystemRandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSystemRandomSource seeds a private RNG so concurrent callers never
// race on the package-level math/rand source.
func NewSystemRandomSource(seed int64) *SystemRandomSource {
	return &SystemRandomSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *SystemRandomSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *SystemRandomSource) Uniform(max float64) float64 {
	if max <= 0 {
		return 0
	}
	return s.Float64() * max
}

func (s *SystemRandomSource) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int63n(n)
}

// MockClock is a manually-advanced Clock for deterministic tests. It
// never sleeps in wall-clock time: Sleep and After return as soon as
// the mock time reaches the target, driven by Advance.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []mockWaiter
	tickers []*mockTicker
}

type mockWaiter struct {
	at time.Time
	ch chan time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) Sleep(d time.Duration) {
	<-m.After(d)
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	target := m.now.Add(d)
	if !target.After(m.now) {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, mockWaiter{at: target, ch: ch})
	return ch
}

func (m *MockClock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{clock: m, period: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves mock time forward by d, firing every waiter whose
// target has been reached (in registration order), then every ticker
// that has come due.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(now) {
			w.ch <- now
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining

	for _, t := range m.tickers {
		for !t.next.After(now) {
			select {
			case t.ch <- now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	m.mu.Unlock()
}

type mockTicker struct {
	clock  *MockClock
	period time.Duration
	next   time.Time
	ch     chan time.Time
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, other := range t.clock.tickers {
		if other == t {
			t.clock.tickers = append(t.clock.tickers[:i], t.clock.tickers[i+1:]...)
			break
		}
	}
}

// MockRandomSource replays a fixed, seeded sequence so slippage and
// latency jitter are reproducible across test runs.
type MockRandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockRandomSource(seed int64) *MockRandomSource {
	return &MockRandomSource{rng: rand.New(rand.NewSource(seed))}
}

func (m *MockRandomSource) Float64() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *MockRandomSource) Uniform(max float64) float64 {
	if max <= 0 {
		return 0
	}
	return m.Float64() * max
}

func (m *MockRandomSource) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Int63n(n)
}

// ZeroRandomSource always returns zero, useful for scenario tests that
// pin slippage and random latency to exactly zero.
type ZeroRandomSource struct{}

func (ZeroRandomSource) Float64() float64          { return 0 }
func (ZeroRandomSource) Uniform(max float64) float64 { return 0 }
func (ZeroRandomSource) Int63n(n int64) int64      { return 0 }
